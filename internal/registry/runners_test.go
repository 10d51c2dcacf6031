package registry

import (
	"testing"

	"ci-scaler/internal/types"
)

func TestRunnersRegistry_AssignIfNotExists(t *testing.T) {
	reg := NewRunnersRegistry()

	reg.AssignIfNotExists([]types.Runner{{ID: 1, Name: "r1", LoadedAt: 100}})

	reg.AssignIfNotExists([]types.Runner{
		{ID: 1, Name: "r1", LoadedAt: 200},
		{ID: 2, Name: "r2", LoadedAt: 200},
	})

	all := map[int64]types.Runner{}
	for _, r := range reg.All() {
		all[r.ID] = r
	}

	if all[1].LoadedAt != 100 {
		t.Errorf("r1.LoadedAt = %v, want 100 (preserved first-seen)", all[1].LoadedAt)
	}
	if all[2].LoadedAt != 200 {
		t.Errorf("r2.LoadedAt = %v, want 200", all[2].LoadedAt)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %v, want 2", reg.Len())
	}
}

func TestRunnersRegistry_RemovesMissingIDs(t *testing.T) {
	reg := NewRunnersRegistry()
	reg.AssignIfNotExists([]types.Runner{
		{ID: 1, Name: "r1", LoadedAt: 100},
		{ID: 2, Name: "r2", LoadedAt: 100},
	})

	reg.AssignIfNotExists([]types.Runner{{ID: 1, Name: "r1", LoadedAt: 300}})

	if reg.Len() != 1 {
		t.Fatalf("Len() = %v, want 1", reg.Len())
	}
	all := reg.All()
	if all[0].ID != 1 || all[0].LoadedAt != 100 {
		t.Errorf("surviving runner = %+v, want ID=1 LoadedAt=100", all[0])
	}
}
