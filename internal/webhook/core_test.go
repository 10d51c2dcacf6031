package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"ci-scaler/internal/platform"
	"ci-scaler/internal/registry"
	"ci-scaler/internal/types"
)

func newTestCore(asgSpecs []types.AsgSpec) *Core {
	return &Core{
		domain:        "scaler.example.com",
		asgSpecs:      asgSpecs,
		secret:        "test-secret",
		haveSecret:    true,
		webhooks:      make(map[string]types.Webhook),
		dedup:         registry.NewExpiringDict[runKey, time.Time](dedupTTL),
		workflows:     registry.NewExpiringDict[string, platform.Workflow](workflowCacheTTL),
		jobTimings:    registry.NewExpiringDict[int64, *types.JobTiming](jobTimingTTL),
		jobActionSeen: registry.NewExpiringDict[jobKey, time.Time](dedupTTL),
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	good := sign("secret", body)

	if err := verifySignature("secret", good, body); err != nil {
		t.Errorf("verifySignature() error = %v, want nil for a valid signature", err)
	}
	if err := verifySignature("secret", "", body); err != errMissingSignature {
		t.Errorf("verifySignature() error = %v, want errMissingSignature", err)
	}
	if err := verifySignature("secret", "sha256=deadbeef", body); err != errSignatureMismatch {
		t.Errorf("verifySignature() error = %v, want errSignatureMismatch", err)
	}

	// A single-bit flip in the body must also fail.
	flipped := append([]byte(nil), body...)
	flipped[0] ^= 0x01
	if err := verifySignature("secret", good, flipped); err != errSignatureMismatch {
		t.Errorf("verifySignature() over a tampered body error = %v, want errSignatureMismatch", err)
	}
}

func TestNormalizeJobName(t *testing.T) {
	cases := map[string]string{
		"Test 6":       "test_x",
		"Build & Test": "build_test",
		"lint":         "lint",
		"_weird__":     "weird",
	}
	for in, want := range cases {
		if got := normalizeJobName(in); got != want {
			t.Errorf("normalizeJobName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCore_Handle_HookEventIgnored(t *testing.T) {
	core := newTestCore(nil)
	payload := map[string]json.RawMessage{"hook": json.RawMessage(`{}`)}
	res := core.Handle(context.Background(), payload, []byte(`{"hook":{}}`), "203.0.113.5:1234", "/ci-storage", "")
	if res.Status != http.StatusAccepted {
		t.Errorf("Handle() status = %d, want 202", res.Status)
	}
}

func TestCore_Handle_DebugWorkflowRunPath(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "lab1", AsgName: "asg1"}})
	res := core.Handle(context.Background(), map[string]json.RawMessage{}, []byte(`{}`), "127.0.0.1:5555", "/workflow_run/acme/widgets/lab1", "")
	if res.Status != http.StatusOK {
		t.Fatalf("Handle() status = %d, want 200, message=%v err=%v", res.Status, res.Message, res.Err)
	}
}

func TestCore_Handle_DebugPath_UnrecognizedIs404(t *testing.T) {
	core := newTestCore(nil)
	res := core.Handle(context.Background(), map[string]json.RawMessage{}, []byte(`{}`), "127.0.0.1:5555", "/nonsense", "")
	if res.Status != http.StatusNotFound {
		t.Errorf("Handle() status = %d, want 404", res.Status)
	}
}

func TestCore_Handle_SignatureMissing(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "lab1", AsgName: "asg1"}})
	body := []byte(`{"action":"requested","workflow_run":{"id":1,"run_attempt":1,"head_sha":"abc","name":"ci"},"workflow":{"path":".github/workflows/ci.yml"},"repository":{"full_name":"acme/widgets"}}`)
	res := core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", "")
	if res.Status != http.StatusForbidden {
		t.Errorf("Handle() status = %d, want 403 for missing signature", res.Status)
	}
}

func TestCore_Handle_WorkflowRun_CachedWorkflow_DedupAndIncrement(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "lab1", AsgName: "asg1"}})
	core.workflows.Set("acme/widgets:.github/workflows/ci.yml", platform.Workflow{
		Jobs: map[string]platform.WorkflowJob{"j1": {RunsOn: "lab1"}},
	})

	body := []byte(`{"action":"requested","workflow_run":{"id":42,"run_attempt":1,"head_sha":"abc","name":"ci"},"workflow":{"path":".github/workflows/ci.yml"},"repository":{"full_name":"acme/widgets"}}`)
	sig := sign(core.secret, body)

	res := core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", sig)
	if res.Status != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200 (message=%v err=%v)", res.Status, res.Message, res.Err)
	}

	// Redelivery of the same (run_id, run_attempt) must be deduplicated.
	res2 := core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", sig)
	if res2.Status != http.StatusAccepted {
		t.Errorf("second delivery status = %d, want 202 (deduplicated)", res2.Status)
	}
}

func TestCore_Handle_WorkflowRun_NoMatchingAsg(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "other-label", AsgName: "asg1"}})
	core.workflows.Set("acme/widgets:.github/workflows/ci.yml", platform.Workflow{
		Jobs: map[string]platform.WorkflowJob{"j1": {RunsOn: "lab1"}},
	})

	body := []byte(`{"action":"requested","workflow_run":{"id":7,"run_attempt":1,"head_sha":"abc","name":"ci"},"workflow":{"path":".github/workflows/ci.yml"},"repository":{"full_name":"acme/widgets"}}`)
	sig := sign(core.secret, body)

	res := core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", sig)
	if res.Status != http.StatusAccepted {
		t.Errorf("Handle() status = %d, want 202 (no matching ASG)", res.Status)
	}
}

func TestCore_Handle_WorkflowJob_Idempotency(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "lab1", AsgName: "asg1"}})

	send := func(action string) Result {
		body, _ := json.Marshal(map[string]any{
			"action": action,
			"workflow_job": map[string]any{
				"id":     99,
				"name":   "test 6",
				"labels": []string{"lab1"},
			},
			"repository": map[string]any{"full_name": "acme/widgets"},
		})
		sig := sign(core.secret, body)
		return core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", sig)
	}

	for _, action := range []string{"queued", "in_progress", "completed"} {
		if res := send(action); res.Status != http.StatusOK {
			t.Fatalf("Handle(%s) status = %d, want 200 (message=%v err=%v)", action, res.Status, res.Message, res.Err)
		}
	}

	timing, ok := core.jobTimings.Get(99)
	if !ok {
		t.Fatal("job timing not recorded")
	}
	if len(timing.Bumped) != 3 {
		t.Errorf("bumped metrics = %d, want 3 (JobPickUpTimeSec, JobExecutionTimeSec, JobCompleteTimeSec)", len(timing.Bumped))
	}

	// Redelivering the exact same (job_id, action) pair is rejected by the
	// jobActionSeen dedup before the timing logic even runs.
	res := send("completed")
	if res.Status != http.StatusAccepted {
		t.Errorf("redelivered completed event status = %d, want 202", res.Status)
	}
	if !strings.Contains(res.Message, "already been processed") {
		t.Errorf("redelivered completed event message = %q, want an already-processed message", res.Message)
	}
}

// TestCore_Handle_WorkflowJob_NoNewMetrics exercises the "all derivable
// metrics already bumped" branch, which a differently-keyed (job_id, action)
// pair can still reach even though jobActionSeen no longer lets the exact
// same pair redeliver into it.
func TestCore_Handle_WorkflowJob_NoNewMetrics(t *testing.T) {
	core := newTestCore([]types.AsgSpec{{Repository: "acme/widgets", Label: "lab1", AsgName: "asg1"}})

	timing := types.NewJobTiming()
	timing.QueuedAt, timing.StartedAt, timing.CompletedAt = 100, 110, 130
	for _, metric := range []string{"JobPickUpTimeSec", "JobExecutionTimeSec", "JobCompleteTimeSec"} {
		timing.MarkBumped(metric)
	}
	core.jobTimings.Set(int64(500), timing)

	body, _ := json.Marshal(map[string]any{
		"action": "completed",
		"workflow_job": map[string]any{
			"id":     500,
			"name":   "test 6",
			"labels": []string{"lab1"},
		},
		"repository": map[string]any{"full_name": "acme/widgets"},
	})
	sig := sign(core.secret, body)
	res := core.Handle(context.Background(), mustDecode(body), body, "203.0.113.5:1234", "/ci-storage", sig)

	if res.Status != http.StatusOK {
		t.Fatalf("Handle() status = %d, want 200 (message=%v err=%v)", res.Status, res.Message, res.Err)
	}
	if res.Message != "no new job timing metrics" {
		t.Errorf("message = %q, want %q", res.Message, "no new job timing metrics")
	}
}

func TestDeriveJobMetrics(t *testing.T) {
	timing := &types.JobTiming{QueuedAt: 100, StartedAt: 110, CompletedAt: 130, Bumped: map[string]struct{}{}}
	metrics := deriveJobMetrics(timing)
	if metrics["JobPickUpTimeSec"] != 10 || metrics["JobExecutionTimeSec"] != 20 || metrics["JobCompleteTimeSec"] != 30 {
		t.Errorf("deriveJobMetrics() = %v, want {10,20,30}", metrics)
	}
}

func mustDecode(body []byte) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		panic(err)
	}
	return m
}
