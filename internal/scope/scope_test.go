package scope

import (
	"errors"
	"testing"

	"ci-scaler/internal/logger"
)

func init() {
	logger.Init("error")
}

func TestRun_Success(t *testing.T) {
	called := false
	err := Run(Options{Doing: "testing success"}, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}

func TestRun_PropagatesWhenNotSwallowed(t *testing.T) {
	want := errors.New("boom")
	err := Run(Options{Doing: "testing failure"}, func() error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Run() = %v, want %v", err, want)
	}
}

func TestRun_SwallowsWhenRequested(t *testing.T) {
	err := Run(Options{Doing: "testing swallow", Swallow: true}, func() error {
		return errors.New("boom")
	})
	if err != nil {
		t.Errorf("Run() = %v, want nil (swallowed)", err)
	}
}

func TestSwallow_NeverPropagates(t *testing.T) {
	// Swallow has no return value; this just exercises that it does not
	// panic when fn fails.
	Swallow("testing Swallow helper", func() error {
		return errors.New("boom")
	})
}
