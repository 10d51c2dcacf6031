// Package types holds the shared data model consumed across adapters,
// handlers, and the reconciler: AsgSpec, Runner, AsgDescription, RateLimits,
// Webhook and JobTiming, plus the runner-name-to-instance-id derivation.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// AsgSpec is an immutable (repository, label, asg_name) triple configured at
// startup. Two specs are equal iff all three fields match.
type AsgSpec struct {
	Repository string
	Label      string
	AsgName    string
}

// String renders the spec's display form, repository:label.
func (s AsgSpec) String() string {
	return s.Repository + ":" + s.Label
}

// ParseAsgSpec parses a colon-delimited "owner/repo:label:asg_name" triple.
func ParseAsgSpec(raw string) (AsgSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return AsgSpec{}, fmt.Errorf("invalid asg spec %q: expected owner/repo:label:asg_name", raw)
	}
	repo, label, asg := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
	if repo == "" || label == "" || asg == "" {
		return AsgSpec{}, fmt.Errorf("invalid asg spec %q: empty component", raw)
	}
	return AsgSpec{Repository: repo, Label: label, AsgName: asg}, nil
}

// RunnerStatus is the Platform-reported online/offline state of a runner.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
)

// Runner is a single self-hosted runner as reported by the Platform, with
// loaded_at recording the first time this process observed it.
type Runner struct {
	ID       int64
	Name     string
	Status   RunnerStatus
	Busy     bool
	Labels   []string
	LoadedAt int64
}

var runnerNamePattern = regexp.MustCompile(`^ci-storage-(\w+)`)

// InstanceID derives the EC2 instance id from the runner's name, which is
// expected to follow the shape "ci-storage-<suffix>...".
func (r Runner) InstanceID() (string, error) {
	m := runnerNamePattern.FindStringSubmatch(r.Name)
	if m == nil {
		return "", fmt.Errorf("runner name %q does not match ci-storage-<suffix> pattern", r.Name)
	}
	return "i-" + m[1], nil
}

// HasLabel reports whether the runner carries the given label.
func (r Runner) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AsgDescription is the subset of autoscaling-group attributes the core
// consults: current desired capacity and the configured [min, max] bounds.
type AsgDescription struct {
	DesiredCapacity int32
	MinSize         int32
	MaxSize         int32
}

// Clamp bounds v to [MinSize, MaxSize].
func (d AsgDescription) Clamp(v int32) int32 {
	if v < d.MinSize {
		return d.MinSize
	}
	if v > d.MaxSize {
		return d.MaxSize
	}
	return v
}

// RateLimits is a single (limit, remaining) pair for an API rate bucket.
type RateLimits struct {
	Limit     int
	Remaining int
}

// Webhook tracks a registered per-repository webhook and the last time the
// Platform delivered to it (zero means never).
type Webhook struct {
	Repository     string
	URL            string
	LastDeliveryAt int64
}

// JobTiming tracks the queued/started/completed timestamps for a single
// workflow job, plus the set of derived metric names already emitted so that
// redelivery of queued/in_progress/completed never double-publishes.
type JobTiming struct {
	QueuedAt    int64
	StartedAt   int64
	CompletedAt int64
	Bumped      map[string]struct{}
}

// NewJobTiming returns a zero-valued JobTiming ready to record events.
func NewJobTiming() *JobTiming {
	return &JobTiming{Bumped: make(map[string]struct{})}
}

// MarkBumped records that metric has been emitted for this job and reports
// whether it was newly recorded (false if already bumped).
func (t *JobTiming) MarkBumped(metric string) bool {
	if _, ok := t.Bumped[metric]; ok {
		return false
	}
	t.Bumped[metric] = struct{}{}
	return true
}
