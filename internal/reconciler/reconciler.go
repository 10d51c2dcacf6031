// Package reconciler implements the periodic poll loop (C7): for each
// configured (repository, label, asg) triple it fans runner state out to a
// runner-metrics handler, an idle-runner reaper, and an offline-runner
// deregistration handler, then publishes combined API rate-limit metrics.
package reconciler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ci-scaler/internal/logger"
	"ci-scaler/internal/metrics"
	"ci-scaler/internal/registry"
	"ci-scaler/internal/scope"
	"ci-scaler/internal/types"
)

// terminatedInstanceTTL bounds how long a just-terminated instance is
// excluded from idle-reap consideration, giving the Platform time to stop
// reporting it as a runner before the next poll would otherwise re-select it.
const terminatedInstanceTTL = 10 * time.Minute

// Config holds the reconciler's tunables, all sourced from the process
// configuration (C9).
type Config struct {
	AsgSpecs      []types.AsgSpec
	PollInterval  time.Duration
	MaxIdleAge    time.Duration
	MaxOfflineAge time.Duration
}

// runnerSource is the Platform surface the reconciler needs: runner listing
// and deregistration, plus the rate-limit read folded into the same
// adapter. Satisfied by *platform.Client.
type runnerSource interface {
	FetchRunners(ctx context.Context, repository string, now int64) ([]types.Runner, error)
	RunnerEnsureAbsent(ctx context.Context, repository string, runnerID int64) error
	FetchRateLimits(ctx context.Context) (types.RateLimits, error)
}

// capacityController is the cloud surface the reconciler needs: ASG
// description, instance termination and metric publication. Satisfied by
// *cloud.Client.
type capacityController interface {
	DescribeASG(ctx context.Context, asgName string) (types.AsgDescription, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	PutMetricData(ctx context.Context, metrics map[string]int, dimensions map[string]string) error
}

// rateLimitSource is the image-registry rate-limit surface. Satisfied by
// *dockerhub.Client.
type rateLimitSource interface {
	FetchRateLimits(ctx context.Context) (types.RateLimits, error)
}

// Reconciler drives the periodic poll loop described in SPEC_FULL.md §4.7.
type Reconciler struct {
	cfg       Config
	gh        runnerSource
	cloudAPI  capacityController
	dockerHub rateLimitSource

	mu                    sync.Mutex
	idleRegistries        map[string]*registry.RunnersRegistry
	offlineRegistries     map[string]*registry.RunnersRegistry
	terminatedInstanceIDs *registry.ExpiringDict[string, time.Time]
}

// New builds a Reconciler. gh, cloudAPI and dockerHub must be non-nil.
func New(cfg Config, gh runnerSource, cloudAPI capacityController, dockerHub rateLimitSource) *Reconciler {
	return &Reconciler{
		cfg:                   cfg,
		gh:                    gh,
		cloudAPI:              cloudAPI,
		dockerHub:             dockerHub,
		idleRegistries:        make(map[string]*registry.RunnersRegistry),
		offlineRegistries:     make(map[string]*registry.RunnersRegistry),
		terminatedInstanceIDs: registry.NewExpiringDict[string, time.Time](terminatedInstanceTTL),
	}
}

// Run blocks, ticking every cfg.PollInterval until ctx is cancelled. The
// first iteration runs immediately rather than waiting a full period.
func (r *Reconciler) Run(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	start := time.Now()
	now := time.Now().Unix()
	success := true

	runnersByRepo := make(map[string][]types.Runner)
	for _, repo := range distinctRepositories(r.cfg.AsgSpecs) {
		runners, err := r.gh.FetchRunners(ctx, repo, now)
		if err != nil {
			logger.Log.Warn("fetch runners failed, skipping this repository for this tick", "repository", repo, "error", err)
			success = false
			continue
		}
		runnersByRepo[repo] = runners
	}

	for _, spec := range r.cfg.AsgSpecs {
		runners := runnersWithLabel(runnersByRepo[spec.Repository], spec.Label)

		if !r.swallowHandler("runner_metrics", fmt.Sprintf("publishing runner metrics for %s", spec), func() error {
			return r.runnerMetricsHandler(ctx, spec, runners)
		}) {
			success = false
		}
		if !r.swallowHandler("idle_runners", fmt.Sprintf("reaping idle runners for %s", spec), func() error {
			return r.idleRunnerHandler(ctx, spec, runners)
		}) {
			success = false
		}
		if !r.swallowHandler("offline_runners", fmt.Sprintf("deregistering offline runners for %s", spec), func() error {
			return r.offlineRunnerHandler(ctx, spec, runners)
		}) {
			success = false
		}
	}

	if !r.swallowHandler("rate_limit", "publishing API rate-limit metrics", func() error {
		return r.rateLimitHandler(ctx)
	}) {
		success = false
	}

	metrics.Get().RecordReconcilerTick(success, time.Since(start))
}

// swallowHandler runs fn under the same logged doing/failed semantics as
// scope.Swallow, additionally recording a handler error metric when fn
// fails. Returns whether fn succeeded.
func (r *Reconciler) swallowHandler(handler, doing string, fn func() error) bool {
	err := fn()
	if err != nil {
		metrics.Get().RecordHandlerError(handler)
	}
	scope.Swallow(doing, func() error { return err })
	return err == nil
}

func distinctRepositories(specs []types.AsgSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range specs {
		if !seen[spec.Repository] {
			seen[spec.Repository] = true
			out = append(out, spec.Repository)
		}
	}
	return out
}

func runnersWithLabel(runners []types.Runner, label string) []types.Runner {
	var out []types.Runner
	for _, r := range runners {
		if r.HasLabel(label) {
			out = append(out, r)
		}
	}
	return out
}

// runnerMetricsHandler publishes the Idle/Active/Offline/Online/All counts
// and ActiveRunnersPercent for spec, plus the ASG's desired/min/max bounds
// when they can be read.
func (r *Reconciler) runnerMetricsHandler(ctx context.Context, spec types.AsgSpec, runners []types.Runner) error {
	var idle, active, offline, online int
	for _, run := range runners {
		switch run.Status {
		case types.RunnerOnline:
			online++
			if run.Busy {
				active++
			} else {
				idle++
			}
		case types.RunnerOffline:
			offline++
		}
	}

	activePercent := 0
	if online > 0 {
		activePercent = int(math.Round(float64(active) / float64(online) * 100))
	}

	metrics := map[string]int{
		"Idle":                 idle,
		"Active":               active,
		"Offline":              offline,
		"Online":               online,
		"All":                  len(runners),
		"ActiveRunnersPercent": activePercent,
	}

	if desc, err := r.cloudAPI.DescribeASG(ctx, spec.AsgName); err != nil {
		logger.Log.Warn("describe ASG failed, publishing runner counts without capacity bounds", "asg_name", spec.AsgName, "error", err)
	} else {
		metrics["AsgDesiredCapacity"] = int(desc.DesiredCapacity)
		metrics["MinSize"] = int(desc.MinSize)
		metrics["MaxSize"] = int(desc.MaxSize)
	}

	dims := map[string]string{"GH_REPOSITORY": spec.Repository, "GH_LABEL": spec.Label}
	return r.cloudAPI.PutMetricData(ctx, metrics, dims)
}

type idleCandidate struct {
	runner     types.Runner
	instanceID string
}

// idleRunnerHandler reaps runners that have been online-and-idle for longer
// than MaxIdleAge, never dipping the survivor count below the ASG's min size.
func (r *Reconciler) idleRunnerHandler(ctx context.Context, spec types.AsgSpec, runners []types.Runner) error {
	var idle []types.Runner
	for _, run := range runners {
		if run.Status == types.RunnerOnline && !run.Busy {
			idle = append(idle, run)
		}
	}

	reg := r.idleRegistry(spec)
	reg.AssignIfNotExists(idle)

	now := time.Now().Unix()
	maxAgeSec := int64(r.cfg.MaxIdleAge.Seconds())

	var candidates []idleCandidate
	for _, run := range reg.All() {
		if now <= run.LoadedAt+maxAgeSec {
			continue
		}
		instanceID, err := run.InstanceID()
		if err != nil {
			logger.Log.Warn("cannot derive instance id for idle runner, skipping", "runner_name", run.Name, "error", err)
			continue
		}
		if r.terminatedInstanceIDs.Contains(instanceID) {
			continue
		}
		candidates = append(candidates, idleCandidate{runner: run, instanceID: instanceID})
	}

	// Oldest (smallest loaded_at) first: the runners that have sat idle
	// longest are terminated first, keeping the freshest min_size idle
	// runners around in case they're about to pick up work.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].runner.LoadedAt < candidates[j].runner.LoadedAt
	})

	minSize := 0
	if desc, err := r.cloudAPI.DescribeASG(ctx, spec.AsgName); err == nil {
		minSize = int(desc.MinSize)
	}
	if len(candidates) <= minSize {
		return nil
	}

	for _, cand := range candidates[:len(candidates)-minSize] {
		if err := r.cloudAPI.TerminateInstance(ctx, cand.instanceID); err != nil {
			logger.Log.Warn("terminate idle instance failed, will retry next tick", "instance_id", cand.instanceID, "error", err)
			continue
		}
		r.terminatedInstanceIDs.Set(cand.instanceID, time.Now())
	}
	return nil
}

// offlineRunnerHandler deregisters runners that have been offline for
// longer than MaxOfflineAge.
func (r *Reconciler) offlineRunnerHandler(ctx context.Context, spec types.AsgSpec, runners []types.Runner) error {
	var offline []types.Runner
	for _, run := range runners {
		if run.Status == types.RunnerOffline {
			offline = append(offline, run)
		}
	}

	reg := r.offlineRegistry(spec)
	reg.AssignIfNotExists(offline)

	now := time.Now().Unix()
	maxAgeSec := int64(r.cfg.MaxOfflineAge.Seconds())
	for _, run := range reg.All() {
		if now <= run.LoadedAt+maxAgeSec {
			continue
		}
		if err := r.gh.RunnerEnsureAbsent(ctx, spec.Repository, run.ID); err != nil {
			logger.Log.Warn("deregister offline runner failed, will retry next tick", "runner_id", run.ID, "error", err)
		}
	}
	return nil
}

// rateLimitHandler publishes the Platform and Docker Hub rate-limit budgets
// as a single metric batch with no dimensions.
func (r *Reconciler) rateLimitHandler(ctx context.Context) error {
	gh, err := r.gh.FetchRateLimits(ctx)
	if err != nil {
		logger.Log.Warn("fetch platform rate limits failed", "error", err)
	}
	dh, err := r.dockerHub.FetchRateLimits(ctx)
	if err != nil {
		logger.Log.Warn("fetch docker hub rate limits failed", "error", err)
	}

	metrics := map[string]int{
		"GitHubLimit":        gh.Limit,
		"GitHubRemaining":    gh.Remaining,
		"DockerHubLimit":     dh.Limit,
		"DockerHubRemaining": dh.Remaining,
	}
	return r.cloudAPI.PutMetricData(ctx, metrics, map[string]string{})
}

func (r *Reconciler) idleRegistry(spec types.AsgSpec) *registry.RunnersRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.idleRegistries[spec.String()]
	if !ok {
		reg = registry.NewRunnersRegistry()
		r.idleRegistries[spec.String()] = reg
	}
	return reg
}

func (r *Reconciler) offlineRegistry(spec types.AsgSpec) *registry.RunnersRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.offlineRegistries[spec.String()]
	if !ok {
		reg = registry.NewRunnersRegistry()
		r.offlineRegistries[spec.String()] = reg
	}
	return reg
}
