package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"ci-scaler/internal/apperror"
	"ci-scaler/internal/cloud"
	"ci-scaler/internal/logger"
	"ci-scaler/internal/platform"
	"ci-scaler/internal/registry"
	"ci-scaler/internal/scope"
	"ci-scaler/internal/types"
)

const (
	dedupTTL            = time.Hour
	workflowCacheTTL     = time.Hour
	jobTimingTTL         = time.Hour
	serviceActionsPeriod = 10 * time.Second
)

var (
	errMissingSignature  = errors.New("X-Hub-Signature-256 header is missing")
	errSignatureMismatch = errors.New("request signatures didn't match")
)

var (
	debugWorkflowRunPath = regexp.MustCompile(`^/workflow_run/([^/]+/[^/]+)/([^/]+)/?$`)
	debugWorkflowJobPath = regexp.MustCompile(`^/workflow_job/([^/]+/[^/]+)/([^/]+)/(queued|in_progress|completed)/(\d+)/?$`)
)

type runKey struct {
	RunID      int64
	RunAttempt int
}

type jobKey struct {
	JobID  int64
	Action string
}

// Result is what Core.Handle reports back to the HTTP layer: an explicit
// status takes precedence; otherwise Err is mapped via apperror.
type Result struct {
	Status    int
	Body      any
	Message   string
	Err       error
	LogSuffix string
	Event     string
}

// Core implements the webhook lifecycle (Acquire/Release/ServiceActions) and
// the per-request dispatch pipeline described for the ingress endpoint.
type Core struct {
	domain   string
	asgSpecs []types.AsgSpec
	gh       *platform.Client
	cloudAPI *cloud.Client
	secret   string
	haveSecret bool

	mu       sync.Mutex
	webhooks map[string]types.Webhook // repository -> webhook
	repoOrder []string
	nextRepo  int

	dedup     *registry.ExpiringDict[runKey, time.Time]
	workflows *registry.ExpiringDict[string, platform.Workflow]

	jobMu        sync.Mutex
	jobTimings   *registry.ExpiringDict[int64, *types.JobTiming]
	jobActionSeen *registry.ExpiringDict[jobKey, time.Time]
}

// NewCore builds the webhook core. The Platform token's derived secret is
// looked up once at construction; if unavailable, Acquire becomes a no-op
// (signature verification would be impossible, so the service can never
// register a webhook, matching the original's "if not self.secret: return"
// early exit).
func NewCore(domain string, asgSpecs []types.AsgSpec, gh *platform.Client, cloudAPI *cloud.Client) *Core {
	secret, ok := gh.GetWebhookSecret()
	return &Core{
		domain:      domain,
		asgSpecs:    asgSpecs,
		gh:          gh,
		cloudAPI:    cloudAPI,
		secret:      secret,
		haveSecret:  ok,
		webhooks:      make(map[string]types.Webhook),
		dedup:         registry.NewExpiringDict[runKey, time.Time](dedupTTL),
		workflows:     registry.NewExpiringDict[string, platform.Workflow](workflowCacheTTL),
		jobTimings:    registry.NewExpiringDict[int64, *types.JobTiming](jobTimingTTL),
		jobActionSeen: registry.NewExpiringDict[jobKey, time.Time](dedupTTL),
	}
}

// Acquire registers a webhook on every distinct repository referenced by
// asgSpecs.
func (c *Core) Acquire(ctx context.Context) {
	if !c.haveSecret {
		logger.Log.Warn("no webhook secret available, skipping webhook registration")
		return
	}

	seen := make(map[string]bool)
	url := platform.WebhookURL(c.domain)
	for _, spec := range c.asgSpecs {
		if seen[spec.Repository] {
			continue
		}
		seen[spec.Repository] = true

		repository := spec.Repository
		scope.Swallow(fmt.Sprintf("registering webhook for %s: %s", repository, url), func() error {
			if err := c.gh.WebhookEnsureExists(ctx, repository, url, c.secret, platform.DefaultEvents); err != nil {
				return err
			}
			c.mu.Lock()
			c.webhooks[repository] = types.Webhook{Repository: repository, URL: url}
			c.repoOrder = append(c.repoOrder, repository)
			c.mu.Unlock()
			return nil
		})
	}
}

// Release deregisters every webhook this process registered, swallowing
// errors (the process is shutting down regardless).
func (c *Core) Release(ctx context.Context) {
	c.mu.Lock()
	webhooks := make([]types.Webhook, 0, len(c.webhooks))
	for _, wh := range c.webhooks {
		webhooks = append(webhooks, wh)
	}
	c.mu.Unlock()

	for _, wh := range webhooks {
		repository, url := wh.Repository, wh.URL
		scope.Swallow(fmt.Sprintf("deleting webhook %s for %s", url, repository), func() error {
			return c.gh.WebhookEnsureAbsent(ctx, repository, url)
		})
	}
}

// RunServiceActions blocks pinging un-delivered webhooks round-robin until
// ctx is cancelled, intended to run in its own goroutine.
func (c *Core) RunServiceActions(ctx context.Context) {
	ticker := time.NewTicker(serviceActionsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingNextUndelivered(ctx)
		}
	}
}

func (c *Core) pingNextUndelivered(ctx context.Context) {
	c.mu.Lock()
	if len(c.repoOrder) == 0 {
		c.mu.Unlock()
		return
	}
	repository := c.repoOrder[c.nextRepo%len(c.repoOrder)]
	c.nextRepo++
	wh, ok := c.webhooks[repository]
	c.mu.Unlock()
	if !ok || wh.LastDeliveryAt != 0 {
		return
	}

	scope.Swallow(fmt.Sprintf("pinging undelivered webhook for %s", repository), func() error {
		return c.gh.WebhookPing(ctx, repository, wh.URL)
	})
}

func (c *Core) markDelivered(repository string, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wh, ok := c.webhooks[repository]; ok {
		wh.LastDeliveryAt = now
		c.webhooks[repository] = wh
	}
}

// Handle runs the full per-request pipeline described for the ingress
// endpoint and returns the response to send.
func (c *Core) Handle(ctx context.Context, payload map[string]json.RawMessage, rawBody []byte, remoteAddr, path, signatureHeader string) Result {
	now := time.Now().Unix()

	action := jsonString(payload["action"])
	var repo repoRef
	_ = json.Unmarshal(payload["repository"], &repo)

	runDetails, hasRun := parseWorkflowRun(payload["workflow_run"], payload["workflow"])
	jobDetails, hasJob := parseWorkflowJob(payload["workflow_job"])

	logSuffix := buildLogSuffix(payload, action, runDetails, hasRun)

	event := eventKind(payload, hasRun, hasJob)

	if repo.FullName != "" {
		c.markDelivered(repo.FullName, now)
	}

	if _, ok := payload["hook"]; ok {
		return Result{Status: http.StatusAccepted, Message: `ignoring service "hook" event`, LogSuffix: logSuffix, Event: event}
	}

	if isLoopback(remoteAddr) && !hasRun && !hasJob {
		res := c.handleDebugPath(ctx, path)
		res.Event = event
		return res
	}

	if repo.FullName == "" {
		return Result{Status: http.StatusAccepted, Message: "no repository in payload", LogSuffix: logSuffix, Event: event}
	}

	if !c.haveSecret {
		return Result{Status: http.StatusInternalServerError, Err: apperror.New(apperror.CodeConfigInvalid, "no webhook secret configured"), Event: event}
	}
	if err := verifySignature(c.secret, signatureHeader, rawBody); err != nil {
		return Result{Status: http.StatusForbidden, Err: apperror.New(apperror.CodeForbidden, err.Error()), LogSuffix: logSuffix, Event: event}
	}

	var res Result
	switch {
	case hasRun:
		res = c.handleWorkflowRun(ctx, action, repo.FullName, runDetails, logSuffix)
	case hasJob:
		res = c.handleWorkflowJob(ctx, action, repo.FullName, jobDetails, logSuffix)
	default:
		res = Result{Status: http.StatusAccepted, Message: "no workflow_run/workflow_job", LogSuffix: logSuffix}
	}
	res.Event = event
	return res
}

// eventKind labels a delivery for metrics purposes, mirroring the same
// payload-shape checks Handle itself dispatches on.
func eventKind(payload map[string]json.RawMessage, hasRun, hasJob bool) string {
	switch {
	case hasRun:
		return "workflow_run"
	case hasJob:
		return "workflow_job"
	default:
		if _, ok := payload["hook"]; ok {
			return "hook"
		}
		return "other"
	}
}

func buildLogSuffix(payload map[string]json.RawMessage, action string, run workflowRunDetails, hasRun bool) string {
	keys := logSuffixKeys(payload)
	if len(keys) == 0 {
		return ""
	}
	suffix := "{" + strings.Join(keys, ",") + "}"
	if action != "" {
		suffix += " action=" + action
	}
	if hasRun && run.Name != "" {
		suffix += fmt.Sprintf(" name=%q", run.Name)
	}
	return suffix
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	return host == "127.0.0.1" || host == "::1"
}

func (c *Core) handleDebugPath(ctx context.Context, path string) Result {
	if m := debugWorkflowRunPath.FindStringSubmatch(path); m != nil {
		return c.applyIncrements(ctx, m[1], map[string]int{m[2]: 1})
	}
	if m := debugWorkflowJobPath.FindStringSubmatch(path); m != nil {
		jobID, _ := strconv.ParseInt(m[4], 10, 64)
		return c.handleWorkflowJob(ctx, m[3], m[1], workflowJobDetails{JobID: jobID, Name: "debug", Labels: []string{m[2]}}, "")
	}
	return Result{Status: http.StatusNotFound, Err: apperror.New(apperror.CodeNotFound, fmt.Sprintf("unrecognized debug path %s", path))}
}

func (c *Core) handleWorkflowRun(ctx context.Context, action, repository string, run workflowRunDetails, logSuffix string) Result {
	if action != "requested" && action != "in_progress" {
		return Result{Status: http.StatusAccepted, Message: "ignoring non-requested/in_progress event", LogSuffix: logSuffix}
	}

	key := runKey{RunID: run.RunID, RunAttempt: run.RunAttempt}
	if processedAt, ok := c.dedup.Get(key); ok {
		return Result{Status: http.StatusAccepted, Message: fmt.Sprintf("this event has already been processed at %s", processedAt.Format(time.RFC3339)), LogSuffix: logSuffix}
	}

	labels, err := c.predictLabels(ctx, repository, run.HeadSHA, run.Path)
	if err != nil {
		return Result{Status: http.StatusInternalServerError, Err: err, LogSuffix: logSuffix}
	}

	result := c.applyIncrements(ctx, repository, labels)
	if result.Status == http.StatusOK {
		c.dedup.Set(key, time.Now())
	}
	result.LogSuffix = logSuffix
	return result
}

func (c *Core) predictLabels(ctx context.Context, repository, sha, path string) (map[string]int, error) {
	cacheKey := repository + ":" + path
	if wf, ok := c.workflows.Get(cacheKey); ok {
		return platform.PredictWorkflowLabels(wf), nil
	}
	wf, err := c.gh.FetchWorkflow(ctx, repository, sha, path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "fetch workflow failed")
	}
	c.workflows.Set(cacheKey, wf)
	return platform.PredictWorkflowLabels(wf), nil
}

func (c *Core) applyIncrements(ctx context.Context, repository string, labels map[string]int) Result {
	var messages []string
	var incErr error
	dryRun := c.cloudAPI == nil || c.cloudAPI.DryRun()
	for _, spec := range c.asgSpecs {
		if spec.Repository != repository {
			continue
		}
		inc, ok := labels[spec.Label]
		if !ok {
			continue
		}
		if c.cloudAPI != nil {
			if err := c.cloudAPI.IncrementDesired(ctx, spec.AsgName, int32(inc)); err != nil {
				logger.Log.Warn("increment desired capacity failed", "asg_name", spec.AsgName, "error", err)
				incErr = err
			}
		}
		messages = append(messages, fmt.Sprintf("%s:+%d", spec.Label, inc))
	}

	if len(messages) == 0 {
		return Result{Status: http.StatusAccepted, Message: fmt.Sprintf("no matching auto-scaling group(s) found for repository %s", repository)}
	}
	msg := fmt.Sprintf("%s desired capacity: %s", repository, strings.Join(messages, ", "))
	if dryRun {
		msg += " " + cloud.DryRunSuffix
	}
	if incErr != nil {
		// Not 200, so handleWorkflowRun leaves the dedup key unset and a
		// redelivery can retry the increment.
		return Result{Status: http.StatusInternalServerError, Message: msg, Err: incErr}
	}
	return Result{Status: http.StatusOK, Message: msg}
}

func (c *Core) handleWorkflowJob(ctx context.Context, action, repository string, job workflowJobDetails, logSuffix string) Result {
	if action != "queued" && action != "in_progress" && action != "completed" {
		return Result{Status: http.StatusAccepted, Message: "ignoring unrecognized workflow_job action", LogSuffix: logSuffix}
	}

	var matchedLabel string
	for _, spec := range c.asgSpecs {
		if spec.Repository != repository {
			continue
		}
		for _, l := range job.Labels {
			if l == spec.Label {
				matchedLabel = spec.Label
				break
			}
		}
		if matchedLabel != "" {
			break
		}
	}
	if matchedLabel == "" {
		return Result{Status: http.StatusAccepted, Message: "no matching auto-scaling group for job labels", LogSuffix: logSuffix}
	}

	// Dedup key inserted before the side effect: unlike the workflow-run
	// branch, a redelivery is still rejected outright here, it just doesn't
	// need to wait for the side effect to succeed first, since the timing
	// update itself is idempotent via JobTiming.MarkBumped.
	key := jobKey{JobID: job.JobID, Action: action}
	if processedAt, ok := c.jobActionSeen.Get(key); ok {
		return Result{Status: http.StatusAccepted, Message: fmt.Sprintf("this event has already been processed at %s", processedAt.Format(time.RFC3339)), LogSuffix: logSuffix}
	}
	c.jobActionSeen.Set(key, time.Now())

	c.jobMu.Lock()
	timing, ok := c.jobTimings.Get(job.JobID)
	if !ok {
		timing = types.NewJobTiming()
	}
	now := time.Now().Unix()
	switch action {
	case "queued":
		timing.QueuedAt = now
	case "in_progress":
		timing.StartedAt = now
	case "completed":
		timing.CompletedAt = now
	}
	c.jobTimings.Set(job.JobID, timing)

	toPublish := make(map[string]int)
	for name, value := range deriveJobMetrics(timing) {
		if timing.MarkBumped(name) {
			toPublish[name] = value
		}
	}
	c.jobMu.Unlock()

	if len(toPublish) == 0 {
		return Result{Status: http.StatusOK, Message: "no new job timing metrics", LogSuffix: logSuffix}
	}

	if c.cloudAPI != nil {
		dims := map[string]string{"GH_REPOSITORY": repository, "GH_LABEL": matchedLabel}
		if job.Name != "" {
			dims["GH_JOB_NAME"] = normalizeJobName(job.Name)
		}
		if err := c.cloudAPI.PutMetricData(ctx, toPublish, dims); err != nil {
			logger.Log.Warn("publish job timing metrics failed", "job_id", job.JobID, "error", err)
		}
	}

	return Result{Status: http.StatusOK, Message: "job timing recorded", LogSuffix: logSuffix}
}

func deriveJobMetrics(t *types.JobTiming) map[string]int {
	metrics := make(map[string]int)
	if t.StartedAt != 0 && t.QueuedAt != 0 {
		metrics["JobPickUpTimeSec"] = int(t.StartedAt - t.QueuedAt)
	}
	if t.CompletedAt != 0 && t.StartedAt != 0 {
		metrics["JobExecutionTimeSec"] = int(t.CompletedAt - t.StartedAt)
	}
	if t.CompletedAt != 0 && t.QueuedAt != 0 {
		metrics["JobCompleteTimeSec"] = int(t.CompletedAt - t.QueuedAt)
	}
	return metrics
}

func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
