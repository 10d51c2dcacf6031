// Package platform adapts the code-hosting Platform's REST API (GitHub) to
// the narrow surface the core consumes: runner listing/removal, webhook
// lifecycle, workflow-file fetch, and rate-limit reads.
package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"ci-scaler/internal/apperror"
	"ci-scaler/internal/types"
)

const (
	webhookContentType = "json"
	eventWorkflowRun   = "workflow_run"
	eventWorkflowJob   = "workflow_job"
)

// Client is the GitHub-backed Platform adapter.
type Client struct {
	gh    *github.Client
	token string
}

// NewClient builds a Client authenticated with token (from GH_TOKEN or
// GITHUB_TOKEN). An empty token is valid: it yields an unauthenticated
// client usable only for the pieces that need no auth (none currently do,
// but GetWebhookSecret reports absent rather than failing).
func NewClient(ctx context.Context, token string) *Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	return &Client{gh: github.NewClient(hc), token: token}
}

// TokenFromEnv reads GH_TOKEN, falling back to GITHUB_TOKEN, per §6.
func TokenFromEnv() string {
	if v := os.Getenv("GH_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("GITHUB_TOKEN")
}

// GetWebhookSecret derives the webhook HMAC secret deterministically from
// the Platform token as SHA-256(token), hex-encoded, so it survives process
// restarts without persistence (see SPEC_FULL.md §9). Returns ("", false)
// if no token is configured.
func (c *Client) GetWebhookSecret() (string, bool) {
	if c.token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(c.token))
	return hex.EncodeToString(sum[:]), true
}

func splitRepo(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperror.NewWithField(apperror.CodeBadRequest, "repository must be owner/repo", "repository").WithDetails("repository", repository)
	}
	return parts[0], parts[1], nil
}

// FetchRunners lists every self-hosted runner registered on repository,
// retaining only custom (non-platform-owned) labels and stamping loaded_at
// at fetch time.
func (c *Client) FetchRunners(ctx context.Context, repository string, now int64) ([]types.Runner, error) {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}

	var out []types.Runner
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		runners, resp, err := c.gh.Actions.ListRunners(ctx, owner, repo, opts)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "list runners failed").WithDetails("repository", repository)
		}
		for _, r := range runners.Runners {
			out = append(out, types.Runner{
				ID:       r.GetID(),
				Name:     r.GetName(),
				Status:   types.RunnerStatus(r.GetStatus()),
				Busy:     r.GetBusy(),
				Labels:   customLabels(r.Labels),
				LoadedAt: now,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// customLabels keeps only labels of type "custom", discarding platform-owned
// labels like "self-hosted" / the OS / architecture tags.
func customLabels(labels []*github.RunnerLabel) []string {
	var out []string
	for _, l := range labels {
		if l.GetType() == "custom" {
			out = append(out, l.GetName())
		}
	}
	return out
}

// RunnerEnsureAbsent deletes a runner registration. Idempotent: a 404 from
// the Platform (already gone) is treated as success.
func (c *Client) RunnerEnsureAbsent(ctx context.Context, repository string, runnerID int64) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}
	resp, err := c.gh.Actions.RemoveRunner(ctx, owner, repo, runnerID)
	if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "remove runner failed").WithDetails("runner_id", runnerID)
	}
	return nil
}

// WebhookEnsureExists creates a webhook for url/events if one does not
// already exist for that url; "already exists" reported by the Platform is
// not treated as an error.
func (c *Client) WebhookEnsureExists(ctx context.Context, repository, url, secret string, events []string) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}

	hook := &github.Hook{
		Events: events,
		Config: map[string]any{
			"url":          url,
			"content_type": webhookContentType,
			"secret":       secret,
		},
	}
	_, resp, err := c.gh.Repositories.CreateHook(ctx, owner, repo, hook)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			// "Hook already exists on this repository" — not an error.
			return nil
		}
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "create webhook failed").WithDetails("repository", repository)
	}
	return nil
}

// WebhookEnsureAbsent deletes every webhook on repository whose config.url
// equals url.
func (c *Client) WebhookEnsureAbsent(ctx context.Context, repository, url string) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}

	hooks, _, err := c.gh.Repositories.ListHooks(ctx, owner, repo, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "list webhooks failed").WithDetails("repository", repository)
	}

	for _, h := range hooks {
		if cfgURL, _ := h.Config["url"].(string); cfgURL == url {
			if _, err := c.gh.Repositories.DeleteHook(ctx, owner, repo, h.GetID()); err != nil {
				return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "delete webhook failed").WithDetails("hook_id", h.GetID())
			}
		}
	}
	return nil
}

// WebhookPing triggers the Platform's test delivery for the webhook whose
// config.url equals url.
func (c *Client) WebhookPing(ctx context.Context, repository, url string) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}

	hooks, _, err := c.gh.Repositories.ListHooks(ctx, owner, repo, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "list webhooks failed").WithDetails("repository", repository)
	}
	for _, h := range hooks {
		if cfgURL, _ := h.Config["url"].(string); cfgURL == url {
			if _, err := c.gh.Repositories.PingHook(ctx, owner, repo, h.GetID()); err != nil {
				return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "ping webhook failed").WithDetails("hook_id", h.GetID())
			}
		}
	}
	return nil
}

// FetchWorkflow fetches the workflow file at path on the given commit sha
// and parses it as YAML.
func (c *Client) FetchWorkflow(ctx context.Context, repository, sha, path string) (Workflow, error) {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return Workflow{}, err
	}

	content, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: sha})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return Workflow{}, apperror.New(apperror.CodeNotFound, "workflow file not found").WithDetails("path", path)
		}
		return Workflow{}, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "fetch workflow failed").WithDetails("path", path)
	}
	if content == nil {
		return Workflow{}, apperror.New(apperror.CodeNotFound, "path is not a file").WithDetails("path", path)
	}

	raw, err := content.GetContent()
	if err != nil {
		return Workflow{}, apperror.Wrap(err, apperror.CodeBadRequest, "decode workflow content failed").WithDetails("path", path)
	}

	var wf Workflow
	if err := yaml.Unmarshal([]byte(raw), &wf); err != nil {
		return Workflow{}, apperror.Wrap(err, apperror.CodeBadRequest, "parse workflow YAML failed").WithDetails("path", path)
	}
	return wf, nil
}

// FetchRateLimits reads the Platform's current rate-limit budget.
func (c *Client) FetchRateLimits(ctx context.Context) (types.RateLimits, error) {
	limits, _, err := c.gh.RateLimits(ctx)
	if err != nil {
		return types.RateLimits{}, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "fetch rate limits failed")
	}
	if limits.Core == nil {
		return types.RateLimits{}, apperror.New(apperror.CodeUpstreamUnavailable, "rate limit response missing core bucket")
	}
	return types.RateLimits{Limit: limits.Core.Limit, Remaining: limits.Core.Remaining}, nil
}

// WebhookURL builds the canonical ingress URL for a domain, per §6.
func WebhookURL(domain string) string {
	return fmt.Sprintf("https://%s/ci-storage", strings.TrimRight(domain, "/"))
}

// DefaultEvents is the fixed event subscription list every registered
// webhook uses.
var DefaultEvents = []string{eventWorkflowRun, eventWorkflowJob}
