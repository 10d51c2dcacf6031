package webhook

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/go-github/v55/github"
)

// ignoreKeys are the top-level payload keys that never contribute to a
// request's log suffix because every delivery carries them.
var ignoreKeys = map[string]bool{
	"zen": true, "hook_id": true, "repository": true, "sender": true,
	"organization": true, "enterprise": true, "action": true,
}

// repoRef is the "repository" sub-object's only field this service reads.
type repoRef struct {
	FullName string `json:"full_name"`
}

// logSuffixKeys returns the keys of a raw JSON object that aren't in
// ignoreKeys, used to build the access-log suffix the same way the
// original handler does.
func logSuffixKeys(raw map[string]json.RawMessage) []string {
	var keys []string
	for k := range raw {
		if !ignoreKeys[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// workflowRunDetails extracts the fields this service needs from a
// workflow_run event, preferring go-github's typed struct and falling back
// to nothing if the sub-payload doesn't parse (debug-path synthetic events
// never reach this function).
type workflowRunDetails struct {
	RunID      int64
	RunAttempt int
	HeadSHA    string
	Path       string
	Name       string
}

func parseWorkflowRun(runRaw, workflowRaw json.RawMessage) (workflowRunDetails, bool) {
	if len(runRaw) == 0 {
		return workflowRunDetails{}, false
	}
	var run github.WorkflowRun
	if err := json.Unmarshal(runRaw, &run); err != nil {
		return workflowRunDetails{}, false
	}
	var wf github.Workflow
	_ = json.Unmarshal(workflowRaw, &wf)

	return workflowRunDetails{
		RunID:      run.GetID(),
		RunAttempt: run.GetRunAttempt(),
		HeadSHA:    run.GetHeadSHA(),
		Path:       wf.GetPath(),
		Name:       run.GetName(),
	}, true
}

type workflowJobDetails struct {
	JobID  int64
	Name   string
	Labels []string
}

func parseWorkflowJob(raw json.RawMessage) (workflowJobDetails, bool) {
	if len(raw) == 0 {
		return workflowJobDetails{}, false
	}
	var job github.WorkflowJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return workflowJobDetails{}, false
	}
	return workflowJobDetails{JobID: job.GetID(), Name: job.GetName(), Labels: job.Labels}, true
}

var (
	jobNameTrailingNumber = regexp.MustCompile(`\s+\d+$`)
	jobNameDisallowedRun  = regexp.MustCompile(`[^-_a-zA-Z0-9]+`)
)

// normalizeJobName collapses matrix-shard variance ("test 6" -> "test x")
// and produces a metric-safe dimension value.
func normalizeJobName(name string) string {
	name = strings.ToLower(name)
	name = jobNameTrailingNumber.ReplaceAllString(name, " x")
	name = jobNameDisallowedRun.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
