package platform

import "strings"

// Workflow is the minimal shape of a GitHub Actions workflow file this
// service needs: just enough of "jobs" to predict runner demand. Everything
// else is left opaque by decoding into interface{} via yaml.v3.
type Workflow struct {
	Jobs map[string]WorkflowJob `yaml:"jobs"`
}

// WorkflowJob is a single job entry under "jobs".
type WorkflowJob struct {
	RunsOn   any      `yaml:"runs-on"`
	Strategy Strategy `yaml:"strategy"`
}

// Strategy is a job's "strategy" block; Matrix axes and MaxParallel are
// decoded dynamically since their shapes vary (scalars, lists, expressions).
type Strategy struct {
	Matrix      map[string]any `yaml:"matrix"`
	MaxParallel any            `yaml:"max-parallel"`
}

// PredictWorkflowLabels computes the runner demand a workflow will
// introduce: for each job, runs-on is normalized to a label list (dropping
// any `${{ ... }}` expression reference), the base count of 1 is multiplied
// by the product of list-valued matrix axis lengths, capped at max-parallel
// when that's an integer, and added to each surviving label's running total.
func PredictWorkflowLabels(wf Workflow) map[string]int {
	result := make(map[string]int)

	for _, job := range wf.Jobs {
		labels := normalizeRunsOn(job.RunsOn)
		inc := matrixMultiplier(job.Strategy.Matrix)

		if max, ok := asInt(job.Strategy.MaxParallel); ok && inc > max {
			inc = max
		}

		for _, label := range labels {
			if strings.Contains(label, "$") {
				continue
			}
			result[label] += inc
		}
	}

	return result
}

// normalizeRunsOn converts runs-on's possible shapes (a single string, or a
// YAML sequence) into a list of strings.
func normalizeRunsOn(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// matrixMultiplier returns the product of the lengths of every list-valued
// axis in a strategy.matrix mapping, or 1 if matrix is absent/empty.
func matrixMultiplier(matrix map[string]any) int {
	if len(matrix) == 0 {
		return 1
	}
	product := 1
	for _, axis := range matrix {
		if list, ok := axis.([]any); ok {
			product *= len(list)
		}
	}
	return product
}

// asInt reports whether v decodes to an integer (YAML scalars decode to
// int, int64 or float64 depending on the parser's type inference).
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
