package pipeline

import (
	"strings"

	"github.com/teranos/relay/pipeline/when"
)

// Validate checks a definition and returns its dependency graph.
//
// Beyond BuildGraph it checks pipeline-level fields, retry settings, and
// that every `when` condition and `${{ }}` input template parses under the
// restricted expression grammar.
func Validate(def *Definition) (Graph, error) {
	if def == nil {
		return nil, invalidf("", "", "definition is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, invalidf("", "name", "pipeline name is required")
	}
	if len(def.Jobs) == 0 {
		return nil, invalidf("", "jobs", "pipeline must define at least one job")
	}
	if def.Concurrency.MaxConcurrentJobs < 0 {
		return nil, invalidf("", "concurrency.maxConcurrentJobs", "must be >= 1, got %d", def.Concurrency.MaxConcurrentJobs)
	}
	if def.Timeout < 0 {
		return nil, invalidf("", "timeout", "must not be negative")
	}

	graph, err := BuildGraph(def.Jobs)
	if err != nil {
		return nil, err
	}

	for _, job := range def.Jobs {
		if job.Timeout < 0 {
			return nil, invalidf(job.ID, "timeout", "must not be negative")
		}
		if job.Retry.MaxAttempts < 0 {
			return nil, invalidf(job.ID, "retry.maxAttempts", "must be >= 0, got %d", job.Retry.MaxAttempts)
		}
		if job.Retry.Delay < 0 {
			return nil, invalidf(job.ID, "retry.delayMs", "must not be negative")
		}
		if job.Retry.Backoff != "" && !job.Retry.Backoff.Valid() {
			return nil, invalidf(job.ID, "retry.backoff", "unknown strategy %q (use exponential, linear or fixed)", job.Retry.Backoff)
		}
		if job.When != "" {
			expr, err := when.Parse(job.When)
			if err != nil {
				return nil, invalidf(job.ID, "when", "%s", err.Error())
			}
			for _, ref := range expr.JobRefs() {
				if _, ok := graph[ref]; !ok {
					return nil, &ValidationError{
						JobID:   job.ID,
						Field:   "when",
						Message: "condition references unknown job " + quote(ref),
						kind:    ErrDependency,
					}
				}
			}
		}
		if err := when.CheckTemplates(job.Inputs); err != nil {
			return nil, invalidf(job.ID, "inputs", "%s", err.Error())
		}
	}

	return graph, nil
}
