package pipeline

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/relay/pipeline/when"
)

// Lint returns non-fatal warnings for a definition that already validates
func Lint(def *Definition) []string {
	var warnings []string

	if def.Version != "" {
		if _, err := semver.NewVersion(def.Version); err != nil {
			warnings = append(warnings, fmt.Sprintf("version %q is not a semantic version", def.Version))
		}
	}

	dependedOn := make(map[string]bool, len(def.Jobs))
	for _, job := range def.Jobs {
		for _, dep := range job.DependsOn {
			dependedOn[dep] = true
		}
	}

	for _, job := range def.Jobs {
		if job.Name == "" {
			warnings = append(warnings, fmt.Sprintf("job %q has no name", job.ID))
		}
		if job.Task == "" {
			warnings = append(warnings, fmt.Sprintf("job %q has no task", job.ID))
		}
		if len(def.Jobs) > 1 && len(job.DependsOn) == 0 && !dependedOn[job.ID] {
			warnings = append(warnings, fmt.Sprintf("job %q is isolated: nothing depends on it and it depends on nothing", job.ID))
		}
		if job.When != "" {
			if expr, err := when.Parse(job.When); err == nil {
				deps := make(map[string]bool, len(job.DependsOn))
				for _, dep := range job.DependsOn {
					deps[dep] = true
				}
				for _, ref := range expr.JobRefs() {
					if !deps[ref] {
						warnings = append(warnings, fmt.Sprintf("job %q condition reads job %q without depending on it; the condition is false until that job resolves", job.ID, ref))
					}
				}
			}
		}
	}

	return warnings
}
