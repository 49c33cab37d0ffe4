package when

import (
	"encoding/json"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// JobScope is what an expression can see of one resolved job
type JobScope struct {
	Status string
	Output json.RawMessage
}

// Scope is the variable environment for evaluation.
// Jobs should only hold jobs whose state is resolved; a reference to any
// other job fails evaluation, which conditions read as false.
type Scope struct {
	Jobs   map[string]JobScope
	Inputs map[string]any
	Env    map[string]string
}

func (s Scope) evalContext() *hcl.EvalContext {
	jobs := make(map[string]cty.Value, len(s.Jobs))
	for id, job := range s.Jobs {
		jobs[id] = cty.ObjectVal(map[string]cty.Value{
			"status": cty.StringVal(strings.ToLower(job.Status)),
			"output": jsonToCty(job.Output),
		})
	}

	inputs := make(map[string]cty.Value, len(s.Inputs))
	for k, v := range s.Inputs {
		inputs[k] = goToCty(v)
	}

	env := make(map[string]cty.Value, len(s.Env))
	for k, v := range s.Env {
		env[k] = cty.StringVal(v)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			RootJobs:   objectOrEmpty(jobs),
			RootInputs: objectOrEmpty(inputs),
			RootEnv:    objectOrEmpty(env),
		},
	}
}

func objectOrEmpty(attrs map[string]cty.Value) cty.Value {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(attrs)
}
