package pipeline

import (
	"sort"
	"strings"
)

// Graph maps each job id to the ids it depends on
type Graph map[string][]string

// BuildGraph checks job identity and dependency structure and returns the
// dependency graph. Checks run in order: non-empty id, unique ids, executor
// reference present, dependencies exist, no cycles. The first failure is
// returned as a *ValidationError.
func BuildGraph(jobs []JobDefinition) (Graph, error) {
	seen := make(map[string]struct{}, len(jobs))
	for i, job := range jobs {
		if strings.TrimSpace(job.ID) == "" {
			return nil, invalidf("", "id", "job at index %d has no id", i)
		}
		if _, dup := seen[job.ID]; dup {
			return nil, invalidf(job.ID, "id", "duplicate job id")
		}
		seen[job.ID] = struct{}{}
	}

	for _, job := range jobs {
		if strings.TrimSpace(job.Agent) == "" {
			return nil, invalidf(job.ID, "agent", "no executor reference")
		}
	}

	graph := make(Graph, len(jobs))
	for _, job := range jobs {
		deps := make([]string, 0, len(job.DependsOn))
		listed := make(map[string]struct{}, len(job.DependsOn))
		for _, dep := range job.DependsOn {
			if _, again := listed[dep]; again {
				continue
			}
			listed[dep] = struct{}{}
			if _, ok := seen[dep]; !ok {
				return nil, &ValidationError{
					JobID:   job.ID,
					Field:   "dependsOn",
					Message: "depends on unknown job " + quote(dep),
					kind:    ErrDependency,
				}
			}
			deps = append(deps, dep)
		}
		graph[job.ID] = deps
	}

	if cycle := graph.findCycle(); cycle != nil {
		return nil, &ValidationError{
			JobID:   cycle[0],
			Field:   "dependsOn",
			Message: "dependency cycle " + strings.Join(cycle, " -> "),
			Cycle:   cycle,
			kind:    ErrCycle,
		}
	}

	return graph, nil
}

// findCycle runs a depth-first search keeping the current recursion stack.
// Meeting a node already on the stack closes a cycle, which is returned with
// its first node repeated at the end. Ids are visited in sorted order so the
// reported cycle is deterministic.
func (g Graph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)

		deps := append([]string(nil), g[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case onStack:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.IDs() {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// IDs returns all job ids, sorted
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the reverse graph: job id to the ids that depend on it
func (g Graph) Dependents() map[string][]string {
	rev := make(map[string][]string, len(g))
	for _, id := range g.IDs() {
		for _, dep := range g[id] {
			rev[dep] = append(rev[dep], id)
		}
	}
	return rev
}

// Downstream returns every job that transitively depends on id, sorted
func (g Graph) Downstream(id string) []string {
	rev := g.Dependents()
	seen := make(map[string]struct{})
	queue := append([]string(nil), rev[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		queue = append(queue, rev[next]...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Levels groups job ids into dependency layers: level 0 has no
// dependencies, level n depends only on earlier levels. The graph must be
// acyclic.
func (g Graph) Levels() [][]string {
	remaining := make(map[string]int, len(g))
	for id, deps := range g {
		remaining[id] = len(deps)
	}
	rev := g.Dependents()

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for id, n := range remaining {
			if n == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Strings(level)
		for _, id := range level {
			delete(remaining, id)
			for _, dependent := range rev[id] {
				remaining[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}

func quote(s string) string {
	return "\"" + s + "\""
}
