package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/relay/errors"
)

// Registry routes jobs to executors by agent reference.
// Names are case-insensitive. Safe for concurrent use.
type Registry struct {
	executors map[string]TaskExecutor
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]TaskExecutor)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds an executor.
// Panics if one is already registered under that name.
func (r *Registry) Register(name string, exec TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalize(name)
	if _, exists := r.executors[key]; exists {
		panic(fmt.Sprintf("executor already registered for agent: %s", key))
	}
	r.executors[key] = exec
}

// Set adds or replaces an executor; used when configuration reloads
func (r *Registry) Set(name string, exec TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[normalize(name)] = exec
}

// Unregister removes an executor, if present
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, normalize(name))
}

// Get returns the executor for name, or nil
func (r *Registry) Get(name string) TaskExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[normalize(name)]
}

// Names returns registered agent names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements TaskExecutor by dispatching on req.Job.Agent.
// An unknown agent is a permanent failure.
func (r *Registry) Execute(ctx context.Context, req *Request, rep Reporter) (json.RawMessage, error) {
	exec := r.Get(req.Job.Agent)
	if exec == nil {
		err := errors.NewNotFoundError("no executor registered for agent %q", req.Job.Agent)
		err = errors.WithHintf(err, "configure [agents.%s] in relay.toml (known: %s)",
			normalize(req.Job.Agent), strings.Join(r.Names(), ", "))
		return nil, Permanent(err)
	}
	return exec.Execute(ctx, req, rep)
}
