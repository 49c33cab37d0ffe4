package engine

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/relay/logger"
)

// checkMemory warns when the concurrency ceiling exceeds what available
// memory supports at MemoryPerJob each. It never blocks a start.
func (o *Orchestrator) checkMemory(ceiling int) {
	if o.opts.MemoryPerJob == 0 {
		return
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		o.log.Debugw("Memory check unavailable", logger.FieldError, err)
		return
	}
	recommended := int(v.Available / o.opts.MemoryPerJob)
	if recommended < 1 {
		recommended = 1
	}
	if ceiling > recommended {
		o.log.Warnw("Concurrency ceiling exceeds available memory",
			"max_concurrent_jobs", ceiling,
			"recommended", recommended,
			"available_mb", v.Available>>20,
		)
	}
}
