package engine

import (
	"time"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/pipeline"
)

// Options tune an Orchestrator. Zero values mean "off" unless noted.
type Options struct {
	MaxConcurrentJobs int           // ceiling for definitions that set none (0 = pipeline.DefaultMaxConcurrentJobs)
	DefaultTimeout    time.Duration // per-job timeout when neither job nor pipeline sets one
	GracePeriod       time.Duration // how long a stopped executor may take to return
	MaxResumes        int           // resumes allowed per run (0 = unlimited)
	DispatchRate      float64       // job starts per second per run (0 = unlimited)
	MaxRetryDelay     time.Duration // cap on backoff delays
	MaxLogEntries     int           // log lines kept per job (0 = all)
	MemoryPerJob      uint64        // bytes assumed per job for the start-time memory check
}

// DefaultOptions mirrors the defaults of the pulse config section
func DefaultOptions() Options {
	return Options{
		MaxConcurrentJobs: pipeline.DefaultMaxConcurrentJobs,
		GracePeriod:       5 * time.Second,
		MaxResumes:        3,
		MaxLogEntries:     200,
		MemoryPerJob:      256 << 20,
	}
}

// OptionsFromConfig converts the pulse config section
func OptionsFromConfig(cfg am.PulseConfig) Options {
	opts := DefaultOptions()
	opts.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	opts.DefaultTimeout = cfg.DefaultTimeout()
	opts.GracePeriod = cfg.GracePeriod()
	opts.MaxResumes = cfg.MaxResumes
	opts.DispatchRate = cfg.DispatchRatePerSecond
	opts.MaxRetryDelay = cfg.MaxRetryDelay()
	opts.MaxLogEntries = cfg.MaxLogEntries
	return opts
}
