package am

import "github.com/teranos/relay/errors"

// Validate checks that the configuration is valid.
// Zero means "unlimited" or "disabled" where documented, negatives are rejected.
func (c *Config) Validate() error {
	if c.Pulse.MaxConcurrentJobs < 0 {
		return errors.Newf("pulse.max_concurrent_jobs must be >= 0, got %d", c.Pulse.MaxConcurrentJobs)
	}
	if c.Pulse.DefaultTimeoutMS < 0 {
		return errors.Newf("pulse.default_timeout_ms must be >= 0, got %d", c.Pulse.DefaultTimeoutMS)
	}
	if c.Pulse.GracePeriodMS < 0 {
		return errors.Newf("pulse.grace_period_ms must be >= 0, got %d", c.Pulse.GracePeriodMS)
	}
	if c.Pulse.MaxResumes < 0 {
		return errors.Newf("pulse.max_resumes must be >= 0, got %d", c.Pulse.MaxResumes)
	}
	if c.Pulse.DispatchRatePerSecond < 0 {
		return errors.Newf("pulse.dispatch_rate_per_second must be >= 0, got %f", c.Pulse.DispatchRatePerSecond)
	}
	if c.Pulse.MaxRetryDelayMS < 0 {
		return errors.Newf("pulse.max_retry_delay_ms must be >= 0, got %d", c.Pulse.MaxRetryDelayMS)
	}
	if c.Pulse.MaxLogEntries < 0 {
		return errors.Newf("pulse.max_log_entries must be >= 0, got %d", c.Pulse.MaxLogEntries)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "", BackendSQLite, BackendFile:
	case BackendS3:
		if c.Store.S3.Endpoint == "" {
			return errors.New("store.s3.endpoint is required when store.backend = \"s3\"")
		}
		if c.Store.S3.Bucket == "" {
			return errors.New("store.s3.bucket is required when store.backend = \"s3\"")
		}
	default:
		return errors.WithHint(
			errors.Newf("unknown store.backend %q", c.Store.Backend),
			"use one of: sqlite, file, s3",
		)
	}

	for name, agent := range c.Agents {
		if agent.Command == "" {
			return errors.Newf("agents.%s.command cannot be empty", name)
		}
	}

	return nil
}
