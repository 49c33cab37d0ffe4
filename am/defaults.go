package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "relay.db")

	v.SetDefault("pulse.max_concurrent_jobs", 3)
	v.SetDefault("pulse.default_timeout_ms", 0)
	v.SetDefault("pulse.grace_period_ms", 5000)
	v.SetDefault("pulse.max_resumes", 3)
	v.SetDefault("pulse.dispatch_rate_per_second", 0.0)
	v.SetDefault("pulse.max_retry_delay_ms", 0)
	v.SetDefault("pulse.max_log_entries", 200)

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.file.dir", ".relay/runs")
	v.SetDefault("store.s3.bucket", "relay-runs")
	v.SetDefault("store.s3.prefix", "runs/")
	v.SetDefault("store.s3.use_ssl", true)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("log.json", false)
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "relay.db"
	}
	return c.Database.Path
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Store: %s, Database: %s, Pulse: {MaxConcurrentJobs: %d}, Agents: %d}",
		c.Store.Backend, c.Database.Path, c.Pulse.MaxConcurrentJobs, len(c.Agents))
}
