// Package am ("am" as in "I am configured as") loads relay's configuration.
//
// Configuration is TOML, merged from ~/.relay/relay.toml and the nearest
// relay.toml found walking up from the working directory, then overridden by
// RELAY_* environment variables.
package am

import "time"

// Config represents the relay configuration
type Config struct {
	Database DatabaseConfig         `mapstructure:"database"`
	Pulse    PulseConfig            `mapstructure:"pulse"`
	Store    StoreConfig            `mapstructure:"store"`
	Agents   map[string]AgentConfig `mapstructure:"agents"`
	Server   ServerConfig           `mapstructure:"server"`
	Log      LogConfig              `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the orchestration engine.
// Millisecond fields use 0 to mean "no limit" unless noted.
type PulseConfig struct {
	MaxConcurrentJobs     int     `mapstructure:"max_concurrent_jobs"`      // default ceiling when a pipeline does not set one (default: 3)
	DefaultTimeoutMS      int     `mapstructure:"default_timeout_ms"`       // per-job timeout when the job sets none
	GracePeriodMS         int     `mapstructure:"grace_period_ms"`          // wait for executors after cancel/timeout (default: 5000)
	MaxResumes            int     `mapstructure:"max_resumes"`              // resumes allowed per run (default: 3)
	DispatchRatePerSecond float64 `mapstructure:"dispatch_rate_per_second"` // dispatch limiter
	MaxRetryDelayMS       int     `mapstructure:"max_retry_delay_ms"`       // cap on computed backoff
	MaxLogEntries         int     `mapstructure:"max_log_entries"`          // per-job log lines kept in run state (default: 200)
}

// DefaultTimeout returns DefaultTimeoutMS as a duration
func (p PulseConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutMS) * time.Millisecond
}

// GracePeriod returns GracePeriodMS as a duration
func (p PulseConfig) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodMS) * time.Millisecond
}

// MaxRetryDelay returns MaxRetryDelayMS as a duration
func (p PulseConfig) MaxRetryDelay() time.Duration {
	return time.Duration(p.MaxRetryDelayMS) * time.Millisecond
}

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendS3     = "s3"
)

// StoreConfig selects where run state is persisted
type StoreConfig struct {
	Backend string          `mapstructure:"backend"`
	File    FileStoreConfig `mapstructure:"file"`
	S3      S3StoreConfig   `mapstructure:"s3"`
}

// FileStoreConfig configures the JSON-file backend
type FileStoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// S3StoreConfig configures the S3-compatible object storage backend
type S3StoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"` // host:port, no scheme
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// AgentConfig binds an agent name used in pipeline definitions to a command.
//
// With Stdin set the job's task is written to the command's stdin (agent
// CLIs). Otherwise the task is appended to the argv as a shell command.
type AgentConfig struct {
	Command string `mapstructure:"command"`
	Stdin   bool   `mapstructure:"stdin"`
}

// ServerConfig configures `relay serve`
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig configures the logger
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// DefaultServerPort is used when server.port is unset
const DefaultServerPort = 8787

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
