package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "relay.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Pulse.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Second, cfg.Pulse.GracePeriod())
	assert.Equal(t, time.Duration(0), cfg.Pulse.DefaultTimeout())
	assert.Equal(t, 3, cfg.Pulse.MaxResumes)
	assert.Equal(t, 200, cfg.Pulse.MaxLogEntries)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"zero values are valid", Config{}, false},
		{"negative concurrency", Config{Pulse: PulseConfig{MaxConcurrentJobs: -1}}, true},
		{"negative grace period", Config{Pulse: PulseConfig{GracePeriodMS: -1}}, true},
		{"negative resumes", Config{Pulse: PulseConfig{MaxResumes: -1}}, true},
		{"negative rate", Config{Pulse: PulseConfig{DispatchRatePerSecond: -0.5}}, true},
		{"port out of range", Config{Server: ServerConfig{Port: 70000}}, true},
		{"unknown backend", Config{Store: StoreConfig{Backend: "etcd"}}, true},
		{"s3 without endpoint", Config{Store: StoreConfig{Backend: BackendS3, S3: S3StoreConfig{Bucket: "b"}}}, true},
		{"s3 complete", Config{Store: StoreConfig{Backend: BackendS3, S3: S3StoreConfig{Endpoint: "localhost:9000", Bucket: "b"}}}, false},
		{"agent without command", Config{Agents: map[string]AgentConfig{"claude": {}}}, true},
		{"agent with command", Config{Agents: map[string]AgentConfig{"claude": {Command: "claude -p", Stdin: true}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[pulse]
max_concurrent_jobs = 8
grace_period_ms = 250

[store]
backend = "file"

[store.file]
dir = "/tmp/relay-runs"

[agents.claude]
command = "claude -p"
stdin = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pulse.MaxConcurrentJobs)
	assert.Equal(t, 250*time.Millisecond, cfg.Pulse.GracePeriod())
	assert.Equal(t, 3, cfg.Pulse.MaxResumes, "unset keys keep defaults")
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, "/tmp/relay-runs", cfg.Store.File.Dir)
	require.Contains(t, cfg.Agents, "claude")
	assert.Equal(t, AgentConfig{Command: "claude -p", Stdin: true}, cfg.Agents["claude"])
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[store]\nbackend = \"etcd\"\n"), DefaultFilePermissions))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.backend")
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	oldWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	t.Run("walks up to parent", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "found", "a", "b")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "found", ConfigFileName), nil, DefaultFilePermissions))
		require.NoError(t, os.Chdir(subDir))

		result := findProjectConfig()
		assert.True(t, filepath.IsAbs(result))
		assert.Equal(t, ConfigFileName, filepath.Base(result))
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "missing", "sub")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.Chdir(subDir))

		// a relay.toml above the temp dir would be found too; only assert when none exists
		if result := findProjectConfig(); result != "" {
			assert.NotContains(t, result, "missing")
		}
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	require.NoError(t, WriteDefault(path, false))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pulse.MaxConcurrentJobs)
	assert.Contains(t, cfg.Agents, "shell")

	err = WriteDefault(path, false)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, WriteDefault(path, true))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "overwrite keeps a backup")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 1\n"), DefaultFilePermissions))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 6\n"), DefaultFilePermissions))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 6, cfg.Pulse.MaxConcurrentJobs)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcherIgnoresOwnWrite(t *testing.T) {
	w := &Watcher{}
	w.MarkOwnWrite()
	assert.True(t, w.checkOwnWrite())
	assert.False(t, w.checkOwnWrite())
}

func TestStopWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, nil, DefaultFilePermissions))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
