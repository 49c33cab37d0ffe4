package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/pulse/retry"
)

const yamlPipeline = `
name: release
version: 1.4.0
timeout: 60000
concurrency:
  maxConcurrentJobs: 2
env:
  GOFLAGS: -mod=mod
triggers:
  - type: push
    branches: [main]
jobs:
  - id: lint
    name: Lint
    agent: shell
    task: golangci-lint run
  - id: test
    agent: shell
    task: go test ./...
    retry:
      maxAttempts: 2
      backoff: linear
      delayMs: 250
  - id: notes
    agent: claude
    prompt: Summarize the changes since the last tag
    dependsOn: test
    when: '${{ jobs.test.status == "completed" }}'
    inputs:
      channel: releases
      tags:
        - go
        - cli
    continueOnError: true
    timeout: 30000
`

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(yamlPipeline), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "release", def.Name)
	assert.Equal(t, "1.4.0", def.Version)
	assert.Equal(t, time.Minute, def.Timeout)
	assert.Equal(t, 2, def.Concurrency.MaxConcurrentJobs)
	assert.Equal(t, "-mod=mod", def.Env["GOFLAGS"])
	require.Len(t, def.Triggers, 1)
	assert.Equal(t, []string{"main"}, def.Triggers[0].Branches)

	require.Len(t, def.Jobs, 3)
	lint, test, notes := def.Jobs[0], def.Jobs[1], def.Jobs[2]

	assert.Equal(t, retry.Exponential, lint.Retry.Backoff)
	assert.Equal(t, retry.DefaultDelay, lint.Retry.Delay)
	assert.Zero(t, lint.Retry.MaxAttempts)

	assert.Equal(t, 2, test.Retry.MaxAttempts)
	assert.Equal(t, retry.Linear, test.Retry.Backoff)
	assert.Equal(t, 250*time.Millisecond, test.Retry.Delay)

	assert.Equal(t, "Summarize the changes since the last tag", notes.Task, "prompt is an alias for task")
	assert.Equal(t, []string{"test"}, notes.DependsOn, "dependsOn accepts a single string")
	assert.True(t, notes.ContinueOnError)
	assert.Equal(t, 30*time.Second, notes.Timeout)
	assert.Equal(t, []any{"go", "cli"}, notes.Inputs["tags"])

	_, err = Validate(def)
	assert.NoError(t, err)
}

func TestParseTOML(t *testing.T) {
	doc := `
name = "nightly"

[[jobs]]
id = "fetch"
agent = "shell"
task = "curl -sf https://example.com/data.json"

[[jobs]]
id = "index"
agent = "shell"
task = "indexer"
dependsOn = ["fetch"]

[jobs.retry]
maxAttempts = 1
backoff = "fixed"

[jobs.inputs]
shards = 4
`
	def, err := Parse([]byte(doc), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrentJobs, def.Concurrency.MaxConcurrentJobs)
	require.Len(t, def.Jobs, 2)
	assert.Equal(t, []string{"fetch"}, def.Jobs[1].DependsOn)
	assert.Equal(t, retry.Fixed, def.Jobs[1].Retry.Backoff)
	assert.Equal(t, 1, def.Jobs[1].Retry.MaxAttempts)
	assert.EqualValues(t, 4, def.Jobs[1].Inputs["shards"])
}

func TestParseJSON(t *testing.T) {
	doc := `{"name":"p","jobs":[{"id":"a","agent":"shell","task":"true"},{"id":"b","agent":"shell","dependsOn":["a"],"retry":{"maxAttempts":3,"delayMs":0}}]}`
	def, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, 3, def.Jobs[1].Retry.MaxAttempts)
	assert.Equal(t, time.Duration(0), def.Jobs[1].Retry.Delay, "explicit zero delay is kept")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		doc    string
	}{
		{"unknown yaml field", FormatYAML, "name: x\njobz: []\n"},
		{"unknown json field", FormatJSON, `{"name":"x","extra":1}`},
		{"unknown toml field", FormatTOML, "name = \"x\"\nextra = 1\n"},
		{"zero concurrency", FormatYAML, "name: x\nconcurrency:\n  maxConcurrentJobs: 0\njobs: []\n"},
		{"bad backoff", FormatYAML, "name: x\njobs:\n  - id: a\n    agent: s\n    retry:\n      backoff: random\n"},
		{"task and prompt differ", FormatYAML, "name: x\njobs:\n  - id: a\n    agent: s\n    task: one\n    prompt: two\n"},
		{"dependsOn map", FormatYAML, "name: x\njobs:\n  - id: a\n    agent: s\n    dependsOn: {b: c}\n"},
		{"unknown format", Format("xml"), "<pipeline/>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPipeline), 0o644))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)

	_, err = Load(filepath.Join(dir, "release.txt"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
