package pipeline

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/retry"
)

// Format is a pipeline document encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", errors.NewInvalidRequestError("cannot tell pipeline format from %q (use .yaml, .toml or .json)", path)
}

// Load reads and parses a pipeline file. The result is not validated.
func Load(path string) (*Definition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read pipeline %s", path)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, errors.WithDetailf(err, "File: %s", path)
	}
	return def, nil
}

// Parse decodes a pipeline document. Unknown fields are rejected.
// Durations in documents are integer milliseconds.
func Parse(data []byte, format Format) (*Definition, error) {
	var doc document

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "parse yaml pipeline")
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, errors.Wrap(err, "parse toml pipeline")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Newf("parse toml pipeline: unknown field %q", undecoded[0].String())
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "parse json pipeline")
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported pipeline format %q", format)
	}

	return doc.definition()
}

// document mirrors the on-disk schema
type document struct {
	Name        string               `json:"name" yaml:"name" toml:"name"`
	Version     string               `json:"version" yaml:"version" toml:"version"`
	Jobs        []jobDocument        `json:"jobs" yaml:"jobs" toml:"jobs"`
	Triggers    []Trigger            `json:"triggers" yaml:"triggers" toml:"triggers"`
	Env         map[string]string    `json:"env" yaml:"env" toml:"env"`
	Timeout     int64                `json:"timeout" yaml:"timeout" toml:"timeout"`
	Concurrency *concurrencyDocument `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
}

type concurrencyDocument struct {
	MaxConcurrentJobs *int `json:"maxConcurrentJobs" yaml:"maxConcurrentJobs" toml:"maxConcurrentJobs"`
}

type jobDocument struct {
	ID              string         `json:"id" yaml:"id" toml:"id"`
	Name            string         `json:"name" yaml:"name" toml:"name"`
	Agent           string         `json:"agent" yaml:"agent" toml:"agent"`
	Task            string         `json:"task" yaml:"task" toml:"task"`
	Prompt          string         `json:"prompt" yaml:"prompt" toml:"prompt"`
	DependsOn       StringList     `json:"dependsOn" yaml:"dependsOn" toml:"dependsOn"`
	When            string         `json:"when" yaml:"when" toml:"when"`
	Inputs          map[string]any `json:"inputs" yaml:"inputs" toml:"inputs"`
	Timeout         int64          `json:"timeout" yaml:"timeout" toml:"timeout"`
	Retry           *retryDocument `json:"retry" yaml:"retry" toml:"retry"`
	ContinueOnError bool           `json:"continueOnError" yaml:"continueOnError" toml:"continueOnError"`
}

type retryDocument struct {
	MaxAttempts int    `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"`
	Backoff     string `json:"backoff" yaml:"backoff" toml:"backoff"`
	DelayMs     *int64 `json:"delayMs" yaml:"delayMs" toml:"delayMs"`
}

func (d *document) definition() (*Definition, error) {
	def := &Definition{
		Name:     d.Name,
		Version:  d.Version,
		Triggers: d.Triggers,
		Env:      d.Env,
		Timeout:  millis(d.Timeout),
		Jobs:     make([]JobDefinition, 0, len(d.Jobs)),
	}

	def.Concurrency.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	if d.Concurrency != nil && d.Concurrency.MaxConcurrentJobs != nil {
		n := *d.Concurrency.MaxConcurrentJobs
		if n < 1 {
			return nil, invalidf("", "concurrency.maxConcurrentJobs", "must be >= 1, got %d", n)
		}
		def.Concurrency.MaxConcurrentJobs = n
	}

	for _, jd := range d.Jobs {
		task := jd.Task
		if task == "" {
			task = jd.Prompt
		} else if jd.Prompt != "" && jd.Prompt != task {
			return nil, invalidf(jd.ID, "task", "task and prompt are aliases; set only one")
		}

		job := JobDefinition{
			ID:              jd.ID,
			Name:            jd.Name,
			Agent:           jd.Agent,
			Task:            task,
			DependsOn:       []string(jd.DependsOn),
			When:            jd.When,
			Inputs:          normalizeInputs(jd.Inputs),
			Timeout:         millis(jd.Timeout),
			ContinueOnError: jd.ContinueOnError,
			Retry: RetryPolicy{
				Backoff: retry.DefaultStrategy,
				Delay:   retry.DefaultDelay,
			},
		}

		if jd.Retry != nil {
			strategy, err := retry.ParseStrategy(jd.Retry.Backoff)
			if err != nil {
				return nil, invalidf(jd.ID, "retry.backoff", "%s", err.Error())
			}
			job.Retry.MaxAttempts = jd.Retry.MaxAttempts
			job.Retry.Backoff = strategy
			if jd.Retry.DelayMs != nil {
				job.Retry.Delay = millis(*jd.Retry.DelayMs)
			}
		}

		def.Jobs = append(def.Jobs, job)
	}

	return def, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// normalizeInputs converts decoder-specific shapes into plain JSON-like values:
// yaml may yield map[interface{}]interface{}, toml yields []map[string]interface{}
// for arrays of tables.
func normalizeInputs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeInputs(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[toString(k)] = normalizeValue(item)
		}
		return m
	case []map[string]any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeInputs(item)
		}
		return items
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	}
	return v
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
