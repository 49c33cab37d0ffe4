package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
)

// ProgressPrefix starts a stdout line that reports progress, e.g. "::progress 40"
const ProgressPrefix = "::progress "

// DefaultWaitDelay bounds how long Execute waits for output pipes after the
// process has been signalled.
const DefaultWaitDelay = 5 * time.Second

const (
	maxCapturedOutput = 1 << 20
	stderrTailLines   = 5
)

// CommandExecutor runs an external program for each job.
//
// With Stdin set the task text is written to the program's stdin (agent
// CLIs); otherwise it is appended as the final argument, so a command of
// "sh -c" runs the task as a shell script.
type CommandExecutor struct {
	Agent     string
	Argv      []string
	Stdin     bool
	Dir       string
	WaitDelay time.Duration

	logger *zap.SugaredLogger
}

// NewCommandExecutor splits cfg.Command into argv with shell quoting rules
func NewCommandExecutor(agent string, cfg am.AgentConfig, logger *zap.SugaredLogger) (*CommandExecutor, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "agent %s: invalid command %q", agent, cfg.Command)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("agent %s: command is empty", agent)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandExecutor{
		Agent:     agent,
		Argv:      argv,
		Stdin:     cfg.Stdin,
		WaitDelay: DefaultWaitDelay,
		logger:    logger.With("agent", agent),
	}, nil
}

// FromConfig builds a CommandExecutor per configured agent
func FromConfig(agents map[string]am.AgentConfig, logger *zap.SugaredLogger) (map[string]*CommandExecutor, error) {
	out := make(map[string]*CommandExecutor, len(agents))
	for name, cfg := range agents {
		exec, err := NewCommandExecutor(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		out[name] = exec
	}
	return out, nil
}

// Execute implements TaskExecutor.
//
// Stdout lines are logged at info and stderr lines at error, except progress
// lines. The output is the last stdout line when it is valid JSON, otherwise
// all of stdout, trimmed, as a JSON string.
func (e *CommandExecutor) Execute(ctx context.Context, req *Request, rep Reporter) (json.RawMessage, error) {
	if rep == nil {
		rep = NopReporter{}
	}
	args := append([]string(nil), e.Argv[1:]...)
	if !e.Stdin {
		args = append(args, req.Job.Task)
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], args...)
	cmd.Dir = e.Dir
	env, err := commandEnv(req)
	if err != nil {
		return nil, err
	}
	cmd.Env = env
	if e.Stdin {
		cmd.Stdin = strings.NewReader(req.Job.Task)
	}
	killProcessGroup(cmd)
	cmd.WaitDelay = e.WaitDelay

	var mu sync.Mutex
	stdout := &lineWriter{mu: &mu, fn: func(line string) {
		if pct, ok := parseProgress(line); ok {
			rep.Progress(pct)
			return
		}
		rep.Log("info", line)
	}, capture: true}
	stderr := &lineWriter{mu: &mu, fn: func(line string) {
		rep.Log("error", line)
	}, tail: stderrTailLines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	stdout.flush()
	stderr.flush()

	e.logger.Debugw("Agent process exited",
		"job_id", req.Job.ID,
		"attempt", req.Attempt,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", runErr,
	)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, e.exitError(runErr, stderr.lastLines())
	}
	return commandOutput(stdout.lines, stdout.last)
}

func (e *CommandExecutor) exitError(err error, stderrTail []string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = errors.Newf("agent %s exited with code %d", e.Agent, exitErr.ExitCode())
	} else if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return Permanent(errors.Wrapf(err, "agent %s: cannot start %s", e.Agent, e.Argv[0]))
	} else {
		err = errors.Wrapf(err, "agent %s", e.Agent)
	}
	if len(stderrTail) > 0 {
		err = errors.WithDetail(err, "stderr:\n"+strings.Join(stderrTail, "\n"))
	}
	return err
}

func commandEnv(req *Request) ([]string, error) {
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	inputs, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job inputs")
	}
	deps, err := json.Marshal(req.Dependencies)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode dependency outputs")
	}
	return append(env,
		"RELAY_RUN_ID="+req.RunID,
		"RELAY_JOB_ID="+req.Job.ID,
		"RELAY_ATTEMPT="+strconv.Itoa(req.Attempt),
		"RELAY_INPUTS="+string(inputs),
		"RELAY_DEPENDENCIES="+string(deps),
	), nil
}

func parseProgress(line string) (int, bool) {
	if !strings.HasPrefix(line, ProgressPrefix) {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ProgressPrefix)))
	if err != nil {
		return 0, false
	}
	return pct, true
}

// commandOutput builds a job's output from captured stdout. last is the
// final non-blank, non-progress line, tracked even past the capture cap.
func commandOutput(lines []string, last string) (json.RawMessage, error) {
	if last != "" && json.Valid([]byte(last)) {
		return json.RawMessage(last), nil
	}
	var kept []string
	for _, line := range lines {
		if _, ok := parseProgress(line); !ok {
			kept = append(kept, line)
		}
	}
	text := strings.TrimSpace(strings.Join(kept, "\n"))
	if text == "" {
		return nil, nil
	}
	out, err := json.Marshal(text)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode output")
	}
	return out, nil
}

// lineWriter splits a stream into lines and hands each to fn.
// Both writers of one command share mu so fn never runs concurrently.
type lineWriter struct {
	mu      *sync.Mutex
	fn      func(string)
	buf     []byte
	capture bool
	tail    int
	lines   []string
	size    int
	last    string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.fn(line)
	switch {
	case w.capture:
		if _, progress := parseProgress(line); !progress {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				w.last = trimmed
			}
		}
		if w.size+len(line) > maxCapturedOutput {
			return
		}
		w.size += len(line) + 1
		w.lines = append(w.lines, line)
	case w.tail > 0:
		w.lines = append(w.lines, line)
		if len(w.lines) > w.tail {
			w.lines = w.lines[len(w.lines)-w.tail:]
		}
	}
}

func (w *lineWriter) lastLines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

// String describes the command for logs
func (e *CommandExecutor) String() string {
	return fmt.Sprintf("%s (%s)", e.Agent, shellquote.Join(e.Argv...))
}
