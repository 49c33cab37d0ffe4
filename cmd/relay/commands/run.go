package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pipeline"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/run"
	"github.com/teranos/relay/sym"
)

// shutdownTimeout bounds how long a command waits for executors on exit
const shutdownTimeout = 30 * time.Second

// RunCmd runs a pipeline definition in the foreground
var RunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: sym.Pulse + " Run a pipeline definition",
	Long: `Run a pipeline definition (YAML, JSON or TOML) and follow its progress.

The command returns when the run ends. Ctrl+C cancels the run. With --quiet,
progress is not printed and Ctrl+C only stops this process: the run stays
resumable with 'relay resume'. Use 'relay serve' to keep runs going in the
background.

Inputs are given as key=value; values that parse as JSON (numbers, booleans,
objects) keep their type, anything else is a string.

Examples:
  relay run deploy.yaml
  relay run deploy.yaml --input branch=main --input replicas=3
  relay run deploy.yaml --quiet`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runInputs []string
	runQuiet  bool
	runJSON   bool
)

func init() {
	RunCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Run input as key=value (repeatable)")
	RunCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print progress; Ctrl+C leaves the run resumable")
	RunCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final status report as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}
	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer closeStack(s)

	// This process owns a single run, so every event on the bus is ours
	sub := s.orch.Bus().Subscribe(1024, nil)
	defer sub.Close()

	runID, err := s.orch.Start(ctx, def, inputs)
	if err != nil {
		return err
	}
	if runQuiet {
		pterm.Info.Printfln("Started run %s", runID)
	}
	return follow(ctx, s, runID, sub, runQuiet, runJSON)
}

// follow waits for runID to stop, printing its events unless quiet.
// Interrupts cancel the run, or with quiet just stop following.
func follow(ctx context.Context, s *stack, runID string, sub *events.Subscription, quiet, asJSON bool) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	type waited struct {
		r   *run.Run
		err error
	}
	done := make(chan waited, 1)
	go func() {
		r, err := s.orch.Wait(ctx, runID)
		done <- waited{r, err}
	}()

	interrupted := false
	for {
		select {
		case e := <-sub.C:
			if !quiet {
				printEvent(e)
			}
		case w := <-done:
			if w.err != nil {
				return w.err
			}
			if !quiet {
				drain(sub)
			}
			return finish(w.r, asJSON)
		case <-sigCtx.Done():
			if interrupted {
				continue
			}
			interrupted = true
			stop()
			if quiet {
				pterm.Warning.Printfln("Stopped following; resume with: relay resume %s", runID)
				return nil
			}
			pterm.Warning.Printfln("Interrupted, cancelling run %s", runID)
			if err := s.orch.Cancel(ctx, runID); err != nil {
				return err
			}
		}
	}
}

func drain(sub *events.Subscription) {
	for {
		select {
		case e := <-sub.C:
			printEvent(e)
		default:
			return
		}
	}
}

// finish prints the final report and turns unsuccessful runs into errors
func finish(r *run.Run, asJSON bool) error {
	rep := r.Report()
	if asJSON {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else {
		pterm.Println()
		if err := printReport(rep); err != nil {
			return err
		}
	}

	switch r.Status {
	case run.StatusCompleted:
		return nil
	case run.StatusRunning, run.StatusPaused:
		return errors.WithHintf(errors.Newf("run %s stopped while %s", r.ID, r.Status),
			"resume with: relay resume %s", r.ID)
	default:
		return errors.Newf("run %s %s", r.ID, r.Status)
	}
}

func closeStack(s *stack) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		s.log.Warnw("Shutdown did not complete cleanly", "error", err)
	}
}

// parseInputs turns key=value flags into a run input map
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("invalid input %q", pair),
				"inputs are key=value, e.g. --input branch=main",
			)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}
