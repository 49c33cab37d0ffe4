package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/run"
	"github.com/teranos/relay/server"
	"github.com/teranos/relay/sym"
)

// ServeCmd serves run status and event streams over HTTP
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Serve run status and event streams over HTTP",
	Long: `Serve the HTTP API:

  GET  /runs                 recent runs
  GET  /runs/{id}            status report
  POST /runs/{id}/cancel     cancel
  POST /runs/{id}/pause      pause
  POST /runs/{id}/resume     resume
  GET  /runs/{id}/events     WebSocket event stream

Agents are re-read when the config file changes. With --resume, runs left
running by a stopped process are resumed at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: server.port)")
	ServeCmd.Flags().Bool("resume", false, "Resume interrupted runs at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer closeStack(s)

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = s.cfg.GetServerPort()
	}

	if watcher := watchAgents(s); watcher != nil {
		defer watcher.Stop()
	}

	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		resumeInterrupted(ctx, s)
	}

	srv := server.New(s.orch, s.store, s.cfg.Server, logger.Logger)
	addr := fmt.Sprintf(":%d", port)
	pterm.Info.Printfln("%s relay serving on http://localhost%s (Ctrl+C to stop)", sym.Pulse, addr)
	return srv.ListenAndServe(ctx, addr)
}

// watchAgents re-registers agents whenever the config file changes
func watchAgents(s *stack) *am.Watcher {
	files := am.ConfigFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	w, err := am.NewWatcher(path, logger.Logger.Named("am"))
	if err != nil {
		s.log.Warnw("Config watching disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	w.OnReload(func(cfg *am.Config) error {
		if err := registerAgents(s.agents, cfg.Agents, logger.Logger); err != nil {
			return err
		}
		s.log.Infow("Agents reloaded", "agents", s.agents.Names())
		return nil
	})
	am.SetGlobalWatcher(w)
	w.Start()
	return w
}

// resumeInterrupted resumes every persisted run still marked running
func resumeInterrupted(ctx context.Context, s *stack) {
	list, err := s.store.List(ctx, 0)
	if err != nil {
		s.log.Warnw("Could not list runs to resume", logger.FieldError, err)
		return
	}
	for _, sum := range list {
		if sum.Status != run.StatusRunning {
			continue
		}
		if _, err := s.orch.Resume(ctx, sum.ID); err != nil {
			s.log.Warnw("Could not resume run", logger.FieldRunID, sum.ID, logger.FieldError, err)
			continue
		}
		pterm.Info.Printfln("%s Resumed run %s (%s)", sym.PulseOpen, sum.ID, sum.Pipeline)
	}
}
