package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/engine"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/executor"
	"github.com/teranos/relay/pulse/store"
)

// stack is everything a command needs to drive runs
type stack struct {
	cfg    *am.Config
	db     *sql.DB
	store  store.Adapter
	agents *executor.Registry
	orch   *engine.Orchestrator
	log    *zap.SugaredLogger
}

// openStack loads config, opens the configured store and builds an
// orchestrator routing jobs to the configured agents.
func openStack(ctx context.Context) (*stack, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, log: logger.Logger, agents: executor.NewRegistry()}

	if cfg.Store.Backend == "" || cfg.Store.Backend == am.BackendSQLite {
		path := cfg.GetDatabasePath()
		s.db, err = db.OpenWithMigrations(path, logger.Logger)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open database at %s", path)
		}
	}

	s.store, err = store.Open(ctx, cfg.Store, s.db, logger.Logger)
	if err != nil {
		s.closeDB()
		return nil, err
	}

	if err := registerAgents(s.agents, cfg.Agents, logger.Logger); err != nil {
		s.closeDB()
		return nil, err
	}

	s.orch = engine.New(s.store, s.agents, events.NewBus(), logger.Logger, engine.OptionsFromConfig(cfg.Pulse))
	return s, nil
}

// Close stops the orchestrator, leaving unfinished runs resumable
func (s *stack) Close(ctx context.Context) error {
	err := s.orch.Shutdown(ctx)
	s.closeDB()
	return err
}

func (s *stack) closeDB() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warnw("Failed to close database", logger.FieldError, err)
		}
	}
}

// registerAgents makes the registry match agents: configured agents are
// (re)built and agents no longer configured are removed.
func registerAgents(reg *executor.Registry, agents map[string]am.AgentConfig, log *zap.SugaredLogger) error {
	built, err := executor.FromConfig(agents, log)
	if err != nil {
		return err
	}
	for _, name := range reg.Names() {
		if _, ok := built[name]; !ok {
			reg.Unregister(name)
		}
	}
	for name, exec := range built {
		reg.Set(name, exec)
	}
	return nil
}
