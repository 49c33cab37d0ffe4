package store

import (
	"context"
	"database/sql"

	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/run"
)

// SQLStore keeps runs in the pipeline_runs table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open, migrated database
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn}
}

// Save upserts the run inside a transaction guarded by revision
func (s *SQLStore) Save(ctx context.Context, r *run.Run) error {
	state, err := encode(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err, "failed to begin transaction", r.ID)
	}
	defer tx.Rollback()

	var stored uint64
	err = tx.QueryRowContext(ctx, `SELECT revision FROM pipeline_runs WHERE id = ?`, r.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return wrapSQL(err, "failed to read stored revision", r.ID)
	default:
		if err := checkRevision(r.ID, stored, r.Revision); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO pipeline_runs (
			id, pipeline, status, revision, resume_count,
			started_at, completed_at, updated_at, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			revision = excluded.revision,
			resume_count = excluded.resume_count,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			state = excluded.state
	`
	var completedAt sql.NullTime
	if r.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, query,
		r.ID,
		r.Pipeline,
		string(r.Status),
		r.Revision,
		r.ResumeCount,
		r.StartedAt,
		completedAt,
		r.UpdatedAt,
		string(state),
	); err != nil {
		return wrapSQL(err, "failed to upsert run", r.ID)
	}

	if err := tx.Commit(); err != nil {
		return wrapSQL(err, "failed to commit run", r.ID)
	}
	return nil
}

// Load implements Adapter
func (s *SQLStore) Load(ctx context.Context, runID string) (*run.Run, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM pipeline_runs WHERE id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run %s not found", runID)
	}
	if err != nil {
		return nil, wrapSQL(err, "failed to load run", runID)
	}
	return decode([]byte(state), runID)
}

// List implements Adapter
func (s *SQLStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state FROM pipeline_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, wrapSQL(err, "failed to list runs", "")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		r, err := decode([]byte(state), id)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(r))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return sortAndLimit(out, limit), nil
}

func wrapSQL(err error, msg, runID string) error {
	if db.IsDatabaseClosed(err) {
		err = errors.Mark(err, db.ErrDatabaseClosed)
	}
	err = errors.Wrap(err, msg)
	if runID != "" {
		err = errors.WithDetailf(err, "Run ID: %s", runID)
	}
	return err
}
