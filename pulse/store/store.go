// Package store persists pipeline runs.
//
// Three backends implement Adapter: JSON files on local disk, a SQLite
// table, and an S3-compatible bucket. Every backend refuses to replace a
// stored run with an older revision of it.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/run"
)

// DefaultListLimit applies when List is called with limit <= 0
const DefaultListLimit = 50

// ErrStaleRevision is returned by Save when the stored run is newer than the
// one being written. It satisfies errors.IsConflictError.
var ErrStaleRevision = errors.Mark(errors.New("stale run revision"), errors.ErrConflict)

// Adapter persists run snapshots
type Adapter interface {
	// Save writes r atomically. Readers see either the previous snapshot or
	// this one, never a mix.
	Save(ctx context.Context, r *run.Run) error
	// Load returns the latest snapshot; unknown ids match errors.ErrNotFound.
	Load(ctx context.Context, runID string) (*run.Run, error)
	// List returns summaries, newest first.
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Summary is the listing view of a stored run
type Summary struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Status      run.Status `json:"status"`
	Percent     int        `json:"percent"`
	Jobs        int        `json:"jobs"`
	Revision    uint64     `json:"revision"`
	ResumeCount int        `json:"resume_count,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summarize builds the listing view of r
func Summarize(r *run.Run) Summary {
	return Summary{
		ID:          r.ID,
		Pipeline:    r.Pipeline,
		Status:      r.Status,
		Percent:     r.Percent(),
		Jobs:        len(r.Jobs),
		Revision:    r.Revision,
		ResumeCount: r.ResumeCount,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func encode(r *run.Run) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode run %s", r.ID)
	}
	return data, nil
}

func decode(data []byte, runID string) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		err = errors.Wrap(err, "failed to decode stored run")
		return nil, errors.WithDetailf(err, "Run ID: %s", runID)
	}
	return &r, nil
}

// checkRevision returns ErrStaleRevision when stored is newer than incoming
func checkRevision(runID string, stored, incoming uint64) error {
	if stored > incoming {
		err := errors.Wrapf(ErrStaleRevision, "run %s: stored revision %d, writing %d", runID, stored, incoming)
		return errors.WithHint(err, "another process has advanced this run; reload it before writing")
	}
	return nil
}

func sortAndLimit(out []Summary, limit int) []Summary {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func validRunID(runID string) error {
	if runID == "" {
		return errors.NewInvalidRequestError("run id is required")
	}
	for _, c := range runID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return errors.NewInvalidRequestError("invalid run id %q", runID)
		}
	}
	return nil
}
