package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/run"
)

// FileStore keeps one JSON document per run in a directory
type FileStore struct {
	dir    string
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewFileStore creates dir if needed
func NewFileStore(dir string, logger *zap.SugaredLogger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.NewInvalidRequestError("file store directory is required")
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %s", dir)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save implements Adapter
func (s *FileStore) Save(ctx context.Context, r *run.Run) error {
	if err := validRunID(r.ID); err != nil {
		return err
	}
	data, err := encode(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := os.ReadFile(s.path(r.ID)); err == nil {
		stored, err := decode(existing, r.ID)
		if err != nil {
			return err
		}
		if err := checkRevision(r.ID, stored.Revision, r.Revision); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read run %s", r.ID)
	}

	if err := writeFileAtomic(s.path(r.ID), data, am.DefaultFilePermissions); err != nil {
		err = errors.Wrapf(err, "failed to write run %s", r.ID)
		return errors.WithDetailf(err, "Revision: %d", r.Revision)
	}
	return nil
}

// Load implements Adapter
func (s *FileStore) Load(ctx context.Context, runID string) (*run.Run, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(runID))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("run %s not found", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run %s", runID)
	}
	return decode(data, runID)
}

// List implements Adapter. Unreadable files are logged and skipped.
func (s *FileStore) List(ctx context.Context, limit int) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", s.dir)
	}
	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runID := strings.TrimSuffix(name, ".json")
		r, err := s.Load(ctx, runID)
		if err != nil {
			s.logger.Warnw("Skipping unreadable run file", "path", filepath.Join(s.dir, name), "error", err)
			continue
		}
		out = append(out, Summarize(r))
	}
	return sortAndLimit(out, limit), nil
}

// writeFileAtomic writes to a temp file, fsyncs it, then renames it over
// path, so a crash mid-write leaves the previous file intact.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
