package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
)

// Open selects the backend named by cfg.Backend. conn is required for the
// sqlite backend and ignored otherwise.
func Open(ctx context.Context, cfg am.StoreConfig, conn *sql.DB, logger *zap.SugaredLogger) (Adapter, error) {
	switch cfg.Backend {
	case am.BackendSQLite, "":
		if conn == nil {
			return nil, errors.NewInvalidRequestError("sqlite store needs an open database")
		}
		return NewSQLStore(conn), nil
	case am.BackendFile:
		return NewFileStore(cfg.File.Dir, logger)
	case am.BackendS3:
		s, err := NewObjectStore(cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx, cfg.S3.Region); err != nil {
			return nil, err
		}
		return s, nil
	}
	err := errors.NewInvalidRequestError("unknown store backend %q", cfg.Backend)
	return nil, errors.WithHint(err, "use sqlite, file or s3")
}
