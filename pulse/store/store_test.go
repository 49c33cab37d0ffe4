package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	relaytest "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/pipeline"
	"github.com/teranos/relay/pulse/run"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRun(t *testing.T, id string, started time.Time) *run.Run {
	t.Helper()
	def := &pipeline.Definition{
		Name: "build",
		Jobs: []pipeline.JobDefinition{
			{ID: "compile", Agent: "shell", Task: "make"},
			{ID: "test", Agent: "shell", Task: "make test", DependsOn: []string{"compile"}},
		},
	}
	def.ApplyDefaults(0)
	graph, err := pipeline.Validate(def)
	require.NoError(t, err)
	return run.New(id, def, graph, map[string]any{"branch": "main"}, started)
}

func adapters(t *testing.T) map[string]Adapter {
	fs, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return map[string]Adapter{
		"file":   fs,
		"sqlite": NewSQLStore(relaytest.CreateTestDB(t)),
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := testRun(t, "run-a", t0)
			r.Status = run.StatusRunning
			r.Jobs["compile"].Status = run.JobCompleted
			r.Jobs["compile"].Output = []byte(`{"artifact":"app"}`)
			r.Revision = 1
			require.NoError(t, s.Save(ctx, r))

			loaded, err := s.Load(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, run.StatusRunning, loaded.Status)
			assert.Equal(t, uint64(1), loaded.Revision)
			assert.JSONEq(t, `{"artifact":"app"}`, string(loaded.Jobs["compile"].Output))
			assert.Equal(t, []string{"compile"}, loaded.Graph["test"])
			assert.Equal(t, "main", loaded.Context["branch"])
			require.NotNil(t, loaded.Definition)
			assert.Len(t, loaded.Definition.Jobs, 2)

			r.Revision = 2
			r.Status = run.StatusCompleted
			require.NoError(t, s.Save(ctx, r))
			loaded, err = s.Load(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, loaded.Status)
		})
	}
}

func TestAdapterLoadUnknown(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "missing")
			require.Error(t, err)
			assert.True(t, errors.IsNotFoundError(err))
		})
	}
}

func TestAdapterRejectsOlderRevision(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := testRun(t, "run-b", t0)
			r.Revision = 5
			r.Status = run.StatusRunning
			require.NoError(t, s.Save(ctx, r))

			old := r.Clone()
			old.Revision = 3
			old.Status = run.StatusPending
			err := s.Save(ctx, old)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStaleRevision))
			assert.True(t, errors.IsConflictError(err))

			loaded, err := s.Load(ctx, "run-b")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), loaded.Revision)
			assert.Equal(t, run.StatusRunning, loaded.Status)

			// the same revision may be written again
			require.NoError(t, s.Save(ctx, r))
		})
	}
}

func TestAdapterListNewestFirst(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"run-1", "run-2", "run-3"} {
				require.NoError(t, s.Save(ctx, testRun(t, id, t0.Add(time.Duration(i)*time.Minute))))
			}

			list, err := s.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "run-3", list[0].ID)
			assert.Equal(t, "run-2", list[1].ID)
			assert.Equal(t, 2, list[0].Jobs)
			assert.Equal(t, "build", list[0].Pipeline)
		})
	}
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "../etc/passwd")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestFileStoreLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), testRun(t, "run-c", t0)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-c.json", entries[0].Name())
}

func TestFileStoreListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), testRun(t, "good", t0)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0644))

	list, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestSQLStoreBeginFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is closed"))

	err = NewSQLStore(conn).Save(context.Background(), testRun(t, "run-d", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrDatabaseClosed))
	assert.Contains(t, strings.Join(errors.GetAllDetails(err), "\n"), "run-d")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreStaleRevisionRollsBack(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT revision FROM pipeline_runs").
		WithArgs("run-e").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(9))
	mock.ExpectRollback()

	r := testRun(t, "run-e", t0)
	r.Revision = 4
	err = NewSQLStore(conn).Save(context.Background(), r)
	assert.True(t, errors.Is(err, ErrStaleRevision))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpsertFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT revision FROM pipeline_runs").
		WithArgs("run-f").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}))
	mock.ExpectExec("INSERT INTO pipeline_runs").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewSQLStore(conn).Save(context.Background(), testRun(t, "run-f", t0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert run")
	assert.False(t, errors.Is(err, db.ErrDatabaseClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewObjectStoreValidates(t *testing.T) {
	valid := am.S3StoreConfig{Endpoint: "localhost:9000", Bucket: "runs", Region: "us-east-1"}
	_, err := NewObjectStore(valid, nil)
	require.NoError(t, err)

	withScheme := valid
	withScheme.Endpoint = "http://localhost:9000"
	_, err = NewObjectStore(withScheme, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	noBucket := valid
	noBucket.Bucket = ""
	_, err = NewObjectStore(noBucket, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestObjectStoreKeyUsesPrefix(t *testing.T) {
	s, err := NewObjectStore(am.S3StoreConfig{Endpoint: "localhost:9000", Bucket: "runs", Prefix: "runs/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "runs/abc.json", s.key("abc"))
}

func TestObjectStoreLoadMissingIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
			`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	}))
	defer srv.Close()

	s, err := NewObjectStore(am.S3StoreConfig{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Bucket:   "runs",
		Region:   "us-east-1",
	}, nil)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	conn := relaytest.CreateTestDB(t)

	a, err := Open(ctx, am.StoreConfig{Backend: am.BackendSQLite}, conn, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, a)

	a, err = Open(ctx, am.StoreConfig{Backend: am.BackendFile, File: am.FileStoreConfig{Dir: t.TempDir()}}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, a)

	_, err = Open(ctx, am.StoreConfig{Backend: "etcd"}, nil, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = Open(ctx, am.StoreConfig{Backend: am.BackendSQLite}, nil, nil)
	assert.Error(t, err)
}
