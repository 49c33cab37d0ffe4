package store

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/run"
)

// ObjectStore keeps one JSON object per run in an S3-compatible bucket.
// A PUT replaces the object atomically from a reader's point of view.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.SugaredLogger
}

// NewObjectStore builds a client from cfg. It does not contact the server;
// call EnsureBucket for that.
func NewObjectStore(cfg am.S3StoreConfig, logger *zap.SugaredLogger) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.NewInvalidRequestError("s3 endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, errors.NewInvalidRequestError("s3 endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.NewInvalidRequestError("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create s3 client for %s", cfg.Endpoint)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (s *ObjectStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "failed to check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return errors.Wrapf(err, "failed to create bucket %s", s.bucket)
	}
	s.logger.Infow("Created run bucket", "bucket", s.bucket)
	return nil
}

func (s *ObjectStore) key(runID string) string {
	return path.Join(s.prefix, runID+".json")
}

// Save implements Adapter. The revision check and the PUT are two requests,
// so concurrent writers from different processes can still race; within a
// process the engine serializes writes per run.
func (s *ObjectStore) Save(ctx context.Context, r *run.Run) error {
	if err := validRunID(r.ID); err != nil {
		return err
	}
	data, err := encode(r)
	if err != nil {
		return err
	}

	stored, err := s.Load(ctx, r.ID)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		return err
	default:
		if err := checkRevision(r.ID, stored.Revision, r.Revision); err != nil {
			return err
		}
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key(r.ID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		err = errors.Wrapf(err, "failed to put run %s", r.ID)
		return errors.WithDetailf(err, "Bucket: %s", s.bucket)
	}
	return nil
}

// Load implements Adapter
func (s *ObjectStore) Load(ctx context.Context, runID string) (*run.Run, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(runID), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.objectError(err, runID)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.objectError(err, runID)
	}
	return decode(data, runID)
}

// List implements Adapter. Each object is fetched and decoded.
func (s *ObjectStore) List(ctx context.Context, limit int) ([]Summary, error) {
	prefix := s.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var out []Summary
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, errors.Wrapf(info.Err, "failed to list bucket %s", s.bucket)
		}
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		runID := strings.TrimSuffix(path.Base(info.Key), ".json")
		r, err := s.Load(ctx, runID)
		if err != nil {
			s.logger.Warnw("Skipping unreadable run object", "key", info.Key, "error", err)
			continue
		}
		out = append(out, Summarize(r))
	}
	return sortAndLimit(out, limit), nil
}

func (s *ObjectStore) objectError(err error, runID string) error {
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return errors.NewNotFoundError("run %s not found", runID)
	}
	err = errors.Wrapf(err, "failed to get run %s", runID)
	return errors.WithDetailf(err, "Bucket: %s", s.bucket)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}
