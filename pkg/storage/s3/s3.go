package s3

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/storage"
)

// DefaultPageSize is the ListObjectsV2 page size (the S3 maximum)
const DefaultPageSize = 1000

// Store implements storage.ObjectStore against an S3-compatible endpoint
type Store struct {
	log      *zap.Logger
	client   *minio.Client
	core     *minio.Core
	pageSize int
}

// Config holds S3 endpoint configuration
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string

	// Insecure disables TLS (local MinIO, test endpoints)
	Insecure bool

	// PageSize limits keys per listing page (0 = DefaultPageSize)
	PageSize int
}

// New creates an S3 object store. With empty keys, credentials are taken from
// the standard AWS environment variables.
func New(log *zap.Logger, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, storage.Error.New("s3 endpoint is required")
	}

	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, storage.Error.New("failed to create s3 client: %v", err)
	}

	if cfg.PageSize < 1 || cfg.PageSize > DefaultPageSize {
		cfg.PageSize = DefaultPageSize
	}

	return &Store{
		log:      log,
		client:   client,
		core:     &minio.Core{Client: client},
		pageSize: cfg.PageSize,
	}, nil
}

// List issues one ListObjectsV2 request
func (s *Store) List(ctx context.Context, bucket, prefix, token string) (storage.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListPage{}, err
	}

	startAfter, continuation := "", token
	if after, ok := strings.CutPrefix(token, startAfterMarker); ok {
		startAfter, continuation = after, ""
	}

	result, err := s.core.ListObjectsV2(bucket, prefix, startAfter, continuation, "", s.pageSize)
	if err != nil {
		return storage.ListPage{}, classify(err)
	}

	page := storage.ListPage{
		Objects: make([]storage.ObjectRecord, 0, len(result.Contents)),
	}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, storage.ObjectRecord{
			Key:  obj.Key,
			Size: obj.Size,
		})
	}
	if result.IsTruncated {
		page.NextToken = result.NextContinuationToken
		if page.NextToken == "" {
			// Some S3-compatible servers omit the token; fall back to
			// StartAfter semantics by using the last key
			s.log.Debug("truncated listing without continuation token",
				zap.String("bucket", bucket), zap.String("prefix", prefix))
			if n := len(page.Objects); n > 0 {
				page.NextToken = startAfterMarker + page.Objects[n-1].Key
			}
		}
	}
	return page, nil
}

// startAfterMarker prefixes tokens that resume with StartAfter instead of a
// continuation token
const startAfterMarker = "start-after:"

// Get opens a streaming reader for key. Errors that minio-go defers to the
// first Read are surfaced here through Stat.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classify(err)
	}
	return obj, nil
}

// Put uploads the body with a single PutObject call. minio-go switches to
// multipart above its part size; S3 only exposes the object once the
// multipart upload completes, so either way no partial object is visible.
func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return classify(err)
	}
	s.log.Debug("object uploaded",
		zap.String("bucket", bucket), zap.String("key", key),
		zap.Int64("size", info.Size), zap.String("etag", info.ETag))
	return nil
}

// Close is a no-op; the HTTP transport is shared
func (s *Store) Close() error {
	return nil
}

// classify maps S3 error responses onto storage error classes
func classify(err error) error {
	resp := minio.ToErrorResponse(err)

	switch resp.Code {
	case "NoSuchKey":
		return storage.ErrObjectNotFound.Wrap(err)
	case "NoSuchBucket":
		return storage.ErrInvalidLocation.Wrap(err)
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
		return storage.Transient(storage.CodeThrottled, err)
	case "ServiceUnavailable":
		return storage.Transient(storage.CodeServiceUnavailable, err)
	case "InternalError", "RequestTimeout":
		return storage.Transient(storage.CodeServiceException, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return storage.Transient(storage.CodeThrottled, err)
	case http.StatusServiceUnavailable:
		return storage.Transient(storage.CodeServiceUnavailable, err)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return storage.Transient(storage.CodeServiceException, err)
	}

	if resp.StatusCode == 0 {
		return storage.ClassifyNetError(storage.Error.Wrap(err))
	}
	return storage.Error.Wrap(err)
}
