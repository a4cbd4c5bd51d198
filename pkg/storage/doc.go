/*
Package storage provides the pluggable object store abstraction used by the
compaction pipeline.

# ObjectStore Interface

Compaction needs three operations from a blob store: a paginated prefix
listing, a streaming read and an all-or-nothing write.

	type ObjectStore interface {
	    List(ctx context.Context, bucket, prefix, token string) (ListPage, error)
	    Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	    Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	    Close() error
	}

Backends:
  - memory: in-process map, configurable page size, used by tests
  - local: a directory tree on disk, one sub-directory per bucket
  - s3: any S3-compatible endpoint through minio-go

# Listing Order

Every backend lists keys in lexicographic order. Merge order and output naming
both depend on it, so a backend that cannot guarantee this ordering cannot be
used for compaction.

Use ListAll rather than calling List directly; it follows continuation tokens
until the listing is exhausted:

	records, err := storage.ListAll(ctx, store, "events", "2024/01/01/")

# Transient Errors

Backends wrap retryable failures (throttling, 5xx responses, network errors)
with Transient and one of the Code values. Orchestration retries only errors for
which IsTransient reports true; everything else is terminal for the unit.

# Locations

Partitions are addressed by URIs of the form scheme://bucket/key-prefix:

	loc, err := storage.ParseURI("s3://events/raw/2024/01/01/")
	// loc.Bucket == "events", loc.Prefix == "raw/2024/01/01/"

The scheme is informational; which backend serves a location is decided by
configuration.
*/
package storage
