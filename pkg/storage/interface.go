package storage

import (
	"context"
	"io"
)

// ObjectStore defines the operations compaction needs from a blob store.
// Implementations: memory (testing), local (filesystem), s3 (S3-compatible endpoints)
type ObjectStore interface {
	// List returns one page of objects under prefix in lexicographic key order.
	// An empty token starts from the beginning; an empty NextToken in the
	// returned page means the listing is exhausted.
	List(ctx context.Context, bucket, prefix, token string) (ListPage, error)

	// Get opens the full body of an object. The caller must close it.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Put stores size bytes read from r under key. Put is all-or-nothing:
	// on error no partial object is observable under key.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// Close releases backend resources
	Close() error
}

// ObjectRecord is one listed object
type ObjectRecord struct {
	Key  string `json:"key"`
	Size int64  `json:"size_bytes"`
}

// ListPage is a single page of a prefix listing
type ListPage struct {
	Objects   []ObjectRecord
	NextToken string
}

// ListAll follows continuation tokens until the listing is exhausted.
// A backend that hands back a token it already issued would loop forever,
// so a repeated token is reported as an error.
func ListAll(ctx context.Context, store ObjectStore, bucket, prefix string) ([]ObjectRecord, error) {
	var (
		records []ObjectRecord
		token   string
		seen    = make(map[string]bool)
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := store.List(ctx, bucket, prefix, token)
		if err != nil {
			return nil, err
		}
		records = append(records, page.Objects...)

		if page.NextToken == "" {
			return records, nil
		}
		if seen[page.NextToken] {
			return nil, Error.New("listing %s/%s repeated continuation token %q", bucket, prefix, page.NextToken)
		}
		seen[page.NextToken] = true
		token = page.NextToken
	}
}
