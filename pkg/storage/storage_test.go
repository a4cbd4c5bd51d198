package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycompact/pkg/storage"
	"github.com/nicktill/tinycompact/pkg/storage/memory"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    storage.Location
		wantErr bool
	}{
		{uri: "s3://events/raw/2024/01/01/", want: storage.Location{Scheme: "s3", Bucket: "events", Prefix: "raw/2024/01/01/"}},
		{uri: "s3://events/", want: storage.Location{Scheme: "s3", Bucket: "events", Prefix: ""}},
		{uri: "s3://events", want: storage.Location{Scheme: "s3", Bucket: "events", Prefix: ""}},
		{uri: "file://bucket/a/b", want: storage.Location{Scheme: "file", Bucket: "bucket", Prefix: "a/b"}},
		{uri: "events/raw", wantErr: true},
		{uri: "s3:///raw", wantErr: true},
		{uri: "://bucket/raw", wantErr: true},
		{uri: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := storage.ParseURI(tt.uri)
			if tt.wantErr {
				require.True(t, storage.ErrInvalidLocation.Has(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLocation_StringAndAppend(t *testing.T) {
	loc, err := storage.ParseURI("s3://events/raw/")
	require.NoError(t, err)

	day := loc.Append("2024/01/01/")
	require.Equal(t, "s3://events/raw/2024/01/01/", day.String())
	require.Equal(t, "raw/", loc.Prefix, "Append must not modify the receiver")
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("503 slow down")
	err := fmt.Errorf("get object: %w", storage.Transient(storage.CodeThrottled, base))

	code, ok := storage.TransientCode(err)
	require.True(t, ok)
	require.Equal(t, storage.CodeThrottled, code)
	require.ErrorIs(t, err, base)

	require.False(t, storage.IsTransient(base))
	require.Nil(t, storage.Transient(storage.CodeThrottled, nil))

	require.True(t, storage.IsTransientCode("Store.ServiceUnavailable"))
	require.False(t, storage.IsTransientCode("States.Timeout"))

	require.False(t, storage.IsTransient(storage.ClassifyNetError(context.DeadlineExceeded)))
}

// loopingStore hands back the same continuation token forever.
type loopingStore struct{ *memory.Store }

func (s loopingStore) List(ctx context.Context, bucket, prefix, token string) (storage.ListPage, error) {
	return storage.ListPage{
		Objects:   []storage.ObjectRecord{{Key: prefix + "x", Size: 1}},
		NextToken: "same",
	}, nil
}

func TestListAll_RepeatedTokenIsAnError(t *testing.T) {
	_, err := storage.ListAll(context.Background(), loopingStore{memory.New()}, "b", "p/")
	require.Error(t, err)
	require.True(t, storage.Error.Has(err))
}

func TestListAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.ListAll(ctx, memory.New(), "b", "p/")
	require.ErrorIs(t, err, context.Canceled)
}
