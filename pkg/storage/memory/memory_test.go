package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/nicktill/tinycompact/pkg/storage"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()

	err := store.Put(ctx, "events", "2024/01/01/a.json", bytes.NewReader([]byte("hello")), 5)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := store.Get(ctx, "events", "2024/01/01/a.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected %q, got %q", "hello", data)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := New()

	_, err := store.Get(context.Background(), "events", "missing")
	if !storage.ErrObjectNotFound.Has(err) {
		t.Errorf("Expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStore_ListIsLexicographic(t *testing.T) {
	store := New()

	store.PutBytes("events", "2024/01/01/c.json", []byte("c"))
	store.PutBytes("events", "2024/01/01/a.json", []byte("a"))
	store.PutBytes("events", "2024/01/01/b.json", []byte("bb"))
	store.PutBytes("events", "2024/01/02/a.json", []byte("other day"))

	page, err := store.List(context.Background(), "events", "2024/01/01/", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page.NextToken != "" {
		t.Errorf("Expected a single page, got token %q", page.NextToken)
	}

	want := []string{"2024/01/01/a.json", "2024/01/01/b.json", "2024/01/01/c.json"}
	if len(page.Objects) != len(want) {
		t.Fatalf("Expected %d objects, got %d", len(want), len(page.Objects))
	}
	for i, obj := range page.Objects {
		if obj.Key != want[i] {
			t.Errorf("Object %d: expected %s, got %s", i, want[i], obj.Key)
		}
	}
	if page.Objects[1].Size != 2 {
		t.Errorf("Expected size 2 for b.json, got %d", page.Objects[1].Size)
	}
}

func TestMemoryStore_Pagination(t *testing.T) {
	store := NewWithPageSize(2)
	for _, key := range []string{"p/1", "p/2", "p/3", "p/4", "p/5"} {
		store.PutBytes("b", key, []byte(key))
	}

	ctx := context.Background()
	page, err := store.List(ctx, "b", "p/", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Objects) != 2 || page.NextToken != "p/2" {
		t.Fatalf("Unexpected first page: %+v", page)
	}

	records, err := storage.ListAll(ctx, store, "b", "p/")
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("Expected 5 records across pages, got %d", len(records))
	}
	if records[4].Key != "p/5" {
		t.Errorf("Expected last key p/5, got %s", records[4].Key)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestMemoryStore_PutFailureLeavesKeyAbsent(t *testing.T) {
	store := New()

	err := store.Put(context.Background(), "b", "out.json", failingReader{}, 10)
	if err == nil {
		t.Fatal("Expected Put to fail")
	}
	if _, ok := store.Object("b", "out.json"); ok {
		t.Error("Failed Put must not leave an object behind")
	}
}

func TestMemoryStore_PutSizeMismatch(t *testing.T) {
	store := New()

	err := store.Put(context.Background(), "b", "out.json", bytes.NewReader([]byte("abc")), 10)
	if err == nil {
		t.Fatal("Expected size mismatch error")
	}
	if len(store.Keys("b")) != 0 {
		t.Error("Size mismatch must not leave an object behind")
	}
}
