package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeReserver struct {
	dir     string
	inUse   int64
	ceiling int64
}

func (f fakeReserver) ScratchDir() string    { return f.dir }
func (f fakeReserver) ScratchInUse() int64   { return f.inUse }
func (f fakeReserver) ScratchCeiling() int64 { return f.ceiling }

func TestScratchMonitor_Usage(t *testing.T) {
	dir := t.TempDir()

	mergeDir := filepath.Join(dir, "compact-abc-1")
	if err := os.Mkdir(mergeDir, 0755); err != nil {
		t.Fatalf("Failed to create merge dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mergeDir, "merged"), []byte("merged data"), 0644); err != nil {
		t.Fatalf("Failed to write merge file: %v", err)
	}
	// Unrelated files in the scratch dir are ignored
	if err := os.WriteFile(filepath.Join(dir, "other.bin"), make([]byte, 1<<20), 0644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}

	sm := NewScratchMonitor(fakeReserver{dir: dir, inUse: 512, ceiling: 1024}, time.Minute)
	usage, err := sm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}

	if usage.OnDiskBytes < 11 || usage.OnDiskBytes >= 1<<20 {
		t.Errorf("OnDiskBytes = %d, want merge file only", usage.OnDiskBytes)
	}
	if usage.ReservedBytes != 512 {
		t.Errorf("ReservedBytes = %d, want 512", usage.ReservedBytes)
	}
	if usage.Utilization != 0.5 {
		t.Errorf("Utilization = %v, want 0.5", usage.Utilization)
	}
}

func TestScratchMonitor_Caching(t *testing.T) {
	dir := t.TempDir()
	sm := NewScratchMonitor(fakeReserver{dir: dir}, time.Hour)

	first, err := sm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}

	mergeDir := filepath.Join(dir, "compact-def-2")
	if err := os.Mkdir(mergeDir, 0755); err != nil {
		t.Fatalf("Failed to create merge dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mergeDir, "merged"), []byte("late"), 0644); err != nil {
		t.Fatalf("Failed to write merge file: %v", err)
	}

	second, err := sm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if first.OnDiskBytes != second.OnDiskBytes {
		t.Errorf("Cached values differ: %d != %d", first.OnDiskBytes, second.OnDiskBytes)
	}
}

func TestScratchMonitor_MissingDir(t *testing.T) {
	sm := NewScratchMonitor(fakeReserver{dir: "/nonexistent/path/12345"}, time.Minute)
	if _, err := sm.Usage(); err == nil {
		t.Error("Usage() should return error for nonexistent directory")
	}
}
