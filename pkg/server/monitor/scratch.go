package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScratchPattern matches the per-unit merge directories under the scratch dir
const ScratchPattern = "compact-*"

// Reserver reports how many scratch bytes in-flight merges have reserved.
// *compaction.Compactor implements it.
type Reserver interface {
	ScratchDir() string
	ScratchInUse() int64
	ScratchCeiling() int64
}

// ScratchMonitor reports scratch usage. Walking the merge directories is
// expensive, so the on-disk figure is cached for cacheDuration.
type ScratchMonitor struct {
	reserver      Reserver
	cacheDuration time.Duration

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// ScratchUsage is the scratch section of the status response
type ScratchUsage struct {
	Dir           string  `json:"dir"`
	OnDiskBytes   int64   `json:"on_disk_bytes"`
	ReservedBytes int64   `json:"reserved_bytes"`
	CeilingBytes  int64   `json:"ceiling_bytes,omitempty"`
	Utilization   float64 `json:"utilization,omitempty"`
}

// NewScratchMonitor creates a scratch monitor
func NewScratchMonitor(reserver Reserver, cacheDuration time.Duration) *ScratchMonitor {
	return &ScratchMonitor{
		reserver:      reserver,
		cacheDuration: cacheDuration,
	}
}

// Usage returns current scratch usage (on-disk part cached).
func (sm *ScratchMonitor) Usage() (ScratchUsage, error) {
	dir := sm.reserver.ScratchDir()
	if dir == "" {
		dir = os.TempDir()
	}

	onDisk, err := sm.onDisk(dir)
	if err != nil {
		return ScratchUsage{}, err
	}

	usage := ScratchUsage{
		Dir:           dir,
		OnDiskBytes:   onDisk,
		ReservedBytes: sm.reserver.ScratchInUse(),
		CeilingBytes:  sm.reserver.ScratchCeiling(),
	}
	if usage.CeilingBytes > 0 {
		usage.Utilization = float64(usage.ReservedBytes) / float64(usage.CeilingBytes)
	}
	return usage, nil
}

func (sm *ScratchMonitor) onDisk(dir string) (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := scratchSize(dir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// scratchSize sums the merge directories under dir. Other files sharing the
// directory (it may well be the system temp dir) are not counted.
func scratchSize(dir string) (int64, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, ScratchPattern))
	if err != nil {
		return 0, err
	}

	var size int64
	for _, m := range matches {
		err := filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// a merge finished and removed its directory mid-walk
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			size += diskUsage(p, info)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}
