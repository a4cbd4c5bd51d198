package config

import (
	"fmt"
	"strings"
	"time"
)

// Server defaults
const (
	DefaultPort     = "8080"
	DefaultDataDir  = "./data/tinycompact"
	DefaultLogLevel = "info"
)

// Orchestration defaults. These mirror the limits the compaction pipeline was
// first deployed with: one 15 minute budget for a sequential run, 5 minutes per
// scatter-gather unit and at most 100 units in flight.
const (
	DefaultMaxConcurrency = 100
	DefaultUnitTimeout    = 5 * time.Minute
	DefaultRunTimeout     = 15 * time.Minute
)

// Retry policy for transient store errors
const (
	DefaultRetryInterval    = 1 * time.Second
	DefaultRetryBackoffRate = 2.0
	DefaultRetryMaxAttempts = 3
)

// Scratch storage
const (
	DefaultScratchCeilingMB = 2048
	ScratchUsageCacheTTL    = 10 * time.Second
)

// Ledger maintenance
const (
	LedgerGCInterval     = 10 * time.Minute
	LedgerGCDiscardRatio = 0.5
	LedgerPruneInterval  = 1 * time.Hour
	DefaultMaxMemoryMB   = 48

	// DefaultLedgerRetention keeps run reports for 90 days (0 = forever)
	DefaultLedgerRetention = 90 * 24 * time.Hour
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 0 // compaction requests may run as long as a unit timeout
	ShutdownTimeout    = 30 * time.Second
	RemoteUnitSlack    = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Execution modes
const (
	ModeSequential    = "sequential"
	ModeScatterGather = "scatter"
)

// Store backends
const (
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Ledger backends
const (
	LedgerBadger = "badger"
	LedgerMemory = "memory"
)

// Config is the root configuration of the compaction service.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Compaction CompactionConfig `yaml:"compaction"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig configures the HTTP daemon.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// S3-compatible endpoint settings
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
	PageSize  int    `yaml:"page_size"`

	// Filesystem root for the local backend
	Root string `yaml:"root"`
}

// LedgerConfig configures where run reports are recorded.
type LedgerConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`

	Retention time.Duration `yaml:"retention"`
}

// CompactionConfig holds the orchestration policy.
type CompactionConfig struct {
	Mode             string        `yaml:"mode"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	UnitTimeout      time.Duration `yaml:"unit_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryBackoffRate float64       `yaml:"retry_backoff_rate"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	ScratchDir       string        `yaml:"scratch_dir"`
	ScratchCeilingMB int64         `yaml:"scratch_ceiling_mb"`
	OutputExtension  string        `yaml:"output_extension"`

	// Workers lists remote compaction endpoints. When set, scatter-gather
	// units are dispatched over HTTP instead of running in process.
	Workers []string `yaml:"workers"`
}

// RemoteTimeout bounds one HTTP request to a worker. It outlasts the unit
// timeout so the caller's context, not the client, ends a slow unit.
func (cc CompactionConfig) RemoteTimeout() time.Duration {
	return cc.UnitTimeout + RemoteUnitSlack
}

// ScheduleConfig configures the optional in-process trigger.
// A zero Interval disables it.
type ScheduleConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SourceURI      string        `yaml:"source_uri"`
	DestinationURI string        `yaml:"destination_uri"`
	DateFormat     string        `yaml:"date_format"`
	WindowDays     int           `yaml:"window_days"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Store: StoreConfig{
			Backend: BackendS3,
			Region:  "us-east-1",
		},
		Ledger: LedgerConfig{
			Backend:     LedgerBadger,
			Path:        DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
			Retention:   DefaultLedgerRetention,
		},
		Compaction: CompactionConfig{
			Mode:             ModeSequential,
			MaxConcurrency:   DefaultMaxConcurrency,
			UnitTimeout:      DefaultUnitTimeout,
			RunTimeout:       DefaultRunTimeout,
			RetryInterval:    DefaultRetryInterval,
			RetryBackoffRate: DefaultRetryBackoffRate,
			RetryMaxAttempts: DefaultRetryMaxAttempts,
			ScratchCeilingMB: DefaultScratchCeilingMB,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendS3:
		if c.Store.Endpoint == "" {
			return fmt.Errorf("store.endpoint is required for the s3 backend")
		}
	case BackendLocal:
		if c.Store.Root == "" {
			return fmt.Errorf("store.root is required for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Ledger.Backend {
	case LedgerBadger, LedgerMemory:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	cc := c.Compaction
	switch cc.Mode {
	case ModeSequential, ModeScatterGather:
	default:
		return fmt.Errorf("unknown compaction mode %q", cc.Mode)
	}
	if cc.MaxConcurrency < 1 {
		return fmt.Errorf("compaction.max_concurrency must be at least 1, got %d", cc.MaxConcurrency)
	}
	if cc.UnitTimeout <= 0 || cc.RunTimeout <= 0 {
		return fmt.Errorf("compaction timeouts must be positive")
	}
	if cc.RetryMaxAttempts < 1 {
		return fmt.Errorf("compaction.retry_max_attempts must be at least 1, got %d", cc.RetryMaxAttempts)
	}
	if cc.RetryBackoffRate < 1 {
		return fmt.Errorf("compaction.retry_backoff_rate must be at least 1, got %v", cc.RetryBackoffRate)
	}
	if cc.OutputExtension != "" && !strings.HasPrefix(cc.OutputExtension, ".") {
		return fmt.Errorf("compaction.output_extension must start with '.', got %q", cc.OutputExtension)
	}
	if c.Ledger.Retention < 0 {
		return fmt.Errorf("ledger.retention must not be negative")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must not be negative")
	}
	return nil
}
