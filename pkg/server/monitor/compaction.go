package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinycompact/pkg/report"
)

// MaxConsecutiveFailures is the number of failed runs tolerated before the
// service reports itself degraded.
const MaxConsecutiveFailures = 3

// CompactionMonitor tracks run health. A run counts as failed when any of its
// partitions failed or it could not start at all.
type CompactionMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastRunID         string
	consecutiveErrors int
	lastError         string
	runs              int
}

// RecordRun records a finished run.
func (cm *CompactionMonitor) RecordRun(r report.Report) {
	if r.Clean() {
		cm.recordSuccess(r.RunID, r.FinishedAt)
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.runs++
	cm.lastAttempt = r.FinishedAt
	cm.lastRunID = r.RunID
	cm.consecutiveErrors++
	cm.lastError = r.Message()
}

// RecordFailure records a run that was rejected before any partition ran.
func (cm *CompactionMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.runs++
	cm.lastAttempt = time.Now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

func (cm *CompactionMonitor) recordSuccess(runID string, at time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	cm.runs++
	cm.lastSuccess = at
	cm.lastAttempt = at
	cm.lastRunID = runID
	cm.consecutiveErrors = 0
	cm.lastError = ""
}

// IsHealthy returns false after more than MaxConsecutiveFailures failed runs
// in a row. A service that has not run yet is healthy.
func (cm *CompactionMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthy()
}

func (cm *CompactionMonitor) healthy() bool {
	return cm.consecutiveErrors <= MaxConsecutiveFailures
}

// CompactionStatus is the compaction section of the health response.
type CompactionStatus struct {
	Healthy           bool   `json:"healthy"`
	Runs              int    `json:"runs"`
	LastRunID         string `json:"last_run_id,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current compaction status for health checks.
func (cm *CompactionMonitor) Status() CompactionStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CompactionStatus{
		Healthy:   cm.healthy(),
		Runs:      cm.runs,
		LastRunID: cm.lastRunID,
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(cm.lastSuccess).Round(time.Second).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
