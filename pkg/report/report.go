package report

import (
	"fmt"
	"time"

	"github.com/nicktill/tinycompact/pkg/compaction"
)

// CompleteMessage is the body returned when every partition was handled
const CompleteMessage = "Compaction complete!"

// Report is the result of one orchestrated run
type Report struct {
	RunID          string               `json:"run_id"`
	Mode           string               `json:"mode"`
	SourceURI      string               `json:"source_uri"`
	DestinationURI string               `json:"destination_uri"`
	DateFormat     string               `json:"date_format"`
	WindowDays     int                  `json:"window_days"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	Outcomes       []compaction.Outcome `json:"outcomes"`

	Merged      int   `json:"merged"`
	Empty       int   `json:"empty"`
	Failed      int   `json:"failed"`
	MergedBytes int64 `json:"merged_bytes"`
}

// Tally recomputes the counters from Outcomes
func (r *Report) Tally() {
	r.Merged, r.Empty, r.Failed, r.MergedBytes = 0, 0, 0, 0
	for _, out := range r.Outcomes {
		switch out.Status {
		case compaction.StatusMerged:
			r.Merged++
			r.MergedBytes += out.MergedBytes
		case compaction.StatusEmpty:
			r.Empty++
		default:
			r.Failed++
		}
	}
}

// Clean reports whether no partition failed
func (r Report) Clean() bool {
	return r.Failed == 0
}

// Duration is the wall time of the run
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Message summarises the run for logs and the health monitor. Responses
// always carry CompleteMessage instead.
func (r Report) Message() string {
	if r.Clean() {
		return CompleteMessage
	}
	return fmt.Sprintf("Compaction complete with %d of %d partitions failed", r.Failed, len(r.Outcomes))
}

// Summary is a report without its outcome list
type Summary struct {
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Partitions  int       `json:"partitions"`
	Merged      int       `json:"merged"`
	Empty       int       `json:"empty"`
	Failed      int       `json:"failed"`
	MergedBytes int64     `json:"merged_bytes"`
}

// Summarize drops the per-partition outcomes
func (r Report) Summarize() Summary {
	return Summary{
		RunID:       r.RunID,
		Mode:        r.Mode,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Partitions:  len(r.Outcomes),
		Merged:      r.Merged,
		Empty:       r.Empty,
		Failed:      r.Failed,
		MergedBytes: r.MergedBytes,
	}
}
