package partition

import (
	"iter"
	"time"

	"github.com/zeebo/errs"

	"github.com/nicktill/tinycompact/pkg/storage"
)

var (
	// Error is the default partition errs class.
	Error = errs.Class("partition")

	// ErrInvalidWindow is returned for negative window lengths.
	ErrInvalidWindow = errs.Class("invalid window")

	// ErrInvalidFormat is returned for date patterns that cannot be rendered.
	ErrInvalidFormat = errs.Class("invalid format")
)

// Partition is one day's worth of source objects and where to put the result
type Partition struct {
	DateKey string           `json:"date_key"`
	Source  storage.Location `json:"source"`
	Dest    storage.Location `json:"dest"`
}

// Partitioner expands a trailing window of days into partitions
type Partitioner struct {
	now func() time.Time
}

// New creates a partitioner reading the current time from now.
// A nil clock uses time.Now.
func New(now func() time.Time) *Partitioner {
	if now == nil {
		now = time.Now
	}
	return &Partitioner{now: now}
}

// Generate returns the partitions for the windowDays calendar days starting
// windowDays ago, oldest first. Today is not included.
//
// All validation happens here, before any I/O. The returned sequence is
// lazy and can be iterated more than once with identical results; the clock
// is read once per Generate call.
func (p *Partitioner) Generate(windowDays int, dateFormat, sourceBase, destBase string) (iter.Seq[Partition], error) {
	if windowDays < 0 {
		return nil, ErrInvalidWindow.New("window must be >= 0 days, got %d", windowDays)
	}

	format, err := ParseFormat(dateFormat)
	if err != nil {
		return nil, err
	}

	src, err := storage.ParseURI(sourceBase)
	if err != nil {
		return nil, err
	}
	dest, err := storage.ParseURI(destBase)
	if err != nil {
		return nil, err
	}

	start := p.now().AddDate(0, 0, -windowDays)

	return func(yield func(Partition) bool) {
		for i := 0; i < windowDays; i++ {
			key := format.Apply(start.AddDate(0, 0, i))
			part := Partition{
				DateKey: key,
				Source:  src.Append(key),
				Dest:    dest.Append(key),
			}
			if !yield(part) {
				return
			}
		}
	}, nil
}

// IsFatal reports whether err is a configuration error that must abort a run
// before any partition is dispatched
func IsFatal(err error) bool {
	return ErrInvalidWindow.Has(err) || ErrInvalidFormat.Has(err) || storage.ErrInvalidLocation.Has(err)
}
