package partition

import (
	"strconv"
	"strings"
	"time"
)

// Format renders a calendar day as a partition key.
//
// Two pattern styles are accepted:
//   - strftime directives, used when the pattern contains '%' (e.g. "%Y/%m/%d/")
//   - tokens YYYY, YY, MM, DD and DDD (e.g. "YYYY/MM/DD/")
//
// Everything else in the pattern is copied literally.
type Format struct {
	pattern  string
	segments []segment
}

// segment is either a literal or a date field renderer
type segment struct {
	literal string
	field   func(t time.Time) string

	// day is set for fields that tell calendar days apart
	day bool
}

func (s segment) render(t time.Time, b *strings.Builder) {
	if s.field != nil {
		b.WriteString(s.field(t))
		return
	}
	b.WriteString(s.literal)
}

func pad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

var (
	fieldYear      = func(t time.Time) string { return pad(t.Year(), 4) }
	fieldYear2     = func(t time.Time) string { return pad(t.Year()%100, 2) }
	fieldMonth     = func(t time.Time) string { return pad(int(t.Month()), 2) }
	fieldDay       = func(t time.Time) string { return pad(t.Day(), 2) }
	fieldYearDay   = func(t time.Time) string { return pad(t.YearDay(), 3) }
	fieldMonthAbbr = func(t time.Time) string { return t.Format("Jan") }
	fieldMonthName = func(t time.Time) string { return t.Format("January") }
	fieldWeekday   = func(t time.Time) string { return t.Format("Mon") }
	fieldHour      = func(t time.Time) string { return pad(t.Hour(), 2) }
	fieldMinute    = func(t time.Time) string { return pad(t.Minute(), 2) }
	fieldSecond    = func(t time.Time) string { return pad(t.Second(), 2) }
)

var directives = map[byte]func(time.Time) string{
	'Y': fieldYear,
	'y': fieldYear2,
	'm': fieldMonth,
	'd': fieldDay,
	'j': fieldYearDay,
	'b': fieldMonthAbbr,
	'B': fieldMonthName,
	'a': fieldWeekday,
	'H': fieldHour,
	'M': fieldMinute,
	'S': fieldSecond,
}

// ParseFormat compiles a date pattern.
// The pattern must name the day (day of month or day of year) so that every
// day in a window maps to its own key.
func ParseFormat(pattern string) (Format, error) {
	if pattern == "" {
		return Format{}, ErrInvalidFormat.New("empty date format")
	}

	var (
		segments []segment
		err      error
	)
	if strings.Contains(pattern, "%") {
		segments, err = parseStrftime(pattern)
	} else {
		segments = parseTokens(pattern)
	}
	if err != nil {
		return Format{}, err
	}

	if !namesDay(segments) {
		return Format{}, ErrInvalidFormat.New("%q does not contain a day field", pattern)
	}

	return Format{pattern: pattern, segments: segments}, nil
}

func parseStrftime(pattern string) ([]segment, error) {
	var (
		segments []segment
		lit      strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segments = append(segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' {
			lit.WriteByte(c)
			continue
		}
		if i+1 == len(pattern) {
			return nil, ErrInvalidFormat.New("%q: dangling %%", pattern)
		}
		i++
		d := pattern[i]
		if d == '%' {
			lit.WriteByte('%')
			continue
		}
		field, ok := directives[d]
		if !ok {
			return nil, ErrInvalidFormat.New("%q: unsupported directive %%%c", pattern, d)
		}
		flush()
		segments = append(segments, segment{field: field, day: d == 'd' || d == 'j'})
	}
	flush()
	return segments, nil
}

// tokens are matched longest first
var tokens = []struct {
	name  string
	field func(time.Time) string
	day   bool
}{
	{"YYYY", fieldYear, false},
	{"DDD", fieldYearDay, true},
	{"YY", fieldYear2, false},
	{"MM", fieldMonth, false},
	{"DD", fieldDay, true},
}

func parseTokens(pattern string) []segment {
	var (
		segments []segment
		lit      strings.Builder
	)

	for i := 0; i < len(pattern); {
		matched := false
		for _, tok := range tokens {
			if strings.HasPrefix(pattern[i:], tok.name) {
				if lit.Len() > 0 {
					segments = append(segments, segment{literal: lit.String()})
					lit.Reset()
				}
				segments = append(segments, segment{field: tok.field, day: tok.day})
				i += len(tok.name)
				matched = true
				break
			}
		}
		if !matched {
			lit.WriteByte(pattern[i])
			i++
		}
	}
	if lit.Len() > 0 {
		segments = append(segments, segment{literal: lit.String()})
	}
	return segments
}

func namesDay(segments []segment) bool {
	for _, s := range segments {
		if s.day {
			return true
		}
	}
	return false
}

// Apply renders t
func (f Format) Apply(t time.Time) string {
	var b strings.Builder
	for _, s := range f.segments {
		s.render(t, &b)
	}
	return b.String()
}

// String returns the original pattern
func (f Format) String() string {
	return f.pattern
}
