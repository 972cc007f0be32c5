package domain

import (
	"time"

	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// Plausible bounds for millisecond timestamps. Values outside them are
// almost always seconds or microseconds passed by mistake.
const (
	MinWindowTimestampMs int64 = 978307200000  // 2001-01-01T00:00:00Z
	MaxWindowTimestampMs int64 = 4102444800000 // 2100-01-01T00:00:00Z
)

// TimeWindow is the half-open interval [Start, End) in epoch milliseconds.
// A nil bound is unbounded on that side.
type TimeWindow struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// NewTimeWindow builds a window from optional bounds.
func NewTimeWindow(start, end *int64) TimeWindow {
	return TimeWindow{Start: start, End: end}
}

// Unbounded reports whether the window admits every timestamp.
func (w TimeWindow) Unbounded() bool {
	return w.Start == nil && w.End == nil
}

// Validate rejects implausible bounds and empty windows.
func (w TimeWindow) Validate() error {
	for _, bound := range []struct {
		name  string
		value *int64
	}{{"time_window_start", w.Start}, {"time_window_end", w.End}} {
		if bound.value == nil {
			continue
		}
		v := *bound.value
		if v < MinWindowTimestampMs || v > MaxWindowTimestampMs {
			return apperrors.Newf(apperrors.ErrCodeTimestampValidation,
				"%s %d is outside [%d, %d]; timestamps must be epoch milliseconds",
				bound.name, v, MinWindowTimestampMs, MaxWindowTimestampMs)
		}
	}
	if w.Start != nil && w.End != nil && *w.Start >= *w.End {
		return apperrors.Newf(apperrors.ErrCodeTimestampValidation,
			"time_window_start %d must be before time_window_end %d", *w.Start, *w.End)
	}
	return nil
}

// Contains reports whether ts falls inside [Start, End).
func (w TimeWindow) Contains(ts int64) bool {
	if w.Start != nil && ts < *w.Start {
		return false
	}
	if w.End != nil && ts >= *w.End {
		return false
	}
	return true
}

// Overlaps reports whether any timestamp in [minTs, maxTs] may fall in
// the window.
func (w TimeWindow) Overlaps(minTs, maxTs int64) bool {
	if w.Start != nil && maxTs < *w.Start {
		return false
	}
	if w.End != nil && minTs >= *w.End {
		return false
	}
	return true
}

// Filter returns the records inside the window, preserving order.
func (w TimeWindow) Filter(records []*Record) []*Record {
	if w.Unbounded() {
		return records
	}
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		if w.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	return out
}

// String renders the window with RFC 3339 bounds.
func (w TimeWindow) String() string {
	format := func(v *int64, open string) string {
		if v == nil {
			return open
		}
		return time.UnixMilli(*v).UTC().Format(time.RFC3339Nano)
	}
	return "[" + format(w.Start, "-inf") + ", " + format(w.End, "+inf") + ")"
}
