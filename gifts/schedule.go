package gifts

import (
	"fmt"
	"time"

	"github.com/warp/progress-engine/core"
)

// =============================================================================
// SCHEDULE EVALUATION
// =============================================================================
//
// Occurrences are numbered from 1. For an interval schedule occurrence n
// falls at anchor + n*every_days (calendar days in the anchor's location);
// the anchor itself only starts the count. A once schedule has a single
// occurrence 1 at At.

// ValidateSchedule checks that s can produce occurrences.
func ValidateSchedule(s core.Schedule) error {
	switch s.Kind {
	case core.ScheduleInterval:
		if s.Anchor.IsZero() {
			return core.Invalid("schedule.anchor", "required for interval schedules")
		}
		if s.EveryDays < 1 {
			return core.Invalid("schedule.every_days", "must be at least 1")
		}
	case core.ScheduleOnce:
		if s.At.IsZero() {
			return core.Invalid("schedule.at", "required for once schedules")
		}
	default:
		return core.Invalid("schedule.kind", fmt.Sprintf("unknown kind %q", s.Kind))
	}
	return nil
}

// OccurrenceAt returns the instant of occurrence seq, or false if the
// schedule has no such occurrence.
func OccurrenceAt(s core.Schedule, seq int) (time.Time, bool) {
	if seq < 1 {
		return time.Time{}, false
	}
	switch s.Kind {
	case core.ScheduleInterval:
		if s.EveryDays < 1 {
			return time.Time{}, false
		}
		return s.Anchor.AddDate(0, 0, seq*s.EveryDays), true
	case core.ScheduleOnce:
		if seq != 1 {
			return time.Time{}, false
		}
		return s.At, true
	}
	return time.Time{}, false
}

// OccurrenceID is the stable identifier recorded for an occurrence.
func OccurrenceID(at time.Time) string {
	return at.UTC().Format(time.RFC3339)
}

// Occurrence is one scheduled firing of a rule.
type Occurrence struct {
	Seq int
	At  time.Time
	ID  string
}

// Due returns the occurrences after watermark whose instant is <= now,
// in order, at most limit of them (limit <= 0 means no bound).
func Due(s core.Schedule, watermark int, now time.Time, limit int) []Occurrence {
	var out []Occurrence
	for seq := watermark + 1; limit <= 0 || len(out) < limit; seq++ {
		at, ok := OccurrenceAt(s, seq)
		if !ok || at.After(now) {
			break
		}
		out = append(out, Occurrence{Seq: seq, At: at, ID: OccurrenceID(at)})
	}
	return out
}

// Next returns the first occurrence after watermark, due or not.
func Next(s core.Schedule, watermark int) (Occurrence, bool) {
	at, ok := OccurrenceAt(s, watermark+1)
	if !ok {
		return Occurrence{}, false
	}
	return Occurrence{Seq: watermark + 1, At: at, ID: OccurrenceID(at)}, true
}
