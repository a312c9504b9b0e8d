package scheduler

import (
	"time"

	"lunchbot/internal/envelope"
)

// nextOccurrence returns the occurrence of sch relevant at now.
//
// OneTime returns its absolute time even if it has passed. Recurring
// schedules return the earliest occurrence not before now, using the clock
// (and for Weekday, the weekday) of sch.Time in loc.
func nextOccurrence(sch envelope.Schedule, now time.Time, loc *time.Location) time.Time {
	if sch.Type == envelope.OneTime {
		return sch.Time
	}
	now = now.In(loc)
	ref := sch.Time.In(loc)
	y, m, d := now.Date()

	switch sch.Type {
	case envelope.Daily:
		t := time.Date(y, m, d, ref.Hour(), ref.Minute(), 0, 0, loc)
		if t.Before(now) {
			t = time.Date(y, m, d+1, ref.Hour(), ref.Minute(), 0, 0, loc)
		}
		return t
	case envelope.Weekday:
		delta := (int(ref.Weekday()) - int(now.Weekday()) + 7) % 7
		t := time.Date(y, m, d+delta, ref.Hour(), ref.Minute(), 0, 0, loc)
		if t.Before(now) {
			t = time.Date(y, m, d+delta+7, ref.Hour(), ref.Minute(), 0, 0, loc)
		}
		return t
	case envelope.OneTime:
	}
	return sch.Time
}

// inWindow reports whether occ lies in (now, now+lead].
func inWindow(occ, now time.Time, lead time.Duration) bool {
	return occ.After(now) && occ.Sub(now) <= lead
}
