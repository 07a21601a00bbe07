package services

import (
	"fmt"
	"time"
)

// TimeOfDay is a validated wall-clock "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay accepts exactly two-digit hours 00-23 and minutes 00-59.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, okH := twoDigits(s[0], s[1])
	m, okM := twoDigits(s[3], s[4])
	if !okH || !okM || h > 23 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

// NextOccurrence returns the smallest instant strictly after reference whose wall clock in loc
// reads timeOfDay. Days are stepped in loc's calendar, so DST shifts are honoured: a time that
// falls in a spring-forward gap is skipped to the next day that has it, and a repeated
// fall-back time resolves to its earliest instant after reference.
func NextOccurrence(timeOfDay string, reference time.Time, loc *time.Location) (time.Time, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return tod.next(reference, loc), nil
}

func (t TimeOfDay) next(reference time.Time, loc *time.Location) time.Time {
	ref := reference.In(loc)
	y, mo, d := ref.Date()

	// A gap can swallow at most one day's occurrence, so a handful of days always suffices.
	for i := 0; i < 4; i++ {
		if best, ok := t.earliestOn(y, mo, d+i, reference, loc); ok {
			return best
		}
	}
	// Unreachable for real zone data.
	return ref.Add(24 * time.Hour)
}

// earliestOn finds the earliest instant on the given local date (normalized by time.Date)
// that reads t in loc and lies after reference.
func (t TimeOfDay) earliestOn(y int, mo time.Month, d int, reference time.Time, loc *time.Location) (time.Time, bool) {
	day := time.Date(y, mo, d, 12, 0, 0, 0, loc)
	wy, wm, wd := day.Date()

	base := time.Date(wy, wm, wd, t.Hour, t.Minute, 0, 0, loc)
	var (
		best  time.Time
		found bool
	)
	// time.Date picks one side of an ambiguous or missing wall time; probe both neighbours.
	for _, c := range []time.Time{base.Add(-time.Hour), base, base.Add(time.Hour)} {
		lc := c.In(loc)
		cy, cm, cd := lc.Date()
		if cy != wy || cm != wm || cd != wd || lc.Hour() != t.Hour || lc.Minute() != t.Minute {
			continue
		}
		if !c.After(reference) {
			continue
		}
		if !found || c.Before(best) {
			best, found = c, true
		}
	}
	return best, found
}
