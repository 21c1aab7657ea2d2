// Package quota computes the weekly contribution windows used to cap how many
// things a user may report.
package quota

import "time"

// DefaultLimit is the number of things a user may create per week.
const DefaultLimit = 5

// keyLayout is the day-granularity format of a window key.
const keyLayout = "2006-01-02"

// Window is one Monday 00:00 to next Monday 00:00 period in a reference location.
type Window struct {
	Start time.Time
	End   time.Time
}

// Key returns the day-granularity identifier of the window (its Monday).
func (w Window) Key() string {
	return w.Start.Format(keyLayout)
}

// Contains reports whether t falls inside the window. Start is inclusive, End exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Last returns the final instant of the window at second granularity (Sunday 23:59:59).
func (w Window) Last() time.Time {
	return w.End.Add(-time.Second)
}

// WindowAt returns the window containing t, with week boundaries evaluated in loc.
// A nil loc means UTC.
func WindowAt(t time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7 // days since Monday
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return Window{
		Start: start,
		End:   time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, loc),
	}
}

// KeyAt is shorthand for WindowAt(t, loc).Key().
func KeyAt(t time.Time, loc *time.Location) string {
	return WindowAt(t, loc).Key()
}

// ParseKey returns the window identified by key in loc.
func ParseKey(key string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(keyLayout, key, loc)
	if err != nil {
		return Window{}, err
	}
	return WindowAt(day, loc), nil
}
