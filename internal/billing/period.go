package billing

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// WeekWindow is a Monday-Friday billing window. Start and End are calendar
// dates at midnight in the billing timezone; End is inclusive.
type WeekWindow struct {
	Start time.Time `json:"week_start"`
	End   time.Time `json:"week_end"`
}

// PreviousWeek returns the billing window for the week before now, evaluated
// in loc. On Sunday that is the Monday six days back; on any other day it is
// the Monday weekday+6 days back.
func PreviousWeek(now time.Time, loc *time.Location) WeekWindow {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	back := int(today.Weekday()) + 6
	if today.Weekday() == time.Sunday {
		back = 6
	}

	start := today.AddDate(0, 0, -back)
	return WeekWindow{Start: start, End: start.AddDate(0, 0, 4)}
}

// WindowFor builds the window that starts on the given Monday
func WindowFor(monday time.Time, loc *time.Location) (WeekWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := monday.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if start.Weekday() != time.Monday {
		return WeekWindow{}, fmt.Errorf("week start %s is a %s, not a Monday", start.Format(dateLayout), start.Weekday())
	}
	return WeekWindow{Start: start, End: start.AddDate(0, 0, 4)}, nil
}

// EndOfDay is the last second of the window (Friday 23:59:59)
func (w WeekWindow) EndOfDay() time.Time {
	return w.End.Add(24*time.Hour - time.Second)
}

// Contains reports whether t falls inside the window
func (w WeekWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.EndOfDay())
}

// StartDate returns the first day as a date-only value for storage
func (w WeekWindow) StartDate() time.Time {
	return time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), 0, 0, 0, 0, time.UTC)
}

// EndDate returns the last day as a date-only value for storage
func (w WeekWindow) EndDate() time.Time {
	return time.Date(w.End.Year(), w.End.Month(), w.End.Day(), 0, 0, 0, 0, time.UTC)
}

func (w WeekWindow) String() string {
	return w.Start.Format(dateLayout) + ".." + w.End.Format(dateLayout)
}

// IsWeekday reports whether t is Monday-Friday in loc
func IsWeekday(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	switch t.In(loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}
