package budget

import "time"

// Period is a budget accounting window
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Bounds returns [start, end) of the period containing t, in t's location
func (p Period) Bounds(t time.Time) (time.Time, time.Time) {
	switch p {
	case Daily:
		start := startOfDay(t)
		return start, start.AddDate(0, 0, 1)
	default:
		start := startOfMonth(t)
		return start, start.AddDate(0, 1, 0)
	}
}

// Helper functions for time periods
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)
