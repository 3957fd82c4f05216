package config

import (
	"fmt"
	"time"
)

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the clock time on the calendar day of day, in day's location.
func (c Clock) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// TradeWindow returns the start and end of the strategy's trade window for
// the day of now, in loc. A window whose end is not after its start spans
// midnight: it is the one that started yesterday while now is before its
// end, and the one ending tomorrow otherwise.
func (s StrategyConfig) TradeWindow(now time.Time, loc *time.Location) (start, end time.Time, err error) {
	startClock, err := ParseClock(s.TradeStartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endClock, err := ParseClock(s.TradeEndTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	today := now.In(loc)
	start = startClock.On(today)
	end = endClock.On(today)
	if !end.After(start) {
		// Before this morning's end, now is still inside the window that
		// started yesterday.
		if today.Before(end) {
			return start.AddDate(0, 0, -1), end, nil
		}
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// IsWithinTradeWindow reports whether now falls inside the window.
// Inclusive start, exclusive end.
func (s StrategyConfig) IsWithinTradeWindow(now time.Time, loc *time.Location) bool {
	start, end, err := s.TradeWindow(now, loc)
	if err != nil {
		return false
	}
	return !now.Before(start) && now.Before(end)
}
