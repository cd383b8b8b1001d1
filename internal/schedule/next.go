// Package schedule turns the stored recurrence rule into trigger instants and
// starts discovery runs when they come due.
package schedule

import (
	"fmt"
	"time"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// NextTrigger returns the first trigger strictly after now, in UTC and
// truncated to the minute.
func NextTrigger(cfg discovery.CronConfig, now time.Time) (time.Time, error) {
	if err := cfg.Validate(); err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	if cfg.Frequency == discovery.FrequencyHourly {
		return now.Truncate(time.Hour).Add(time.Hour), nil
	}
	hour, minute, err := cfg.Clock()
	if err != nil {
		return time.Time{}, err
	}
	at := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
	}
	today := discovery.DayOf(now)

	switch cfg.Frequency {
	case discovery.FrequencyDaily:
		next := at(today)
		if !next.After(now) {
			next = at(today.AddDate(0, 0, 1))
		}
		return next, nil
	case discovery.FrequencyWeekly:
		// The earliest configured weekday on or after today's, wrapping into
		// next week. A slot that already passed today rolls a whole week.
		weekday := int(today.Weekday())
		offset := -1
		for _, d := range cfg.Days {
			delta := d - weekday
			if delta < 0 {
				delta += 7
			}
			if offset < 0 || delta < offset {
				offset = delta
			}
		}
		if offset >= 0 {
			next := at(today.AddDate(0, 0, offset))
			if !next.After(now) {
				next = next.AddDate(0, 0, 7)
			}
			return next, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no trigger found for %+v", discovery.ErrInvalidCron, cfg)
}
