package scheduler

import (
	"fmt"
	"time"
)

// Schedule computes the next run strictly after from.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type daily struct {
	hour, minute int
	loc          *time.Location
}

func (d daily) Next(from time.Time) time.Time {
	local := from.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", d.hour, d.minute, d.loc)
}

// DailyAt fires once a day at hour:minute in loc (UTC when loc is nil).
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return daily{hour: hour, minute: minute, loc: loc}
}

type interval time.Duration

func (i interval) Next(from time.Time) time.Time { return from.Add(time.Duration(i)) }

func (i interval) String() string { return fmt.Sprintf("every %v", time.Duration(i)) }

// Every fires at a fixed interval.
func Every(d time.Duration) Schedule {
	return interval(d)
}
