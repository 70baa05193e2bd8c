// Package calendar holds the date arithmetic shared by the accrual engine.
// All dates are civil dates in the engine's operating timezone.
package calendar

import (
	"time"

	"cloud.google.com/go/civil"
)

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(now.In(loc))
}

// Weekday of a civil date.
func Weekday(d civil.Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}

// Later returns the later of two dates.
func Later(a, b civil.Date) civil.Date {
	if a.After(b) {
		return a
	}
	return b
}

// Days360 counts days between two dates on the US 30/360 basis.
func Days360(from, to civil.Date) int {
	d1, d2 := from.Day, to.Day
	if d1 == 31 {
		d1 = 30
	}
	if d2 == 31 && d1 >= 30 {
		d2 = 30
	}
	return (to.Year-from.Year)*360 + (int(to.Month)-int(from.Month))*30 + (d2 - d1)
}

// Calendar decides which dates the scheduler processes.
type Calendar struct {
	businessDaysOnly bool
	holidays         map[civil.Date]struct{}
}

// New builds a calendar. With businessDaysOnly, weekends and the given holidays are skipped.
func New(businessDaysOnly bool, holidays []civil.Date) Calendar {
	c := Calendar{businessDaysOnly: businessDaysOnly, holidays: make(map[civil.Date]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h] = struct{}{}
	}
	return c
}

// IsProcessingDay reports whether the scheduler runs a batch for d.
func (c Calendar) IsProcessingDay(d civil.Date) bool {
	if !c.businessDaysOnly {
		return true
	}
	switch Weekday(d) {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d]
	return !holiday
}

// DaysBetween lists the processing days in (after, through], oldest first.
// A zero after yields only through, when it is a processing day.
func (c Calendar) DaysBetween(after, through civil.Date) []civil.Date {
	if after.IsZero() {
		after = through.AddDays(-1)
	}
	var days []civil.Date
	for d := after.AddDays(1); !d.After(through); d = d.AddDays(1) {
		if c.IsProcessingDay(d) {
			days = append(days, d)
		}
	}
	return days
}
