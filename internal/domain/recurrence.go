package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency tags the supported recurrence pattern families.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqEvery   Frequency = "every" // fixed interval in days
	FreqCron    Frequency = "cron"  // standard cron expression
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// RecurrencePattern is the parsed form of a task's opaque recurrence string.
// It is a value object: parsed at creation time for validation and re-parsed
// by the recurring processor on each scan.
//
// Accepted forms:
//
//	daily:
//	weekly:mon,wed,fri
//	monthly:15
//	every:3d
//	cron:0 9 * * 1-5
type RecurrencePattern struct {
	Frequency    Frequency
	Weekdays     map[time.Weekday]bool
	DayOfMonth   int
	IntervalDays int

	schedule cron.Schedule
	raw      string
}

// ParseRecurrence parses and validates an opaque recurrence string.
func ParseRecurrence(s string) (*RecurrencePattern, error) {
	tag, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	p := &RecurrencePattern{raw: s}

	switch Frequency(tag) {
	case FreqDaily:
		p.Frequency = FreqDaily

	case FreqWeekly:
		p.Frequency = FreqWeekly
		p.Weekdays = make(map[time.Weekday]bool)
		for _, name := range strings.Split(arg, ",") {
			wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("weekly pattern: unknown weekday %q", name)
			}
			p.Weekdays[wd] = true
		}
		if len(p.Weekdays) == 0 {
			return nil, fmt.Errorf("weekly pattern: at least one weekday required")
		}

	case FreqMonthly:
		p.Frequency = FreqMonthly
		day, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || day < 1 || day > 31 {
			return nil, fmt.Errorf("monthly pattern: day of month must be 1-31, got %q", arg)
		}
		p.DayOfMonth = day

	case FreqEvery:
		p.Frequency = FreqEvery
		arg = strings.TrimSpace(arg)
		if !strings.HasSuffix(arg, "d") {
			return nil, fmt.Errorf("interval pattern: expected form every:<n>d, got %q", arg)
		}
		n, err := strconv.Atoi(strings.TrimSuffix(arg, "d"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("interval pattern: interval must be a positive day count, got %q", arg)
		}
		p.IntervalDays = n

	case FreqCron:
		p.Frequency = FreqCron
		sched, err := cron.ParseStandard(arg)
		if err != nil {
			return nil, fmt.Errorf("cron pattern %q: %w", arg, err)
		}
		p.schedule = sched

	default:
		return nil, fmt.Errorf("unknown recurrence frequency %q", tag)
	}
	return p, nil
}

// String returns the original opaque form.
func (p *RecurrencePattern) String() string { return p.raw }

// FiresOn reports whether the pattern produces an occurrence on the given
// calendar day (UTC). anchor is the parent task's first due date; it seeds
// interval patterns and bounds every pattern from below.
func (p *RecurrencePattern) FiresOn(day, anchor time.Time) bool {
	d := DateOnly(day)
	if d.Before(DateOnly(anchor)) {
		return false
	}

	switch p.Frequency {
	case FreqDaily:
		return true
	case FreqWeekly:
		return p.Weekdays[d.Weekday()]
	case FreqMonthly:
		if d.Day() == p.DayOfMonth {
			return true
		}
		// Clamp to the last day of short months (e.g. monthly:31 in April).
		lastDay := d.AddDate(0, 0, 1).Day() == 1
		return lastDay && d.Day() < p.DayOfMonth
	case FreqEvery:
		days := int(d.Sub(DateOnly(anchor)).Hours() / 24)
		return days%p.IntervalDays == 0
	case FreqCron:
		next := p.schedule.Next(d.Add(-time.Second))
		return next.Before(d.AddDate(0, 0, 1))
	}
	return false
}

// DueAt combines an occurrence date with the parent's time of day to produce
// the instance's due instant.
func (p *RecurrencePattern) DueAt(occurrence, parentDue time.Time) time.Time {
	pd := parentDue.UTC()
	return DateOnly(occurrence).Add(
		time.Duration(pd.Hour())*time.Hour +
			time.Duration(pd.Minute())*time.Minute +
			time.Duration(pd.Second())*time.Second)
}

// DateOnly truncates an instant to UTC midnight.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
