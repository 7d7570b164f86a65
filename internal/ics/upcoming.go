package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/model"
)

// YearlyRule builds the recurrence rule for a birthday and checks that it
// parses as an RRULE.
func YearlyRule(month, day int) (string, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", fmt.Errorf("ics: invalid birthday %02d-%02d", month, day)
	}
	s := fmt.Sprintf("FREQ=YEARLY;BYMONTH=%02d;BYMONTHDAY=%02d", month, day)
	if _, err := rrule.StrToRRule(s); err != nil {
		return "", fmt.Errorf("ics: rrule %q: %w", s, err)
	}
	return s, nil
}

// Upcoming expands every recurring event into its occurrences in
// [from, to], converted to the calendar's timezone and sorted by start.
// Events without RRULE contribute their single start if it falls in range.
// Events whose rule or start cannot be read are logged and skipped.
func (c *Calendar) Upcoming(from, to time.Time) ([]model.Occurrence, error) {
	if to.Before(from) {
		return nil, errors.New("ics: upcoming: range end is before range start")
	}

	out := make([]model.Occurrence, 0)
	for _, e := range c.events {
		start, err := parseToken(e.dtstart, c.loc)
		if err != nil {
			appLog.Error("ics: upcoming: bad DTSTART", err, "uid", e.uid, "dtstart", e.dtstart)
			continue
		}
		allDay := isDateOnly(e.dtstart)

		raw, ok := e.rrule.Get()
		if !ok {
			if !start.Before(from) && !start.After(to) {
				out = append(out, c.occurrence(e, start, allDay))
			}
			continue
		}

		r, err := rrule.StrToRRule(raw)
		if err != nil {
			appLog.Error("ics: upcoming: failed to parse RRULE", err, "uid", e.uid, "rrule", raw)
			continue
		}
		r.DTStart(start)

		for _, t := range r.Between(from.In(c.loc), to.In(c.loc), true) {
			out = append(out, c.occurrence(e, t, allDay))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (c *Calendar) occurrence(e *Event, start time.Time, allDay bool) model.Occurrence {
	return model.Occurrence{
		UID:     e.uid,
		Summary: e.summary.OrEmpty(),
		AllDay:  allDay,
		Start:   start.In(c.loc),
	}
}

// Within expands occurrences from the start of now's civil day, in the
// calendar's timezone, through the given number of days. Starting at
// midnight keeps today's all-day birthdays in range.
func (c *Calendar) Within(now time.Time, days int) (from, to time.Time, occs []model.Occurrence, err error) {
	if days < 0 {
		return from, to, nil, fmt.Errorf("ics: upcoming: negative day count %d", days)
	}
	n := now.In(c.loc)
	from = time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, c.loc)
	to = from.AddDate(0, 0, days)
	occs, err = c.Upcoming(from, to)
	return from, to, occs, err
}
