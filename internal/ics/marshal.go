package ics

import (
	"strings"
	"time"
)

// Marshal renders the document. Events that have changed are stamped with
// now (in the calendar's timezone); untouched events keep their stored
// DTSTAMP, so an unmodified calendar always renders identically.
//
// This is not a general RFC 5545 writer: it emits exactly the properties
// the feed uses, LF-separated, without line folding.
func (c *Calendar) Marshal(now time.Time) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:" + c.cfg.Version,
		"PRODID:" + c.cfg.ProdID,
		"NAME:" + c.cfg.Name,
		"REFRESH-INTERVAL;VALUE=DURATION:" + c.cfg.RefreshInterval,
		"CALSCALE:" + c.cfg.CalScale,

		// Single fixed offset anchored at the epoch; no DST transitions.
		"BEGIN:VTIMEZONE",
		"TZID:" + c.cfg.TZID,
		"BEGIN:STANDARD",
		"DTSTART:19700101T000000",
		"TZOFFSETTO:" + c.cfg.TZOffset,
		"TZOFFSETFROM:" + c.cfg.TZOffset,
		"END:STANDARD",
		"END:VTIMEZONE",
	}

	for _, e := range c.events {
		lines = append(lines, "BEGIN:VEVENT", "UID:"+e.uid)

		if e.changed {
			lines = append(lines, "DTSTAMP:"+c.Stamp(now))
		} else {
			lines = append(lines, "DTSTAMP:"+e.dtstamp)
		}

		lines = append(lines, c.dateProp("DTSTART", e.dtstart))
		if v, ok := e.dtend.Get(); ok {
			lines = append(lines, c.dateProp("DTEND", v))
		}
		if v, ok := e.rrule.Get(); ok {
			lines = append(lines, "RRULE:"+v)
		}
		if v, ok := e.summary.Get(); ok {
			lines = append(lines, "SUMMARY:"+v)
		}
		if v, ok := e.description.Get(); ok {
			lines = append(lines, "DESCRIPTION:"+v)
		}

		lines = append(lines, "END:VEVENT")
	}

	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\n"))
}

// dateProp qualifies a DTSTART/DTEND value: 8-character tokens are dates,
// anything else is a date-time in the calendar's TZID.
func (c *Calendar) dateProp(name, v string) string {
	v = trimUTC(v)
	if isDateOnly(v) {
		return name + ";VALUE=DATE:" + v
	}
	return name + ";TZID=" + c.cfg.TZID + ":" + v
}
