package ics

import (
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "birthdaycal/internal/log"
)

type parseState int

const (
	outsideEvent parseState = iota
	insideEvent
)

const (
	beginEvent = "BEGIN:VEVENT"
	endEvent   = "END:VEVENT"
)

// headerRule populates one Config field from a line outside any VEVENT.
type headerRule struct {
	prefix string
	set    func(*Config, string)
}

var headerRules = []headerRule{
	{"VERSION:", func(c *Config, v string) { c.Version = v }},
	{"PRODID:", func(c *Config, v string) { c.ProdID = v }},
	{"NAME:", func(c *Config, v string) { c.Name = v }},
	{"REFRESH-INTERVAL;VALUE=DURATION:", func(c *Config, v string) { c.RefreshInterval = v }},
	{"CALSCALE:", func(c *Config, v string) { c.CalScale = v }},
	{"TZID:", func(c *Config, v string) { c.TZID = v }},
	{"TZOFFSETTO:", func(c *Config, v string) { c.TZOffset = v }},
}

// eventRule populates one Event field from a line inside a VEVENT. When
// params is set the prefix may be followed by ;PARAM=... and the value
// starts after the first colon.
type eventRule struct {
	prefix string
	params bool
	set    func(*Event, string)
}

var eventRules = []eventRule{
	{"UID:", false, func(e *Event, v string) { e.uid = v }},
	{"DTSTAMP:", false, func(e *Event, v string) { e.dtstamp = v }},
	{"DTSTART", true, (*Event).SetDTStart},
	{"DTEND", true, (*Event).SetDTEnd},
	{"RRULE:", false, (*Event).SetRRule},
	{"SUMMARY:", false, (*Event).SetSummary},
	{"DESCRIPTION:", false, (*Event).SetDescription},
}

func (r eventRule) value(line string) string {
	if r.params {
		return line[strings.IndexByte(line, ':')+1:]
	}
	return line[len(r.prefix):]
}

func (r eventRule) match(line string) bool {
	if !strings.HasPrefix(line, r.prefix) {
		return false
	}
	if !r.params {
		return true
	}
	// DTSTART must not swallow e.g. DTSTARTX; only ':' or ';' may follow.
	rest := line[len(r.prefix):]
	return (strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, ";")) && strings.Contains(rest, ":")
}

// Parse rebuilds a Calendar from a document previously produced by
// Marshal. Unknown lines are ignored. An event without UID or DTSTAMP is
// repaired with a random UID or a stamp of now and a warning; an event
// without DTSTART fails with a *ParseError. Missing header properties
// fail with a *ConfigError. Parsed events are clean.
func Parse(data []byte, now time.Time) (*Calendar, error) {
	var (
		cfg     Config
		events  []*Event
		current *Event
		state   = outsideEvent
	)

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")
		lineNo := i + 1

		switch state {
		case outsideEvent:
			if line == beginEvent {
				current = &Event{}
				events = append(events, current)
				state = insideEvent
				continue
			}
			for _, r := range headerRules {
				if strings.HasPrefix(line, r.prefix) {
					r.set(&cfg, line[len(r.prefix):])
					break
				}
			}

		case insideEvent:
			if line == endEvent {
				if err := finishEvent(current, cfg, now, lineNo); err != nil {
					return nil, err
				}
				current = nil
				state = outsideEvent
				continue
			}
			for _, r := range eventRules {
				if r.match(line) {
					r.set(current, r.value(line))
					break
				}
			}
		}
	}

	if state == insideEvent {
		return nil, &ParseError{Line: len(lines), Msg: "unterminated VEVENT"}
	}

	return New(cfg, events...)
}

// finishEvent backfills recoverable fields and marks the event as
// persisted.
func finishEvent(e *Event, cfg Config, now time.Time, lineNo int) error {
	if e.uid == "" {
		e.uid = uuid.NewString()
		appLog.Warn("ics: event without UID, generated one", "line", lineNo, "field", "UID", "uid", e.uid)
	}
	if e.dtstamp == "" {
		loc, err := LoadLocation(cfg.TZID)
		if err != nil {
			loc = time.UTC
		}
		e.dtstamp = Stamp(now, loc)
		appLog.Warn("ics: event without DTSTAMP, using current time", "line", lineNo, "field", "DTSTAMP", "dtstamp", e.dtstamp)
	}
	if e.dtstart == "" {
		return &ParseError{Line: lineNo, Field: "DTSTART", Msg: "not found in event"}
	}
	e.changed = false
	return nil
}
