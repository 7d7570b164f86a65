package ics

import "github.com/samber/mo"

// Event is a single VEVENT of the feed.
//
// Every mutable field goes through a checked setter: assigning the value
// already held is a no-op, assigning anything else stores it and marks the
// event changed. The changed flag never resets for the lifetime of the
// value; only the parser produces clean events.
type Event struct {
	uid     string
	dtstamp string
	dtstart string

	dtend       mo.Option[string]
	rrule       mo.Option[string]
	summary     mo.Option[string]
	description mo.Option[string]

	changed bool
}

// NewEvent returns an event that has never been persisted. It starts
// changed so the next save stamps it with the save time.
func NewEvent(uid, dtstamp, dtstart string) *Event {
	return &Event{
		uid:     uid,
		dtstamp: dtstamp,
		dtstart: trimUTC(dtstart),
		changed: true,
	}
}

func (e *Event) UID() string { return e.uid }

// DTStamp returns the stored last-modification stamp. It is not refreshed
// by setters; Calendar.Marshal substitutes the save time for changed events.
func (e *Event) DTStamp() string { return e.dtstamp }

func (e *Event) DTStart() string { return e.dtstart }

func (e *Event) DTEnd() mo.Option[string] { return e.dtend }

func (e *Event) RRule() mo.Option[string] { return e.rrule }

func (e *Event) Summary() mo.Option[string] { return e.summary }

func (e *Event) Description() mo.Option[string] { return e.description }

// HasChanged reports whether any setter modified the event.
func (e *Event) HasChanged() bool { return e.changed }

func (e *Event) SetDTStart(v string) {
	v = trimUTC(v)
	if e.dtstart == v {
		return
	}
	e.dtstart = v
	e.changed = true
}

// SetDTEnd sets the end marker; an empty value removes it.
func (e *Event) SetDTEnd(v string) {
	e.setOption(&e.dtend, trimUTC(v))
}

func (e *Event) SetRRule(v string) {
	e.setOption(&e.rrule, v)
}

func (e *Event) SetSummary(v string) {
	e.setOption(&e.summary, v)
}

func (e *Event) SetDescription(v string) {
	e.setOption(&e.description, v)
}

// setOption treats the empty string as absence, so a present option never
// holds "".
func (e *Event) setOption(field *mo.Option[string], v string) {
	if field.OrEmpty() == v {
		return
	}
	*field = mo.EmptyableToOption(v)
	e.changed = true
}
