package ics

import (
	"bytes"
	"errors"
	"fmt"

	ical "github.com/arran4/golang-ical"
)

// Report summarizes a document as seen by an independent RFC 5545 parser.
type Report struct {
	Events int
	UIDs   []string
}

// Verify re-reads a rendered document with golang-ical and checks that
// every VEVENT carries a unique UID and a DTSTART. It catches output that
// our own line parser would accept but calendar clients would not.
func Verify(data []byte) (Report, error) {
	var rep Report
	if len(data) == 0 {
		return rep, errors.New("ics: verify: empty document")
	}

	// Marshal output has no final line break.
	if !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data[:len(data):len(data)], '\n')
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return rep, fmt.Errorf("ics: verify: %w", err)
	}

	seen := make(map[string]struct{})
	for i, ev := range cal.Events() {
		uidProp := ev.GetProperty(ical.ComponentPropertyUniqueId)
		if uidProp == nil || uidProp.Value == "" {
			return rep, fmt.Errorf("ics: verify: event %d: missing UID", i+1)
		}
		uid := uidProp.Value
		if _, dup := seen[uid]; dup {
			return rep, fmt.Errorf("ics: verify: duplicate UID %q", uid)
		}
		seen[uid] = struct{}{}

		if p := ev.GetProperty(ical.ComponentPropertyDtStart); p == nil || p.Value == "" {
			return rep, fmt.Errorf("ics: verify: event %q: missing DTSTART", uid)
		}
		rep.UIDs = append(rep.UIDs, uid)
	}
	rep.Events = len(rep.UIDs)
	return rep, nil
}
