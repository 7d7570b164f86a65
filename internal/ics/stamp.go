package ics

import (
	"strings"
	"time"
)

const (
	stampLayout = "20060102T150405"
	dateLayout  = "20060102"
)

// LoadLocation resolves an IANA timezone identifier. An empty identifier
// resolves to UTC; the host's local zone is never consulted.
func LoadLocation(tzid string) (*time.Location, error) {
	if tzid == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tzid)
}

func civil(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}

// Year returns the civil year of t as observed in loc (UTC when nil).
func Year(t time.Time, loc *time.Location) int {
	return civil(t, loc).Year()
}

// Month returns the civil month (1-12) of t as observed in loc.
func Month(t time.Time, loc *time.Location) int {
	return int(civil(t, loc).Month())
}

// Day returns the civil day of month (1-31) of t as observed in loc.
func Day(t time.Time, loc *time.Location) int {
	return civil(t, loc).Day()
}

// Stamp renders t as YYYYMMDDTHHMMSSZ in loc. The trailing Z is a literal
// marker carried over from the feed's historical format; the digits are
// local to loc, not UTC.
func Stamp(t time.Time, loc *time.Location) string {
	return civil(t, loc).Format(stampLayout) + "Z"
}

// DateToken renders the civil date of t in loc as YYYYMMDD.
func DateToken(t time.Time, loc *time.Location) string {
	return civil(t, loc).Format(dateLayout)
}

// trimUTC drops a single trailing Z from a date or date-time token.
func trimUTC(v string) string {
	return strings.TrimSuffix(v, "Z")
}

// isDateOnly reports whether a normalized token is a bare YYYYMMDD date.
func isDateOnly(v string) bool {
	return len(v) == len(dateLayout)
}

// parseToken reads a normalized DTSTART/DTEND token as a wall-clock time in loc.
func parseToken(v string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if isDateOnly(v) {
		return time.ParseInLocation(dateLayout, v, loc)
	}
	return time.ParseInLocation(stampLayout, trimUTC(v), loc)
}
