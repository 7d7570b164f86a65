package ics

import (
	"fmt"
	"time"
)

// Config carries the feed-level properties of a Calendar. All fields are
// required.
type Config struct {
	Version         string `yaml:"version" json:"version"`
	ProdID          string `yaml:"prod_id" json:"prod_id"`
	Name            string `yaml:"name" json:"name"`
	RefreshInterval string `yaml:"refresh_interval" json:"refresh_interval"`
	CalScale        string `yaml:"cal_scale" json:"cal_scale"`
	TZID            string `yaml:"tzid" json:"tzid"`
	TZOffset        string `yaml:"tzoffset" json:"tzoffset"`
}

// ConfigError reports a required feed property that was never set.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ics: %s is required", e.Field)
}

// ParseError reports a persisted document that cannot be reconstructed.
// Line is 1-based.
type ParseError struct {
	Line  int
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ics: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("ics: line %d: %s: %s", e.Line, e.Field, e.Msg)
}

// Validate returns a *ConfigError naming the first missing field.
func (c Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"version", c.Version},
		{"prodId", c.ProdID},
		{"name", c.Name},
		{"refreshInterval", c.RefreshInterval},
		{"calScale", c.CalScale},
		{"tzid", c.TZID},
		{"tzoffset", c.TZOffset},
	}
	for _, f := range required {
		if f.value == "" {
			return &ConfigError{Field: f.name}
		}
	}
	return nil
}

// Calendar is the in-memory feed: header properties plus an ordered list
// of events.
type Calendar struct {
	cfg    Config
	loc    *time.Location
	events []*Event
}

// New validates cfg, resolves its timezone and returns a Calendar holding
// events in the given order.
func New(cfg Config, events ...*Event) (*Calendar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := LoadLocation(cfg.TZID)
	if err != nil {
		return nil, fmt.Errorf("ics: load timezone %q: %w", cfg.TZID, err)
	}
	return &Calendar{
		cfg:    cfg,
		loc:    loc,
		events: append([]*Event(nil), events...),
	}, nil
}

func (c *Calendar) Config() Config { return c.cfg }

func (c *Calendar) Location() *time.Location { return c.loc }

// Events returns the events in document order. The slice is a copy; the
// events are not.
func (c *Calendar) Events() []*Event {
	return append([]*Event(nil), c.events...)
}

func (c *Calendar) Len() int { return len(c.events) }

// Find returns the event with the given UID, or nil.
func (c *Calendar) Find(uid string) *Event {
	for _, e := range c.events {
		if e.uid == uid {
			return e
		}
	}
	return nil
}

// Add appends e to the document.
func (c *Calendar) Add(e *Event) {
	c.events = append(c.events, e)
}

// Remove deletes every event for which drop returns true and returns them
// in document order.
func (c *Calendar) Remove(drop func(*Event) bool) []*Event {
	var removed []*Event
	kept := c.events[:0]
	for _, e := range c.events {
		if drop(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.events); i++ {
		c.events[i] = nil
	}
	c.events = kept
	return removed
}

// HasChanges reports whether any event was modified since it was loaded.
func (c *Calendar) HasChanges() bool {
	for _, e := range c.events {
		if e.changed {
			return true
		}
	}
	return false
}

// Stamp renders t in the calendar's timezone.
func (c *Calendar) Stamp(t time.Time) string {
	return Stamp(t, c.loc)
}

// DateToken renders the civil date of t in the calendar's timezone.
func (c *Calendar) DateToken(t time.Time) string {
	return DateToken(t, c.loc)
}
