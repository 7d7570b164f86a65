package model

import "time"

// Character is one entry of the upstream listing.
type Character struct {
	// ID is derived from Name and stays stable as long as the name does.
	ID   string
	Name string
}

// Detail holds the per-character dates scraped from the detail page.
// Both are absolute instants; callers decompose them in the feed timezone.
type Detail struct {
	Birthday time.Time
	Release  time.Time
}

// Occurrence represents a single concrete instance of a recurring
// birthday event, in the feed's timezone.
type Occurrence struct {
	UID     string
	Summary string

	AllDay bool
	Start  time.Time
}
