// Package index maintains the JSON side file that mirrors the feed for
// consumers that do not read iCalendar.
package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a persisted index cannot be decoded.
var ErrMalformed = errors.New("index: malformed file")

// releaseLayout matches JavaScript's Date.prototype.toISOString, which
// is what earlier index files were written with.
const releaseLayout = "2006-01-02T15:04:05.000Z"

type Birthday struct {
	Month int `json:"month"`
	Day   int `json:"day"`
}

// Record is one entry of the index. Field order is the on-disk order.
type Record struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Birthday Birthday `json:"birthday"`
	Release  string   `json:"release"`
}

// Index is the ordered record set.
type Index struct {
	records []*Record
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Parse decodes a persisted index. Empty input yields an empty index.
func Parse(data []byte) (*Index, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, r := range records {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("%w: record %d has no id", ErrMalformed, i)
		}
	}
	return &Index{records: records}, nil
}

// ReleaseString renders an instant the way the index stores it.
func ReleaseString(t time.Time) string {
	return t.UTC().Format(releaseLayout)
}

func (x *Index) Len() int { return len(x.records) }

// Records returns copies of the records in order.
func (x *Index) Records() []Record {
	out := make([]Record, 0, len(x.records))
	for _, r := range x.records {
		out = append(out, *r)
	}
	return out
}

// Find returns a copy of the record with the given id.
func (x *Index) Find(id string) (Record, bool) {
	if r := x.find(id); r != nil {
		return *r, true
	}
	return Record{}, false
}

func (x *Index) find(id string) *Record {
	for _, r := range x.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Upsert appends rec when its id is unknown; otherwise it copies the
// birthday and release over the stored record field by field. The stored
// name is left alone. It reports whether anything was written.
func (x *Index) Upsert(rec Record) bool {
	cur := x.find(rec.ID)
	if cur == nil {
		r := rec
		x.records = append(x.records, &r)
		return true
	}

	changed := false
	if cur.Birthday.Month != rec.Birthday.Month {
		cur.Birthday.Month = rec.Birthday.Month
		changed = true
	}
	if cur.Birthday.Day != rec.Birthday.Day {
		cur.Birthday.Day = rec.Birthday.Day
		changed = true
	}
	if cur.Release != rec.Release {
		cur.Release = rec.Release
		changed = true
	}
	return changed
}

// Remove deletes every record for which drop returns true and returns
// them in order.
func (x *Index) Remove(drop func(Record) bool) []Record {
	var removed []Record
	kept := x.records[:0]
	for _, r := range x.records {
		if drop(*r) {
			removed = append(removed, *r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(x.records); i++ {
		x.records[i] = nil
	}
	x.records = kept
	return removed
}

// Marshal renders the index as a four-space indented JSON array.
func (x *Index) Marshal() ([]byte, error) {
	records := x.records
	if records == nil {
		records = []*Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("index: marshal: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
