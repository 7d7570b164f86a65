// Package reconcile applies a freshly fetched character list to the feed
// and to the JSON index.
//
// Characters are processed one at a time, each needing its own detail
// fetch, with a fixed delay between fetches. Any fetch error aborts the
// run; the caller must then persist nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"birthdaycal/internal/ics"
	"birthdaycal/internal/index"
	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/model"
)

// DefaultDelay is the pause between two detail fetches.
const DefaultDelay = 200 * time.Millisecond

// ErrEmptyListing is returned when the source lists no characters. An
// empty listing means the page layout changed or the fetch went wrong,
// never that every character is gone.
var ErrEmptyListing = errors.New("reconcile: source listed no characters")

// Source provides the dataset.
type Source interface {
	Characters(ctx context.Context) ([]model.Character, error)
	Detail(ctx context.Context, name string) (model.Detail, error)
}

// Options tune a Reconciler.
type Options struct {
	// UIDPrefix is prepended to a character ID to form its event UID.
	UIDPrefix string

	// Delay between detail fetches. Zero disables it.
	Delay time.Duration

	// Prune removes events and index records whose character is no
	// longer listed, so the feed follows the listing exactly.
	Prune bool

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Result describes what a run changed. ID lists hold character IDs for
// updates and event UIDs / record IDs for removals.
type Result struct {
	Total int

	CalendarUpdated []string
	IndexUpdated    []string

	CalendarRemoved []string
	IndexRemoved    []string

	// SaveCalendar is true when any event changed or was removed.
	SaveCalendar bool
	// SaveIndex is true when any record was added, updated or removed.
	SaveIndex bool
}

// Reconciler drives one pass of the dataset over a calendar and an index.
type Reconciler struct {
	src  Source
	opts Options
}

func New(src Source, opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{src: src, opts: opts}
}

// Run reconciles cal and idx against the current listing. On error both
// may have been partially modified and must be discarded.
func (r *Reconciler) Run(ctx context.Context, cal *ics.Calendar, idx *index.Index) (Result, error) {
	var res Result

	chars, err := r.src.Characters(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: list characters: %w", err)
	}
	res.Total = len(chars)
	appLog.Info("reconcile: total characters", "count", len(chars))
	if len(chars) == 0 {
		return res, ErrEmptyListing
	}

	if r.opts.Prune {
		r.prune(chars, cal, idx, &res)
	}

	for i, ch := range chars {
		if i > 0 && r.opts.Delay > 0 {
			if err := sleep(ctx, r.opts.Delay); err != nil {
				return res, err
			}
		}

		detail, err := r.src.Detail(ctx, ch.Name)
		if err != nil {
			return res, fmt.Errorf("reconcile: detail of %q: %w", ch.Name, err)
		}


		updated, err := r.applyEvent(cal, ch, detail)
		if err != nil {
			return res, err
		}
		if updated {
			appLog.Info(progressLine(i+1, len(chars), ch, "ICS"))
			res.CalendarUpdated = append(res.CalendarUpdated, ch.ID)
		}

		if idx.Upsert(r.indexRecord(cal, ch, detail)) {
			appLog.Info(progressLine(i+1, len(chars), ch, "JSON"))
			res.IndexUpdated = append(res.IndexUpdated, ch.ID)
		}
	}

	res.SaveCalendar = cal.HasChanges() || len(res.CalendarRemoved) > 0
	res.SaveIndex = len(res.IndexUpdated) > 0 || len(res.IndexRemoved) > 0
	return res, nil
}

// applyEvent finds or creates the character's event and assigns its
// fields. It reports whether this call left a clean event changed or
// created one.
func (r *Reconciler) applyEvent(cal *ics.Calendar, ch model.Character, d model.Detail) (bool, error) {
	loc := cal.Location()
	rule, err := ics.YearlyRule(ics.Month(d.Birthday, loc), ics.Day(d.Birthday, loc))
	if err != nil {
		return false, fmt.Errorf("reconcile: %q: %w", ch.Name, err)
	}
	dtstart := cal.DateToken(d.Release)

	uid := r.opts.UIDPrefix + ch.ID
	e := cal.Find(uid)
	created := false
	if e == nil {
		e = ics.NewEvent(uid, cal.Stamp(r.opts.Now()), dtstart)
		cal.Add(e)
		created = true
	}
	wasChanged := e.HasChanged()

	e.SetDTStart(dtstart)
	e.SetRRule(rule)
	e.SetSummary(ch.Name)

	return created || (!wasChanged && e.HasChanged()), nil
}

func (r *Reconciler) indexRecord(cal *ics.Calendar, ch model.Character, d model.Detail) index.Record {
	loc := cal.Location()
	return index.Record{
		ID:   ch.ID,
		Name: ch.Name,
		Birthday: index.Birthday{
			Month: ics.Month(d.Birthday, loc),
			Day:   ics.Day(d.Birthday, loc),
		},
		Release: index.ReleaseString(d.Release),
	}
}

func (r *Reconciler) prune(chars []model.Character, cal *ics.Calendar, idx *index.Index, res *Result) {
	listed := make(map[string]struct{}, len(chars))
	uids := make(map[string]struct{}, len(chars))
	for _, ch := range chars {
		listed[ch.ID] = struct{}{}
		uids[r.opts.UIDPrefix+ch.ID] = struct{}{}
	}

	for _, e := range cal.Remove(func(e *ics.Event) bool {
		_, ok := uids[e.UID()]
		return !ok
	}) {
		appLog.Info("reconcile: removed from ICS", "uid", e.UID(), "summary", e.Summary().OrEmpty())
		res.CalendarRemoved = append(res.CalendarRemoved, e.UID())
	}

	for _, rec := range idx.Remove(func(rec index.Record) bool {
		_, ok := listed[rec.ID]
		return !ok
	}) {
		appLog.Info("reconcile: removed from JSON", "id", rec.ID, "name", rec.Name)
		res.IndexRemoved = append(res.IndexRemoved, rec.ID)
	}
}

// progressLine renders e.g. `3/40 Update "Alice"(abc123) in ICS`.
func progressLine(n, total int, ch model.Character, target string) string {
	return fmt.Sprintf("%d/%d Update %q(%s) in %s", n, total, ch.Name, ch.ID, target)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
