package reconcile

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birthdaycal/internal/ics"
	"birthdaycal/internal/index"
	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/model"
)

const prefix = "zzz-birthday-"

var feedConfig = ics.Config{
	Version:         "2.0",
	ProdID:          "-//Test//Birthdays//ZH",
	Name:            "Birthdays",
	RefreshInterval: "P1D",
	CalScale:        "GREGORIAN",
	TZID:            "Asia/Shanghai",
	TZOffset:        "+0800",
}

var (
	cst      = time.FixedZone("UTC+0800", 8*3600)
	fixedNow = time.Date(2025, 6, 19, 1, 2, 3, 0, time.UTC)
)

type fakeSource struct {
	chars   []model.Character
	details map[string]model.Detail
	failOn  string
	calls   []string
}

func (f *fakeSource) Characters(context.Context) ([]model.Character, error) {
	return f.chars, nil
}

func (f *fakeSource) Detail(_ context.Context, name string) (model.Detail, error) {
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return model.Detail{}, errors.New("upstream unavailable")
	}
	d, ok := f.details[name]
	if !ok {
		return model.Detail{}, errors.New("no detail for " + name)
	}
	return d, nil
}

func aliceSource() *fakeSource {
	return &fakeSource{
		chars: []model.Character{{ID: "abc123", Name: "Alice"}},
		details: map[string]model.Detail{
			"Alice": {
				Birthday: time.Date(2000, 6, 19, 0, 0, 0, 0, cst),
				Release:  time.Date(2025, 1, 1, 0, 0, 0, 0, cst),
			},
		},
	}
}

func newReconciler(src Source, prune bool) *Reconciler {
	return New(src, Options{
		UIDPrefix: prefix,
		Prune:     prune,
		Now:       func() time.Time { return fixedNow },
	})
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })
	return &buf
}

func TestRunNewCharacter(t *testing.T) {
	cal, err := ics.New(feedConfig)
	require.NoError(t, err)
	idx := index.New()

	res, err := newReconciler(aliceSource(), false).Run(context.Background(), cal, idx)
	require.NoError(t, err)

	e := cal.Find(prefix + "abc123")
	require.NotNil(t, e)
	assert.Equal(t, "20250101", e.DTStart())
	assert.Equal(t, "FREQ=YEARLY;BYMONTH=06;BYMONTHDAY=19", e.RRule().OrEmpty())
	assert.Equal(t, "Alice", e.Summary().OrEmpty())
	assert.Equal(t, "20250619T090203Z", e.DTStamp())
	assert.True(t, e.HasChanged())

	assert.True(t, res.SaveCalendar)
	assert.True(t, res.SaveIndex)
	assert.Equal(t, []string{"abc123"}, res.CalendarUpdated)
	assert.Equal(t, []string{"abc123"}, res.IndexUpdated)

	rec, ok := idx.Find("abc123")
	require.True(t, ok)
	assert.Equal(t, index.Record{
		ID:       "abc123",
		Name:     "Alice",
		Birthday: index.Birthday{Month: 6, Day: 19},
		Release:  "2024-12-31T16:00:00.000Z",
	}, rec)
}

func TestRunExistingUnchanged(t *testing.T) {
	cal, err := ics.New(feedConfig)
	require.NoError(t, err)
	idx := index.New()
	rec := newReconciler(aliceSource(), false)

	_, err = rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)

	// Reload from the rendered output so events come back clean.
	cal, err = ics.Parse(cal.Marshal(fixedNow), fixedNow)
	require.NoError(t, err)

	res, err := rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)
	assert.False(t, res.SaveCalendar)
	assert.False(t, res.SaveIndex)
	assert.Empty(t, res.CalendarUpdated)
	assert.Empty(t, res.IndexUpdated)
}

func TestRunExistingReleaseMoved(t *testing.T) {
	src := aliceSource()
	cal, err := ics.New(feedConfig)
	require.NoError(t, err)
	idx := index.New()
	rec := newReconciler(src, false)
	_, err = rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)
	cal, err = ics.Parse(cal.Marshal(fixedNow), fixedNow)
	require.NoError(t, err)

	d := src.details["Alice"]
	d.Release = time.Date(2025, 2, 1, 0, 0, 0, 0, cst)
	src.details["Alice"] = d

	res, err := rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)
	assert.True(t, res.SaveCalendar)
	assert.True(t, res.SaveIndex)
	assert.Equal(t, "20250201", cal.Find(prefix+"abc123").DTStart())

	got, _ := idx.Find("abc123")
	assert.Equal(t, "2025-01-31T16:00:00.000Z", got.Release)
}

func TestRunPrunesUnlistedCharacters(t *testing.T) {
	logBuf := captureLog(t)

	stale := ics.NewEvent(prefix+"zzz999", "20240101T000000Z", "20240101")
	stale.SetSummary("Gone")
	cal, err := ics.New(feedConfig, stale)
	require.NoError(t, err)
	idx := index.New()
	idx.Upsert(index.Record{ID: "zzz999", Name: "Gone"})

	res, err := newReconciler(aliceSource(), true).Run(context.Background(), cal, idx)
	require.NoError(t, err)

	assert.Nil(t, cal.Find(prefix+"zzz999"))
	_, ok := idx.Find("zzz999")
	assert.False(t, ok)
	assert.Equal(t, []string{prefix + "zzz999"}, res.CalendarRemoved)
	assert.Equal(t, []string{"zzz999"}, res.IndexRemoved)
	assert.True(t, res.SaveCalendar)
	assert.True(t, res.SaveIndex)

	out := string(cal.Marshal(fixedNow))
	assert.NotContains(t, out, "zzz999")
	assert.Contains(t, logBuf.String(), "removed from ICS uid="+prefix+"zzz999")
	assert.Contains(t, logBuf.String(), "removed from JSON id=zzz999")
}

func TestRunPruneAloneForcesSave(t *testing.T) {
	cal, err := ics.New(feedConfig)
	require.NoError(t, err)
	idx := index.New()
	rec := newReconciler(aliceSource(), true)
	_, err = rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)

	doc := cal.Marshal(fixedNow)
	doc = bytes.Replace(doc, []byte("END:VCALENDAR"), []byte("BEGIN:VEVENT\nUID:foreign\nDTSTAMP:20240101T000000Z\nDTSTART;VALUE=DATE:20240101\nEND:VEVENT\nEND:VCALENDAR"), 1)
	cal, err = ics.Parse(doc, fixedNow)
	require.NoError(t, err)

	res, err := rec.Run(context.Background(), cal, idx)
	require.NoError(t, err)
	assert.False(t, cal.HasChanges(), "remaining events are clean")
	assert.True(t, res.SaveCalendar, "a removal alone must trigger a save")
	assert.False(t, res.SaveIndex)
}

func TestRunWithoutPruneKeepsUnlisted(t *testing.T) {
	stale := ics.NewEvent(prefix+"zzz999", "20240101T000000Z", "20240101")
	cal, err := ics.New(feedConfig, stale)
	require.NoError(t, err)

	res, err := newReconciler(aliceSource(), false).Run(context.Background(), cal, index.New())
	require.NoError(t, err)
	assert.NotNil(t, cal.Find(prefix+"zzz999"))
	assert.Empty(t, res.CalendarRemoved)
	assert.Equal(t, 2, cal.Len())
}

func TestRunDetailFailureAborts(t *testing.T) {
	src := aliceSource()
	src.chars = append(src.chars, model.Character{ID: "def456", Name: "Bob"})
	src.failOn = "Bob"

	cal, err := ics.New(feedConfig)
	require.NoError(t, err)

	_, err = newReconciler(src, false).Run(context.Background(), cal, index.New())
	assert.ErrorContains(t, err, "upstream unavailable")
	assert.Equal(t, []string{"Alice", "Bob"}, src.calls)
}

func TestRunDelayHonorsCancellation(t *testing.T) {
	src := aliceSource()
	src.chars = append(src.chars, model.Character{ID: "def456", Name: "Bob"})
	cal, err := ics.New(feedConfig)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := New(src, Options{UIDPrefix: prefix, Delay: time.Hour})
	_, err = rec.Run(ctx, cal, index.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"Alice"}, src.calls, "no delay before the first fetch")
}

type recordingPublisher struct {
	names []string
}

func (p *recordingPublisher) Publish(_ context.Context, name string, _ []byte) error {
	p.names = append(p.names, name)
	return nil
}

func newSyncer(t *testing.T, src Source, dir string, pub Publisher) *Syncer {
	t.Helper()
	return NewSyncer(newReconciler(src, true), SyncConfig{
		CalendarPath: filepath.Join(dir, "release.ics"),
		IndexPath:    filepath.Join(dir, "release.json"),
		Defaults:     feedConfig,
		Verify:       true,
		Publisher:    pub,
	})
}

func TestSyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	pub := &recordingPublisher{}
	s := newSyncer(t, aliceSource(), dir, pub)

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.SaveCalendar)
	assert.True(t, res.SaveIndex)
	assert.Equal(t, []string{"release.ics", "release.json"}, pub.names)

	icsBefore, err := os.ReadFile(filepath.Join(dir, "release.ics"))
	require.NoError(t, err)
	jsonBefore, err := os.ReadFile(filepath.Join(dir, "release.json"))
	require.NoError(t, err)
	assert.Contains(t, string(icsBefore), "UID:"+prefix+"abc123")
	assert.Contains(t, string(jsonBefore), `"release": "2024-12-31T16:00:00.000Z"`)

	res, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.SaveCalendar)
	assert.False(t, res.SaveIndex)
	assert.Len(t, pub.names, 2, "nothing republished")

	icsAfter, err := os.ReadFile(filepath.Join(dir, "release.ics"))
	require.NoError(t, err)
	assert.Equal(t, icsBefore, icsAfter)
}

func TestSyncFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	src := aliceSource()
	src.failOn = "Alice"

	_, err := newSyncer(t, src, dir, nil).Sync(context.Background())
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncRejectsCorruptCalendar(t *testing.T) {
	dir := t.TempDir()
	doc := "BEGIN:VCALENDAR\nVERSION:2.0\nBEGIN:VEVENT\nUID:x\nEND:VEVENT\nEND:VCALENDAR"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.ics"), []byte(doc), 0o644))

	src := aliceSource()
	_, err := newSyncer(t, src, dir, nil).Sync(context.Background())
	var perr *ics.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 5, perr.Line)
	assert.Empty(t, src.calls, "nothing fetched after a fatal parse error")
}

func TestSyncDryRun(t *testing.T) {
	dir := t.TempDir()
	s := NewSyncer(newReconciler(aliceSource(), false), SyncConfig{
		CalendarPath: filepath.Join(dir, "release.ics"),
		IndexPath:    filepath.Join(dir, "release.json"),
		Defaults:     feedConfig,
		DryRun:       true,
	})

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.SaveCalendar)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncTimestampsOnlyChangedEvents(t *testing.T) {
	dir := t.TempDir()
	src := aliceSource()
	src.chars = append(src.chars, model.Character{ID: "def456", Name: "Bob"})
	src.details["Bob"] = model.Detail{
		Birthday: time.Date(2000, 3, 1, 0, 0, 0, 0, cst),
		Release:  time.Date(2025, 2, 1, 0, 0, 0, 0, cst),
	}

	now := fixedNow
	s := NewSyncer(New(src, Options{UIDPrefix: prefix, Now: func() time.Time { return now }}), SyncConfig{
		CalendarPath: filepath.Join(dir, "release.ics"),
		IndexPath:    filepath.Join(dir, "release.json"),
		Defaults:     feedConfig,
	})
	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	now = fixedNow.Add(24 * time.Hour)
	d := src.details["Bob"]
	d.Release = time.Date(2025, 3, 1, 0, 0, 0, 0, cst)
	src.details["Bob"] = d

	_, err = s.Sync(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "release.ics"))
	require.NoError(t, err)
	doc := string(data)
	aliceBlock := doc[strings.Index(doc, "UID:"+prefix+"abc123"):strings.Index(doc, "UID:"+prefix+"def456")]
	bobBlock := doc[strings.Index(doc, "UID:"+prefix+"def456"):]
	assert.Contains(t, aliceBlock, "DTSTAMP:20250619T090203Z")
	assert.Contains(t, bobBlock, "DTSTAMP:20250620T090203Z")
	assert.Contains(t, bobBlock, "DTSTART;VALUE=DATE:20250301")
}

func TestRunLogsProgress(t *testing.T) {
	logBuf := captureLog(t)

	cal, err := ics.New(feedConfig)
	require.NoError(t, err)
	_, err = newReconciler(aliceSource(), false).Run(context.Background(), cal, index.New())
	require.NoError(t, err)

	assert.Contains(t, logBuf.String(), `1/1 Update "Alice"(abc123) in ICS`)
	assert.Contains(t, logBuf.String(), `1/1 Update "Alice"(abc123) in JSON`)
}

func TestRunRejectsEmptyListing(t *testing.T) {
	stale := ics.NewEvent(prefix+"abc123", "20240101T000000Z", "20240101")
	cal, err := ics.New(feedConfig, stale)
	require.NoError(t, err)
	idx := index.New()
	idx.Upsert(index.Record{ID: "abc123", Name: "Alice"})

	src := aliceSource()
	src.chars = []model.Character{}

	res, err := newReconciler(src, true).Run(context.Background(), cal, idx)
	require.ErrorIs(t, err, ErrEmptyListing)
	assert.Empty(t, res.CalendarRemoved)
	assert.False(t, res.SaveCalendar)
	assert.Equal(t, 1, cal.Len())
	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, src.calls)
}

func TestSyncEmptyListingKeepsFeed(t *testing.T) {
	dir := t.TempDir()
	src := aliceSource()
	pub := &recordingPublisher{}
	s := newSyncer(t, src, dir, pub)

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	icsBefore, err := os.ReadFile(filepath.Join(dir, "release.ics"))
	require.NoError(t, err)
	jsonBefore, err := os.ReadFile(filepath.Join(dir, "release.json"))
	require.NoError(t, err)

	src.chars = nil
	_, err = s.Sync(context.Background())
	require.ErrorIs(t, err, ErrEmptyListing)

	icsAfter, err := os.ReadFile(filepath.Join(dir, "release.ics"))
	require.NoError(t, err)
	jsonAfter, err := os.ReadFile(filepath.Join(dir, "release.json"))
	require.NoError(t, err)
	assert.Equal(t, icsBefore, icsAfter)
	assert.Equal(t, jsonBefore, jsonAfter)
	assert.Len(t, pub.names, 2, "nothing republished")
}

// flakyPublisher fails the first failures calls, then records uploads.
type flakyPublisher struct {
	failures int
	names    []string
}

func (p *flakyPublisher) Publish(_ context.Context, name string, _ []byte) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("webdav down")
	}
	p.names = append(p.names, name)
	return nil
}

func TestSyncRetriesFailedPublish(t *testing.T) {
	dir := t.TempDir()
	pub := &flakyPublisher{failures: 1}
	s := newSyncer(t, aliceSource(), dir, pub)

	_, err := s.Sync(context.Background())
	require.ErrorContains(t, err, "webdav down")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing written before the upload succeeded")

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.SaveCalendar)
	assert.True(t, res.SaveIndex)
	assert.Equal(t, []string{"release.ics", "release.json"}, pub.names)

	_, err = os.Stat(filepath.Join(dir, "release.ics"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "release.json"))
	assert.NoError(t, err)
}

func TestSyncIndexPublishFailureWritesNeither(t *testing.T) {
	dir := t.TempDir()
	pub := &failOnName{name: "release.json"}
	s := newSyncer(t, aliceSource(), dir, pub)

	_, err := s.Sync(context.Background())
	require.ErrorContains(t, err, "release.json")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failOnName struct {
	name string
}

func (p *failOnName) Publish(_ context.Context, name string, _ []byte) error {
	if name == p.name {
		return errors.New("rejected " + name)
	}
	return nil
}
