package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"birthdaycal/internal/ics"
	"birthdaycal/internal/index"
	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/store"
)

// Publisher receives every file right after it was saved locally.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte) error
}

// SyncConfig wires a Syncer.
type SyncConfig struct {
	// CalendarPath and IndexPath are the persisted artifacts.
	CalendarPath string
	IndexPath    string

	// Defaults describes the feed created when no calendar exists yet.
	Defaults ics.Config

	// Verify re-reads the rendered feed with an independent parser
	// before it is written.
	Verify bool

	// DryRun reconciles and reports but never writes or publishes.
	DryRun bool

	// Publisher is optional.
	Publisher Publisher
}

// Syncer runs a complete load, reconcile and save cycle. Cycles are
// serialized; a Syncer is safe to trigger from a scheduler.
type Syncer struct {
	mu  sync.Mutex
	rec *Reconciler
	cfg SyncConfig
	now func() time.Time
}

func NewSyncer(rec *Reconciler, cfg SyncConfig) *Syncer {
	return &Syncer{rec: rec, cfg: cfg, now: rec.opts.Now}
}

// Sync loads both artifacts, reconciles them and persists each one only
// if it needs saving. Files are published before they are written
// locally; nothing is written when reconciliation or publishing fails.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.loadCalendar()
	if err != nil {
		return Result{}, err
	}
	idx, err := s.loadIndex()
	if err != nil {
		return Result{}, err
	}

	res, err := s.rec.Run(ctx, cal, idx)
	if err != nil {
		return res, err
	}

	if s.cfg.DryRun {
		appLog.Info("dry run: nothing written",
			"save_ics", res.SaveCalendar,
			"save_json", res.SaveIndex,
			"ics_updated", len(res.CalendarUpdated),
			"json_updated", len(res.IndexUpdated),
		)
		return res, nil
	}

	var out []artifact
	if res.SaveCalendar {
		data := cal.Marshal(s.now())
		if s.cfg.Verify {
			rep, err := ics.Verify(data)
			if err != nil {
				return res, err
			}
			appLog.Debug("ics verified", "events", rep.Events)
		}
		out = append(out, artifact{path: s.cfg.CalendarPath, data: data, kind: "ICS", count: cal.Len()})
	}
	if res.SaveIndex {
		data, err := idx.Marshal()
		if err != nil {
			return res, err
		}
		out = append(out, artifact{path: s.cfg.IndexPath, data: data, kind: "JSON", count: idx.Len()})
	}

	// Upload before touching local files. A failed upload leaves the
	// previous files on disk, so the next cycle finds the same changes
	// and uploads them again.
	if err := s.publish(ctx, out); err != nil {
		return res, err
	}
	for _, a := range out {
		if err := store.WriteFile(a.path, a.data); err != nil {
			return res, fmt.Errorf("write %s: %w", a.path, err)
		}
		appLog.Info(a.kind+" saved", "path", a.path, "entries", a.count)
	}

	if !res.SaveCalendar && !res.SaveIndex {
		appLog.Info("no need to save")
	}
	return res, nil
}

func (s *Syncer) loadCalendar() (*ics.Calendar, error) {
	data, ok, err := store.ReadIfExists(s.cfg.CalendarPath)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	if !ok {
		appLog.Info("no calendar found, starting fresh", "path", s.cfg.CalendarPath)
		return ics.New(s.cfg.Defaults)
	}
	cal, err := ics.Parse(data, s.now())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.cfg.CalendarPath, err)
	}
	return cal, nil
}

func (s *Syncer) loadIndex() (*index.Index, error) {
	data, ok, err := store.ReadIfExists(s.cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if !ok {
		appLog.Info("no index found, starting fresh", "path", s.cfg.IndexPath)
		return index.New(), nil
	}
	idx, err := index.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.cfg.IndexPath, err)
	}
	return idx, nil
}

// artifact is one rendered file waiting to be persisted.
type artifact struct {
	path  string
	data  []byte
	kind  string
	count int
}

func (s *Syncer) publish(ctx context.Context, out []artifact) error {
	if s.cfg.Publisher == nil {
		return nil
	}
	for _, a := range out {
		name := filepath.Base(a.path)
		if err := s.cfg.Publisher.Publish(ctx, name, a.data); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	}
	return nil
}
