package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

// FsWatcher abstracts the filesystem notification source so tests can
// inject events without touching the kernel.
type FsWatcher interface {
	Add(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(path string) error         { return f.w.Add(path) }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }

// dirtyKey identifies one record awaiting the debounce flush.
type dirtyKey struct {
	typ  string
	name string
}

// Watch observes the type directories for out-of-band edits and queues
// the affected records as pending changes, as if Save or Delete had
// been called. Events settle for a debounce window before anything is
// queued, so an editor writing in several steps produces one change.
// Blocks until ctx ends; edits still waiting on the debounce are
// flushed before returning.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := s.watcherFactory()
	if err != nil {
		return fmt.Errorf("filestore: starting watcher: %w", err)
	}
	defer watcher.Close()

	for _, typ := range s.types {
		if err := watcher.Add(filepath.Join(s.root, typ)); err != nil {
			return fmt.Errorf("filestore: watching %s directory: %w", typ, err)
		}
	}

	s.logger.Info("watching for local edits",
		slog.String("root", s.root), slog.Int("dirs", len(s.types)))

	dirty := make(map[dirtyKey]bool) // value: record was removed

	timer := time.NewTimer(s.debounce)
	timer.Stop() // idle until the first event
	defer timer.Stop()

	timerActive := false

	for {
		select {
		case <-ctx.Done():
			s.flushDirty(context.WithoutCancel(ctx), dirty)
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if !s.noteEvent(ev, dirty) {
				continue
			}

			// New edit arrived: restart the debounce window.
			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timer.Reset(s.debounce)
			timerActive = true

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			s.logger.Warn("filesystem watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			timerActive = false
			s.flushDirty(ctx, dirty)
		}
	}
}

// noteEvent classifies one fsnotify event into the dirty set. Reports
// whether the debounce timer should restart.
func (s *Store) noteEvent(ev fsnotify.Event, dirty map[dirtyKey]bool) bool {
	// Mode changes are not record edits.
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	typ, name, ok := s.splitRecordPath(ev.Name)
	if !ok {
		return false
	}

	if s.isSelfWrite(ev.Name) {
		return false
	}

	removed := ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	dirty[dirtyKey{typ: typ, name: name}] = removed

	s.logger.Debug("observed local edit",
		slog.String("type", typ), slog.String("record", name), slog.Bool("removed", removed))

	return true
}

// splitRecordPath maps a watched path to its record type and name. Only
// paths of the form <root>/<type>/<name>.json count; partials,
// tombstones, hidden files, and nested paths are ignored.
func (s *Store) splitRecordPath(path string) (typ, name string, ok bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", false
	}

	typ = parts[0]
	base := parts[1]

	if !s.typeSet[typ] || strings.HasPrefix(base, ".") {
		return "", "", false
	}

	name, ok = strings.CutSuffix(base, recordExt)
	if !ok || name == "" {
		return "", "", false
	}

	return typ, norm.NFC.String(name), true
}

// flushDirty queues every settled edit and empties the dirty set. A
// record whose file vanished before the flush queues as a deletion.
func (s *Store) flushDirty(ctx context.Context, dirty map[dirtyKey]bool) {
	for key, removed := range dirty {
		delete(dirty, key)

		change := store.PendingChange{
			Scope:      s.scope,
			RecordID:   zoneid.NewRecordID(key.name, s.zone),
			RecordType: key.typ,
			Kind:       store.ChangeDelete,
		}

		if !removed {
			doc, err := s.readDocument(key.typ, key.name)
			switch {
			case err == nil:
				payload, marshalErr := json.Marshal(doc)
				if marshalErr != nil {
					s.logger.Warn("skipping edited document",
						slog.String("record", key.name), slog.String("error", marshalErr.Error()))
					continue
				}

				change.Kind = store.ChangeSave
				change.Payload = payload

			case errors.Is(err, fs.ErrNotExist):
				// Created and removed within one debounce window: the
				// edit settles as a deletion.

			default:
				s.logger.Warn("skipping unreadable edited document",
					slog.String("record", key.name), slog.String("error", err.Error()))
				continue
			}
		}

		if err := s.queue.Enqueue(ctx, change); err != nil {
			s.logger.Warn("queueing observed edit failed",
				slog.String("record", change.RecordID.String()), slog.String("error", err.Error()))
			continue
		}

		s.logger.Debug("queued observed edit",
			slog.String("record", change.RecordID.String()), slog.String("kind", change.Kind))
	}
}
