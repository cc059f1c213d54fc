// Package filestore provides a file-backed Syncable: one JSON document
// per record, laid out as <root>/<type>/<name>.json. It is the reference
// local collection for the sync engine; applications with their own
// storage implement zonesync.Syncable directly and can treat this
// package as a worked example.
//
// Local mutations go through Save and Delete, which rewrite the files
// and queue durable pending changes for the next push. An optional
// Watch loop picks up out-of-band edits with fsnotify and queues those
// too.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/plivesey/zonesync"
	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

const (
	recordExt       = ".json"
	tombstoneSuffix = ".tombstone"
	partialSuffix   = ".partial"

	dirPerm  = 0o755
	filePerm = 0o644

	// staleClaimTimeout bounds how long an inflight claim survives a
	// crash before the next push reclaims it.
	staleClaimTimeout = 5 * time.Minute

	// selfWriteWindow is how long the watcher treats a path written by
	// this process as its own echo rather than an out-of-band edit.
	selfWriteWindow = 2 * time.Second

	defaultDebounce = 500 * time.Millisecond
)

// PendingQueue is the durable mutation ledger behind Save and Delete.
// Satisfied by *store.Store.
type PendingQueue interface {
	Enqueue(ctx context.Context, c store.PendingChange) error
	ListPending(ctx context.Context, scope zoneid.Scope) ([]store.PendingChange, error)
	MarkInflight(ctx context.Context, ids []int64) ([]int64, error)
	Clear(ctx context.Context, ids []int64) error
	Release(ctx context.Context, ids []int64, errMsg string) error
	ReclaimStale(ctx context.Context, timeout time.Duration) (int, error)
}

// Config holds the options for New.
type Config struct {
	// Root is the directory holding one subdirectory per record type.
	// Created if absent.
	Root string

	Scope zoneid.Scope
	Zone  zoneid.Zone

	// RecordTypes lists the record types this store owns, in apply
	// order. Each becomes a subdirectory of Root.
	RecordTypes []string

	Queue  PendingQueue // satisfied by *store.Store
	Logger *slog.Logger

	// AllowMetered is passed through to the push options when this
	// store drains its pending changes.
	AllowMetered bool

	// Debounce is the quiet window the watcher waits before queueing
	// observed edits. Zero means 500ms.
	Debounce time.Duration
}

// Store keeps one remote zone's records as JSON files on disk.
type Store struct {
	root         string
	scope        zoneid.Scope
	zone         zoneid.Zone
	types        []string
	typeSet      map[string]bool
	queue        PendingQueue
	logger       *slog.Logger
	allowMetered bool
	debounce     time.Duration

	// watcherFactory is swapped in tests to inject events.
	watcherFactory func() (FsWatcher, error)

	mu         sync.Mutex
	selfWrites map[string]time.Time
}

// New validates the configuration and creates the type directories.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("filestore: Root is required")
	}

	if !cfg.Scope.Valid() {
		return nil, fmt.Errorf("filestore: invalid scope %d", int(cfg.Scope))
	}

	if cfg.Zone.IsZero() {
		return nil, errors.New("filestore: Zone is required")
	}

	if len(cfg.RecordTypes) == 0 {
		return nil, errors.New("filestore: at least one record type is required")
	}

	if cfg.Queue == nil {
		return nil, errors.New("filestore: Queue is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	s := &Store{
		root:           cfg.Root,
		scope:          cfg.Scope,
		zone:           cfg.Zone,
		typeSet:        make(map[string]bool, len(cfg.RecordTypes)),
		queue:          cfg.Queue,
		logger:         logger,
		allowMetered:   cfg.AllowMetered,
		debounce:       debounce,
		watcherFactory: newFsnotifyWatcher,
		selfWrites:     make(map[string]time.Time),
	}

	for _, typ := range cfg.RecordTypes {
		typ = norm.NFC.String(typ)
		if !validName(typ) {
			return nil, fmt.Errorf("filestore: invalid record type %q", typ)
		}

		if s.typeSet[typ] {
			return nil, fmt.Errorf("filestore: duplicate record type %q", typ)
		}

		s.typeSet[typ] = true
		s.types = append(s.types, typ)
	}

	for _, typ := range s.types {
		if err := os.MkdirAll(filepath.Join(cfg.Root, typ), dirPerm); err != nil {
			return nil, fmt.Errorf("filestore: creating %s directory: %w", typ, err)
		}
	}

	return s, nil
}

var _ zonesync.Syncable = (*Store)(nil)

// Zone returns the remote zone this store mirrors.
func (s *Store) Zone() zoneid.Zone { return s.zone }

// RecordTypes lists the store's record types in apply order.
func (s *Store) RecordTypes() []string { return slices.Clone(s.types) }

// ApplyRecord writes a fetched record to disk. Re-applying the same
// record rewrites the same document, so delivery duplicates are
// harmless. A tombstone left by a local delete is dropped: the arriving
// server copy supersedes it, while any queued deletion still pushes.
func (s *Store) ApplyRecord(ctx context.Context, rec remote.Record) error {
	if !s.typeSet[rec.Type] {
		return fmt.Errorf("filestore: record %s has unregistered type %q", rec.ID, rec.Type)
	}

	if !validName(rec.ID.Name) {
		return fmt.Errorf("filestore: record name %q is not usable as a file name", rec.ID.Name)
	}

	doc := document{Fields: rec.Fields, ChangeTag: rec.ChangeTag, ModifiedAt: rec.ModifiedAt}
	if err := s.writeDocument(rec.Type, rec.ID.Name, doc); err != nil {
		return err
	}

	s.removeTombstone(rec.Type, rec.ID.Name)

	s.logger.Debug("applied record",
		slog.String("record", rec.ID.String()), slog.String("type", rec.Type))

	return nil
}

// DeleteRecord removes a record's document wherever it lives. The wire
// deletion does not carry the record type, so every type directory is
// checked. Deleting an absent record is a no-op.
func (s *Store) DeleteRecord(ctx context.Context, id zoneid.RecordID) error {
	if !validName(id.Name) {
		return nil
	}

	for _, typ := range s.types {
		path := s.recordPath(typ, id.Name)
		s.markSelfWrite(path)

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("filestore: deleting %s: %w", id, err)
		}

		s.removeTombstone(typ, id.Name)
	}

	s.logger.Debug("deleted record", slog.String("record", id.String()))

	return nil
}

// Save writes a local mutation and queues it for the next push. An
// existing document keeps its change tag so the server can detect
// conflicting writes. A change already queued for the same record is
// replaced.
func (s *Store) Save(ctx context.Context, typ, name string, fields map[string]any) error {
	typ = norm.NFC.String(typ)
	name = norm.NFC.String(name)

	if !s.typeSet[typ] {
		return fmt.Errorf("filestore: unregistered record type %q", typ)
	}

	if !validName(name) {
		return fmt.Errorf("filestore: record name %q is not usable as a file name", name)
	}

	doc, err := s.readDocument(typ, name)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		doc = &document{}
	default:
		// An unreadable existing document loses its change tag; the
		// push becomes a tagless save.
		s.logger.Warn("existing document unreadable, overwriting",
			slog.String("record", name), slog.String("error", err.Error()))
		doc = &document{}
	}

	doc.Fields = fields
	doc.ModifiedAt = time.Now().UTC()

	if err := s.writeDocument(typ, name, *doc); err != nil {
		return err
	}

	s.removeTombstone(typ, name)

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("filestore: encoding pending save for %s: %w", name, err)
	}

	change := store.PendingChange{
		Scope:      s.scope,
		RecordID:   zoneid.NewRecordID(name, s.zone),
		RecordType: typ,
		Kind:       store.ChangeSave,
		Payload:    payload,
	}
	if err := s.queue.Enqueue(ctx, change); err != nil {
		return fmt.Errorf("filestore: queueing save for %s: %w", name, err)
	}

	return nil
}

// Delete removes a record locally and queues the deletion for the next
// push. The document survives as a tombstone until CleanUp drops it
// after the push is confirmed. Deleting an absent record still queues
// the deletion: the server copy may exist even when the local file does
// not.
func (s *Store) Delete(ctx context.Context, typ, name string) error {
	typ = norm.NFC.String(typ)
	name = norm.NFC.String(name)

	if !s.typeSet[typ] {
		return fmt.Errorf("filestore: unregistered record type %q", typ)
	}

	if !validName(name) {
		return fmt.Errorf("filestore: record name %q is not usable as a file name", name)
	}

	live := s.recordPath(typ, name)
	s.markSelfWrite(live)

	if err := os.Rename(live, s.tombstonePath(typ, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: tombstoning %s: %w", name, err)
	}

	change := store.PendingChange{
		Scope:      s.scope,
		RecordID:   zoneid.NewRecordID(name, s.zone),
		RecordType: typ,
		Kind:       store.ChangeDelete,
	}
	if err := s.queue.Enqueue(ctx, change); err != nil {
		return fmt.Errorf("filestore: queueing delete for %s: %w", name, err)
	}

	return nil
}

// PushPendingChanges drains this store's queued mutations through p.
// Claims are durable: a crash mid-push leaves rows inflight, and the
// next call reclaims them before listing. On failure every claimed row
// returns to pending with the error recorded; on success they are
// cleared.
func (s *Store) PushPendingChanges(ctx context.Context, p zonesync.Pusher) error {
	if _, err := s.queue.ReclaimStale(ctx, staleClaimTimeout); err != nil {
		return fmt.Errorf("filestore: reclaiming stale claims: %w", err)
	}

	pending, err := s.queue.ListPending(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("filestore: listing pending changes: %w", err)
	}

	// The queue is shared per scope; other stores drain their own rows.
	mine := make([]store.PendingChange, 0, len(pending))
	ids := make([]int64, 0, len(pending))

	for _, c := range pending {
		if c.RecordID.Zone != s.zone || !s.typeSet[c.RecordType] {
			continue
		}

		mine = append(mine, c)
		ids = append(ids, c.ID)
	}

	if len(mine) == 0 {
		return nil
	}

	claimed, err := s.queue.MarkInflight(ctx, ids)
	if err != nil {
		return fmt.Errorf("filestore: claiming pending changes: %w", err)
	}

	claimedSet := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}

	var (
		saves   []remote.Record
		deletes []zoneid.RecordID
		pushIDs []int64
		poison  []int64
	)

	for _, c := range mine {
		if !claimedSet[c.ID] {
			// Replaced or claimed elsewhere between list and mark.
			continue
		}

		switch c.Kind {
		case store.ChangeDelete:
			deletes = append(deletes, c.RecordID)
			pushIDs = append(pushIDs, c.ID)

		case store.ChangeSave:
			var doc document
			if err := json.Unmarshal(c.Payload, &doc); err != nil {
				// A payload this process wrote and cannot decode will
				// never push. Drop it rather than wedge the queue.
				s.logger.Warn("dropping undecodable pending save",
					slog.String("record", c.RecordID.String()),
					slog.String("error", err.Error()))
				poison = append(poison, c.ID)
				continue
			}

			saves = append(saves, remote.Record{
				ID:         c.RecordID,
				Type:       c.RecordType,
				Fields:     doc.Fields,
				ChangeTag:  doc.ChangeTag,
				ModifiedAt: doc.ModifiedAt,
			})
			pushIDs = append(pushIDs, c.ID)

		default:
			s.logger.Warn("dropping pending change of unknown kind",
				slog.String("record", c.RecordID.String()), slog.String("kind", c.Kind))
			poison = append(poison, c.ID)
		}
	}

	if len(poison) > 0 {
		if err := s.queue.Clear(ctx, poison); err != nil {
			return fmt.Errorf("filestore: clearing undecodable changes: %w", err)
		}
	}

	if len(pushIDs) == 0 {
		return nil
	}

	opts := zonesync.PushOptions{AllowMetered: s.allowMetered}
	if err := p.SyncRecords(ctx, saves, deletes, opts); err != nil {
		if relErr := s.queue.Release(ctx, pushIDs, err.Error()); relErr != nil {
			s.logger.Warn("releasing failed push claims", slog.String("error", relErr.Error()))
		}

		return fmt.Errorf("filestore: pushing %d changes: %w", len(pushIDs), err)
	}

	if err := s.queue.Clear(ctx, pushIDs); err != nil {
		return fmt.Errorf("filestore: clearing pushed changes: %w", err)
	}

	s.logger.Info("pushed pending changes",
		slog.Int("saves", len(saves)), slog.Int("deletes", len(deletes)))

	return nil
}

// CleanUp drops tombstones whose deletion is no longer queued, meaning
// a push confirmed it or a later Save superseded it. Tombstones with a
// still-pending delete are kept.
func (s *Store) CleanUp(ctx context.Context) error {
	pending, err := s.queue.ListPending(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("filestore: listing pending changes: %w", err)
	}

	queued := make(map[zoneid.RecordID]bool)

	for _, c := range pending {
		if c.Kind == store.ChangeDelete && c.RecordID.Zone == s.zone {
			queued[c.RecordID] = true
		}
	}

	removed := 0

	for _, typ := range s.types {
		entries, err := os.ReadDir(filepath.Join(s.root, typ))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("filestore: reading %s directory: %w", typ, err)
		}

		for _, entry := range entries {
			name, ok := strings.CutSuffix(entry.Name(), recordExt+tombstoneSuffix)
			if !ok || entry.IsDir() {
				continue
			}

			if queued[zoneid.NewRecordID(name, s.zone)] {
				continue
			}

			path := filepath.Join(s.root, typ, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("filestore: removing tombstone %s: %w", entry.Name(), err)
			}

			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("dropped confirmed tombstones", slog.Int("count", removed))
	}

	return nil
}

// document is the on-disk JSON form of one record. The change tag rides
// along so a later Save hands the server back its conflict cookie.
type document struct {
	Fields     map[string]any `json:"fields"`
	ChangeTag  string         `json:"change_tag,omitempty"`
	ModifiedAt time.Time      `json:"modified_at,omitzero"`
}

func (s *Store) recordPath(typ, name string) string {
	return filepath.Join(s.root, typ, name+recordExt)
}

func (s *Store) tombstonePath(typ, name string) string {
	return s.recordPath(typ, name) + tombstoneSuffix
}

// writeDocument writes atomically: encode to a partial file, then
// rename over the target.
func (s *Store) writeDocument(typ, name string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encoding %s: %w", name, err)
	}

	target := s.recordPath(typ, name)
	partial := target + partialSuffix

	s.markSelfWrite(target)

	if err := os.WriteFile(partial, data, filePerm); err != nil {
		return fmt.Errorf("filestore: writing %s: %w", name, err)
	}

	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return fmt.Errorf("filestore: replacing %s: %w", name, err)
	}

	return nil
}

func (s *Store) readDocument(typ, name string) (*document, error) {
	data, err := os.ReadFile(s.recordPath(typ, name))
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", name, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("filestore: decoding %s: %w", name, err)
	}

	return &doc, nil
}

func (s *Store) removeTombstone(typ, name string) {
	os.Remove(s.tombstonePath(typ, name))
}

// markSelfWrite records that this process is about to touch path, so
// the watcher can tell its own writes from out-of-band edits.
func (s *Store) markSelfWrite(path string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for p, t := range s.selfWrites {
		if now.Sub(t) > selfWriteWindow {
			delete(s.selfWrites, p)
		}
	}

	s.selfWrites[path] = now
}

// isSelfWrite reports whether path was written by this process within
// the suppression window.
func (s *Store) isSelfWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.selfWrites[path]

	return ok && time.Since(t) <= selfWriteWindow
}

// validName rejects names that would escape the store's directory
// layout when used as a path component.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}

	return !strings.ContainsAny(name, `/\`)
}
