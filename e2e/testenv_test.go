// Package e2e runs the whole stack together: the sync engine, the
// SQLite-backed store, and the remote client talking over real HTTP to
// the in-process record-store simulator. Every test is hermetic; nothing
// here needs credentials or a network.
package e2e

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plivesey/zonesync"
	"github.com/plivesey/zonesync/internal/zonesim"
	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

// testLogWriter adapts testing.T to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger returns an slog.Logger at Debug level that writes to t.Log,
// so the full request traffic appears in test output with -v.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// applyLog records the order fetched changes landed across every
// collection in a test, so cross-zone application order can be asserted.
type applyLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *applyLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
}

func (l *applyLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.entries)
}

func (l *applyLog) count(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e == entry {
			n++
		}
	}

	return n
}

// memCollection is one zone's local half: an in-memory record table plus
// queues of unpushed mutations, the shape a database-backed Syncable
// would have.
type memCollection struct {
	zone  zoneid.Zone
	types []string
	log   *applyLog

	mu             sync.Mutex
	records        map[zoneid.RecordID]remote.Record
	pendingSaves   []remote.Record
	pendingDeletes []zoneid.RecordID
}

var _ zonesync.Syncable = (*memCollection)(nil)

func newCollection(zone string, recordTypes ...string) *memCollection {
	return &memCollection{
		zone:    zoneid.NewZone(zone),
		types:   recordTypes,
		records: make(map[zoneid.RecordID]remote.Record),
	}
}

func (c *memCollection) Zone() zoneid.Zone     { return c.zone }
func (c *memCollection) RecordTypes() []string { return c.types }

func (c *memCollection) ApplyRecord(_ context.Context, rec remote.Record) error {
	c.mu.Lock()
	c.records[rec.ID] = rec
	c.mu.Unlock()

	if c.log != nil {
		c.log.add("apply:" + rec.ID.Name)
	}

	return nil
}

func (c *memCollection) DeleteRecord(_ context.Context, id zoneid.RecordID) error {
	c.mu.Lock()
	delete(c.records, id)
	c.mu.Unlock()

	if c.log != nil {
		c.log.add("delete:" + id.Name)
	}

	return nil
}

func (c *memCollection) PushPendingChanges(ctx context.Context, p zonesync.Pusher) error {
	c.mu.Lock()
	saves := slices.Clone(c.pendingSaves)
	deletes := slices.Clone(c.pendingDeletes)
	c.mu.Unlock()

	if len(saves) == 0 && len(deletes) == 0 {
		return nil
	}

	if err := p.SyncRecords(ctx, saves, deletes, zonesync.PushOptions{}); err != nil {
		return err
	}

	c.mu.Lock()
	c.pendingSaves = c.pendingSaves[len(saves):]
	c.pendingDeletes = c.pendingDeletes[len(deletes):]
	c.mu.Unlock()

	return nil
}

func (c *memCollection) CleanUp(context.Context) error { return nil }

// rec builds a record of the collection's first declared type, addressed
// in its zone.
func (c *memCollection) rec(name string, fields map[string]any) remote.Record {
	return remote.Record{
		ID:     zoneid.NewRecordID(name, c.zone),
		Type:   c.types[0],
		Fields: fields,
	}
}

func (c *memCollection) queueSave(recs ...remote.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingSaves = append(c.pendingSaves, recs...)
}

func (c *memCollection) queueDelete(ids ...zoneid.RecordID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingDeletes = append(c.pendingDeletes, ids...)
}

func (c *memCollection) record(name string) (remote.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[zoneid.NewRecordID(name, c.zone)]

	return rec, ok
}

func (c *memCollection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.records)
}

func (c *memCollection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pendingSaves) + len(c.pendingDeletes)
}

// testEnv wires a simulator, an HTTP server in front of it, a SQLite
// store in a temp directory, and a client pointed at the server.
type testEnv struct {
	t      *testing.T
	logger *slog.Logger
	sim    *zonesim.Server
	srv    *httptest.Server
	store  *store.Store
	client *remote.Client
}

func newTestEnv(t *testing.T, opts zonesim.Options) *testEnv {
	t.Helper()

	logger := testLogger(t)

	if opts.Logger == nil {
		opts.Logger = logger
	}
	sim := zonesim.New(opts)

	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := remote.NewClient(srv.URL, srv.Client(), remote.StaticTokenSource("e2e-token"), logger)

	return &testEnv{t: t, logger: logger, sim: sim, srv: srv, store: st, client: client}
}

// engineConfig returns a private-scope config wired to the env's client
// and store. The retry policy is millisecond-scale so recovery paths run
// at test speed.
func (te *testEnv) engineConfig() *zonesync.EngineConfig {
	return &zonesync.EngineConfig{
		Scope:         zoneid.ScopePrivate,
		Fetcher:       te.client,
		Modifier:      te.client,
		Zones:         te.client,
		Subscriptions: te.client,
		Operations:    te.client,
		Settings:      te.store,
		Tickets:       te.store,
		Policy: zonesync.RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			Multiplier:     2,
		},
		Logger: te.logger,
	}
}

// startEngine builds an engine from cfg, registers the collections in
// order, and runs the startup sequence. Close runs via t.Cleanup.
func (te *testEnv) startEngine(cfg *zonesync.EngineConfig, collections ...*memCollection) *zonesync.Engine {
	te.t.Helper()

	eng, err := zonesync.NewEngine(cfg)
	require.NoError(te.t, err)
	te.t.Cleanup(func() { _ = eng.Close() })

	for _, c := range collections {
		require.NoError(te.t, eng.Register(c))
	}

	require.NoError(te.t, eng.Start(context.Background()))

	return eng
}
