// Package zonesim implements an in-memory server speaking the zone
// record-store wire protocol. It backs development and end-to-end tests:
// the sync engine talks to it over real HTTP exactly as it would to a
// production store, while tests reach around the protocol to seed
// records, inject faults, and inspect what the engine wrote.
//
// All state lives in memory under one lock. Change tokens are
// "epoch:cursor" pairs; expiring a token bumps the matching epoch, so
// only holders of the stale feed are forced to refetch while every other
// feed keeps its progress. Authorization headers are accepted but not
// checked.
package zonesim

import (
	"cmp"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/zoneid"
)

// defaultBatchLimit mirrors the modify batch cap production stores
// enforce.
const defaultBatchLimit = 300

// Options configures a Server. The zero value is a working store with
// production-like limits.
type Options struct {
	// Logger receives request and fault logging. nil uses slog.Default.
	Logger *slog.Logger

	// BatchLimit caps save+delete items per modify batch. Values below
	// one mean 300.
	BatchLimit int

	// DatabasePageSize caps zones per database change-feed page. Zero
	// serves every change in one page.
	DatabasePageSize int

	// CheckpointEvery inserts an interim token event into a zone's
	// change stream after every N record events. Zero disables
	// checkpoints.
	CheckpointEvery int

	// Latency delays every response.
	Latency time.Duration
}

// Server is the in-memory store. It implements http.Handler; mount it on
// any listener, or hand it straight to httptest. Safe for concurrent
// use.
type Server struct {
	logger *slog.Logger
	mux    *http.ServeMux

	mu        sync.Mutex
	scopes    map[zoneid.Scope]*scopeState
	ops       map[string]*operation
	listeners map[zoneid.Scope]map[*listener]bool

	batchLimit      int
	pageSize        int
	checkpointEvery int
	latency         time.Duration

	throttleLeft  int
	throttleAfter time.Duration
	zoneFailures  map[zoneFailureKey]string

	stats Stats

	now func() time.Time
}

// operation records a decided modify batch for idempotent replay and the
// status probe.
type operation struct {
	state string
	fail  *errorEnvelope
}

type zoneFailureKey struct {
	scope zoneid.Scope
	zone  zoneid.Zone
}

// Stats counts what the simulator served. Snapshot via Server.Stats.
type Stats struct {
	// DatabaseFetches is the number of database change-feed requests
	// served, throttled ones excluded.
	DatabaseFetches int64
	// ZoneFetches is the number of zone change-stream requests served.
	ZoneFetches int64
	// ModifyBatches is the number of modify batches applied. Rejected
	// batches and idempotent replays do not count.
	ModifyBatches int64
	// ThrottledRequests is the number of requests rejected by
	// ThrottleNext.
	ThrottledRequests int64
	// Notifications is the number of pings delivered to websocket
	// listeners.
	Notifications int64
}

// New creates a store serving every scope, initially empty.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchLimit := opts.BatchLimit
	if batchLimit < 1 {
		batchLimit = defaultBatchLimit
	}

	s := &Server{
		logger:          logger,
		scopes:          make(map[zoneid.Scope]*scopeState),
		ops:             make(map[string]*operation),
		listeners:       make(map[zoneid.Scope]map[*listener]bool),
		batchLimit:      batchLimit,
		pageSize:        opts.DatabasePageSize,
		checkpointEvery: opts.CheckpointEvery,
		latency:         opts.Latency,
		zoneFailures:    make(map[zoneFailureKey]string),
		now:             time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/{scope}/changes/database", s.handleDatabaseChanges)
	mux.HandleFunc("POST /v1/{scope}/changes/zones", s.handleZoneChanges)
	mux.HandleFunc("POST /v1/{scope}/records/modify", s.handleModify)
	mux.HandleFunc("POST /v1/{scope}/zones", s.handleCreateZone)
	mux.HandleFunc("POST /v1/{scope}/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /v1/operations/{id}", s.handleOperationStatus)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d := s.currentLatency(); d > 0 {
		time.Sleep(d)
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) currentLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latency
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// ThrottleNext rejects the next n data requests (change feeds and record
// modifies) with a throttled error carrying retryAfter as the hint.
func (s *Server) ThrottleNext(n int, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.throttleLeft = n
	s.throttleAfter = retryAfter

	s.logger.Info("throttle armed",
		slog.Int("requests", n),
		slog.Duration("retry_after", retryAfter),
	)
}

// ExpireDatabaseToken invalidates every database change token issued for
// the scope. Zone tokens are unaffected.
func (s *Server) ExpireDatabaseToken(scope zoneid.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scope(scope).epoch++

	s.logger.Info("database tokens expired", slog.String("scope", scope.String()))
}

// ExpireZoneToken invalidates one zone's change tokens, leaving the
// scope's other zones and the database feed untouched.
func (s *Server) ExpireZoneToken(scope zoneid.Scope, zone zoneid.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if z, ok := s.scope(scope).zones[zone]; ok {
		z.epoch++
	}

	s.logger.Info("zone tokens expired",
		slog.String("scope", scope.String()),
		slog.String("zone", zone.String()),
	)
}

// FailZoneOnce makes the next change-stream fetch of the zone report a
// zone-level failure with the given wire code, then behaves normally
// again.
func (s *Server) FailZoneOnce(scope zoneid.Scope, zone zoneid.Zone, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zoneFailures[zoneFailureKey{scope: scope, zone: zone}] = code

	s.logger.Info("zone failure armed",
		slog.String("scope", scope.String()),
		slog.String("zone", zone.String()),
		slog.String("code", code),
	)
}

// SetBatchLimit changes the modify batch item cap. Values below one
// restore the default.
func (s *Server) SetBatchLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 1 {
		n = defaultBatchLimit
	}
	s.batchLimit = n
}

// SetLatency delays every subsequent response by d.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latency = d
}

// Seed writes records straight into the store, creating zones as
// needed, as if another device had pushed them. Zero modification times
// become now. Subscribed listeners get pings.
func (s *Server) Seed(scope zoneid.Scope, recs ...remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.scope(scope)
	zones := make(map[zoneid.Zone]bool, len(recs))

	for _, rec := range recs {
		z := st.ensureZone(rec.ID.Zone)

		modified := rec.ModifiedAt
		if modified.IsZero() {
			modified = s.now()
		}

		st.saveRecord(z, rec.ID, rec.Type, rec.Fields, policyAllKeys, modified)
		zones[rec.ID.Zone] = true
	}

	s.notifyZonesLocked(scope, st, zones)
}

// DeleteRecord removes a record server-side, leaving a typed tombstone
// in the change feed. Unknown records are ignored.
func (s *Server) DeleteRecord(scope zoneid.Scope, id zoneid.RecordID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.scope(scope)

	z, ok := st.zones[id.Zone]
	if !ok {
		return
	}

	if st.deleteRecord(z, id) {
		s.notifyZonesLocked(scope, st, map[zoneid.Zone]bool{id.Zone: true})
	}
}

// CreateZone creates a zone directly, bypassing the scope's capability
// rules, so tests can lay out shared- and public-scope zones the engine
// could not create itself.
func (s *Server) CreateZone(scope zoneid.Scope, zone zoneid.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scope(scope).ensureZone(zone)
}

// DeleteZone drops a zone and everything in it. The database change feed
// reports the deletion, and writes into the dead zone fail with a
// zone-deleted error until something recreates it.
func (s *Server) DeleteZone(scope zoneid.Scope, zone zoneid.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.scope(scope)
	if st.deleteZone(zone) {
		s.notifyZonesLocked(scope, st, map[zoneid.Zone]bool{zone: true})
	}
}

// Records returns a zone's live records, oldest change first.
func (s *Server) Records(scope zoneid.Scope, zone zoneid.Zone) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok {
		return nil
	}

	z, ok := st.zones[zone]
	if !ok {
		return nil
	}

	type entry struct {
		seq int64
		rec remote.Record
	}

	entries := make([]entry, 0, len(z.records))
	for id, rec := range z.records {
		entries = append(entries, entry{seq: rec.seq, rec: remote.Record{
			ID:         id,
			Type:       rec.recordType,
			Fields:     maps.Clone(rec.fields),
			ChangeTag:  rec.tag,
			ModifiedAt: rec.modifiedAt,
		}})
	}

	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	recs := make([]remote.Record, len(entries))
	for i, e := range entries {
		recs[i] = e.rec
	}

	return recs
}

// Record returns one record's current server copy.
func (s *Server) Record(scope zoneid.Scope, id zoneid.RecordID) (remote.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok {
		return remote.Record{}, false
	}

	z, ok := st.zones[id.Zone]
	if !ok {
		return remote.Record{}, false
	}

	rec, ok := z.records[id]
	if !ok {
		return remote.Record{}, false
	}

	return remote.Record{
		ID:         id,
		Type:       rec.recordType,
		Fields:     maps.Clone(rec.fields),
		ChangeTag:  rec.tag,
		ModifiedAt: rec.modifiedAt,
	}, true
}

// Subscriptions lists the subscription IDs registered for a scope,
// sorted.
func (s *Server) Subscriptions(scope zoneid.Scope) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(st.subs))
}
