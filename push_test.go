package zonesync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

// --- fakeModifier: scripted RecordModifier ---

type fakeModifier struct {
	mu    sync.Mutex
	errs  []error // popped per call; empty queue means success
	calls []remote.ModifyRequest

	// onModify runs inside each Modify call, for asserting state while
	// the operation is in flight.
	onModify func(remote.ModifyRequest)
}

func (m *fakeModifier) Modify(_ context.Context, _ zoneid.Scope, req remote.ModifyRequest) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)

	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}

	hook := m.onModify
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	return err
}

func (m *fakeModifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.calls)
}

func (m *fakeModifier) call(i int) remote.ModifyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[i]
}

// --- fakeZones: recording ZoneCreator ---

type fakeZones struct {
	mu      sync.Mutex
	created []zoneid.Zone
	err     error
}

func (z *fakeZones) CreateZone(_ context.Context, _ zoneid.Scope, zone zoneid.Zone) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.err != nil {
		return z.err
	}

	z.created = append(z.created, zone)

	return nil
}

func (z *fakeZones) createdZones() []zoneid.Zone {
	z.mu.Lock()
	defer z.mu.Unlock()

	return slices.Clone(z.created)
}

// --- memTickets: in-memory TicketStore ---

type memTickets struct {
	mu      sync.Mutex
	tickets []store.Ticket
	puts    int
	deletes int

	failList error
}

func newMemTickets() *memTickets {
	return &memTickets{}
}

func (tk *memTickets) PutTicket(_ context.Context, t store.Ticket) error {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.puts++

	for _, existing := range tk.tickets {
		if existing.OpID == t.OpID {
			return nil // first write wins, like the SQLite store
		}
	}

	tk.tickets = append(tk.tickets, t)

	return nil
}

func (tk *memTickets) GetTicket(_ context.Context, opID string) (*store.Ticket, error) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	for _, t := range tk.tickets {
		if t.OpID == opID {
			found := t
			return &found, nil
		}
	}

	return nil, nil
}

func (tk *memTickets) DeleteTicket(_ context.Context, opID string) error {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.deletes++

	tk.tickets = slices.DeleteFunc(tk.tickets, func(t store.Ticket) bool {
		return t.OpID == opID
	})

	return nil
}

func (tk *memTickets) ListTickets(_ context.Context) ([]store.Ticket, error) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	if tk.failList != nil {
		return nil, tk.failList
	}

	return slices.Clone(tk.tickets), nil
}

func (tk *memTickets) counts() (puts, deletes, live int) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	return tk.puts, tk.deletes, len(tk.tickets)
}

func (tk *memTickets) seed(tickets ...store.Ticket) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.tickets = append(tk.tickets, tickets...)
}

// --- Test helpers ---

type pushFixture struct {
	modifier *fakeModifier
	zones    *fakeZones
	tickets  *memTickets
	settings *memSettings

	mu     sync.Mutex
	sleeps []time.Duration
}

func (fx *pushFixture) recordSleep(d time.Duration) {
	fx.mu.Lock()
	defer fx.mu.Unlock()

	fx.sleeps = append(fx.sleeps, d)
}

func newTestPush(t *testing.T, scope zoneid.Scope) (*pushCoordinator, *pushFixture) {
	t.Helper()

	fx := &pushFixture{
		modifier: &fakeModifier{},
		zones:    &fakeZones{},
		tickets:  newMemTickets(),
		settings: newMemSettings(),
	}

	p := &pushCoordinator{
		scope:    scope,
		caps:     scope.Capabilities(),
		modifier: fx.modifier,
		zones:    fx.zones,
		tickets:  fx.tickets,
		settings: fx.settings,
		policy:   testPolicy(),
		logger:   testLogger(t),
		sleep: func(_ context.Context, d time.Duration) error {
			fx.recordSleep(d)
			return nil
		},
	}

	return p, fx
}

func testSaves(zone zoneid.Zone, n int) []remote.Record {
	saves := make([]remote.Record, n)
	for i := range saves {
		saves[i] = testRecord("note", fmt.Sprintf("n%d", i), zone)
	}

	return saves
}

// --- Tests ---

func TestPush_EmptyBatchIsNoOp(t *testing.T) {
	p, fx := newTestPush(t, zoneid.ScopePrivate)

	require.NoError(t, p.syncRecords(context.Background(), nil, nil, PushOptions{}))
	assert.Equal(t, 0, fx.modifier.callCount())
	assert.Empty(t, fx.zones.createdZones())
}

func TestPush_SingleBatch(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	saves := testSaves(zone, 2)
	deletes := []zoneid.RecordID{zoneid.NewRecordID("gone", zone)}

	require.NoError(t, p.syncRecords(ctx, saves, deletes, PushOptions{AllowMetered: true}))

	require.Equal(t, 1, fx.modifier.callCount())
	req := fx.modifier.call(0)
	assert.NotEmpty(t, req.OperationID)
	assert.Equal(t, remote.SaveChangedKeys, req.SavePolicy)
	assert.Len(t, req.Save, 2)
	assert.Len(t, req.Delete, 1)
	assert.True(t, req.AllowMetered)

	// The zone was created exactly once and the flag remembers it.
	assert.Equal(t, []zoneid.Zone{zone}, fx.zones.createdZones())
	assert.Equal(t, "1", fx.settings.get(zoneCreatedKey(zoneid.ScopePrivate, zone)))

	require.NoError(t, p.syncRecords(ctx, saves, nil, PushOptions{}))
	assert.Len(t, fx.zones.createdZones(), 1, "second push must reuse the created zone")
}

func TestPush_TicketCoversTheOperationWindow(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	// While the modify is in flight, the ticket must already be durable:
	// a crash here is exactly what the startup probe recovers from.
	fx.modifier.onModify = func(req remote.ModifyRequest) {
		ticket, err := fx.tickets.GetTicket(ctx, req.OperationID)
		require.NoError(t, err)
		require.NotNil(t, ticket, "ticket missing while operation in flight")
		assert.Equal(t, zoneid.ScopePrivate, ticket.Scope)
		assert.Len(t, ticket.SaveIDs, 1)
	}

	require.NoError(t, p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{}))

	puts, deletes, live := fx.tickets.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, deletes)
	assert.Zero(t, live, "decided operations must not leave tickets behind")
}

func TestPush_PublicScopeSkipsTickets(t *testing.T) {
	zone := zoneid.NewZone("catalog")

	p, fx := newTestPush(t, zoneid.ScopePublic)

	require.NoError(t, p.syncRecords(context.Background(), testSaves(zone, 1), nil, PushOptions{}))

	puts, _, _ := fx.tickets.counts()
	assert.Zero(t, puts, "public scope has no long-lived operations to ticket")
	assert.Empty(t, fx.zones.createdZones(), "public scope cannot create zones")
}

func TestPush_301SavesSplitIntoTwoBatches(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	saves := testSaves(zone, 301)
	deletes := []zoneid.RecordID{
		zoneid.NewRecordID("d1", zone),
		zoneid.NewRecordID("d2", zone),
	}

	require.NoError(t, p.syncRecords(ctx, saves, deletes, PushOptions{}))

	require.Equal(t, 2, fx.modifier.callCount())

	first, second := fx.modifier.call(0), fx.modifier.call(1)
	assert.Len(t, first.Save, 300)
	assert.Len(t, second.Save, 1)
	assert.NotEqual(t, first.OperationID, second.OperationID)

	// Deletes ride along with every chunk; they are idempotent remotely.
	assert.Len(t, first.Delete, 2)
	assert.Len(t, second.Delete, 2)

	// Order is preserved across the split.
	assert.Equal(t, "n0", first.Save[0].ID.Name)
	assert.Equal(t, "n299", first.Save[299].ID.Name)
	assert.Equal(t, "n300", second.Save[0].ID.Name)
}

func TestPush_ChunkFailureDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	boom := fmt.Errorf("modify: %w", remote.ErrBadRequest)
	fx.modifier.errs = []error{boom, nil}

	err := p.syncRecords(ctx, testSaves(zone, 301), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrBadRequest)

	// The second chunk was still submitted after the first failed.
	assert.Equal(t, 2, fx.modifier.callCount())
}

func TestPush_ThrottleRetriesSameBatch(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	fx.modifier.errs = []error{throttledError(2 * time.Millisecond), nil}

	require.NoError(t, p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{}))

	require.Equal(t, 2, fx.modifier.callCount())
	assert.Equal(t, []time.Duration{2 * time.Millisecond}, fx.sleeps)

	// Retries reuse the operation ID so the server can deduplicate a
	// submission whose response was lost.
	assert.Equal(t, fx.modifier.call(0).OperationID, fx.modifier.call(1).OperationID)
}

func TestPush_ThrottleBoundedByPolicy(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	throttle := throttledError(time.Millisecond)
	fx.modifier.errs = []error{throttle, throttle, throttle}

	err := p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrThrottled)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, fx.modifier.callCount())

	_, _, live := fx.tickets.counts()
	assert.Zero(t, live, "a decided failure must clear its ticket")
}

func TestPush_MissingZoneRecreatedOnce(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	fx.modifier.errs = []error{fmt.Errorf("modify: %w", remote.ErrZoneNotFound), nil}

	require.NoError(t, p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{}))

	// Once up front, once after the server reported the zone missing.
	assert.Equal(t, []zoneid.Zone{zone, zone}, fx.zones.createdZones())
	assert.Equal(t, 2, fx.modifier.callCount())
}

func TestPush_MissingZoneTwiceSurfaces(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	missing := fmt.Errorf("modify: %w", remote.ErrZoneNotFound)
	fx.modifier.errs = []error{missing, missing}

	err := p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrZoneNotFound)
	assert.Equal(t, 2, fx.modifier.callCount())
}

func TestPush_SharedScopeCannotRecreateZones(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewOwnedZone("notes", "friend")

	p, fx := newTestPush(t, zoneid.ScopeShared)

	fx.modifier.errs = []error{fmt.Errorf("modify: %w", remote.ErrZoneDeleted)}

	err := p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrZoneDeleted)

	// Shared zones belong to their owners; no recreation attempt.
	assert.Empty(t, fx.zones.createdZones())
	assert.Equal(t, 1, fx.modifier.callCount())
}

func TestPush_UnsplittableSizeRejectionSurfaces(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	fx.modifier.errs = []error{fmt.Errorf("modify: %w", remote.ErrLimitExceeded)}

	// Two saves are far under the documented cap: the rejection cannot
	// be cured by splitting and must surface.
	err := p.syncRecords(ctx, testSaves(zone, 2), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrLimitExceeded)
	assert.Equal(t, 1, fx.modifier.callCount())
}

func TestPush_ConflictSurfacesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	zone := zoneid.NewZone("notes")

	p, fx := newTestPush(t, zoneid.ScopePrivate)

	fx.modifier.errs = []error{fmt.Errorf("modify: %w", remote.ErrRecordChanged)}

	err := p.syncRecords(ctx, testSaves(zone, 1), nil, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrRecordChanged)
	assert.Equal(t, 1, fx.modifier.callCount())
	assert.Empty(t, fx.sleeps)
}
