// Package zonesync reconciles a local object store with a remote
// multi-zone record store. It implements the sync core: change-token
// incremental fetch, classified error recovery with bounded retries,
// atomic chunked batch writes, and ordered application of fetched
// records. Local persistence, transport, and notification plumbing stay
// behind narrow interfaces.
package zonesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

// Syncable is one local collection kept in lockstep with a remote zone.
// Implementations own their local storage; the engine calls ApplyRecord
// and DeleteRecord while applying a pull (one at a time, on a single
// goroutine, in registration order) and PushPendingChanges during
// PushAll.
type Syncable interface {
	// Zone returns the remote zone this collection lives in. Several
	// syncables may share a zone as long as their record types are
	// disjoint.
	Zone() zoneid.Zone

	// RecordTypes lists the record type names this collection owns, in
	// the order their records should be applied.
	RecordTypes() []string

	// ApplyRecord upserts one fetched record into local storage. Must be
	// idempotent: the same record may be delivered more than once.
	ApplyRecord(ctx context.Context, rec remote.Record) error

	// DeleteRecord removes a record from local storage. Deleting an
	// absent record is not an error.
	DeleteRecord(ctx context.Context, id zoneid.RecordID) error

	// PushPendingChanges drains the collection's queued local mutations
	// through p.
	PushPendingChanges(ctx context.Context, p Pusher) error

	// CleanUp drops local bookkeeping for mutations the remote store has
	// confirmed, such as tombstones for pushed deletions.
	CleanUp(ctx context.Context) error
}

// PushOptions carries per-push knobs.
type PushOptions struct {
	// AllowMetered permits the push to use metered network transport.
	AllowMetered bool
}

// Pusher submits record batches to the remote store. The engine passes
// itself to Syncable.PushPendingChanges so syncables drain their queues
// through the shared push pipeline.
type Pusher interface {
	SyncRecords(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID, opts PushOptions) error
}

// ChangeFetcher reads the database- and zone-level change feeds.
// Satisfied by *remote.Client.
type ChangeFetcher interface {
	FetchDatabaseChanges(ctx context.Context, scope zoneid.Scope, since string) (*remote.DatabasePage, error)
	FetchZoneChanges(ctx context.Context, scope zoneid.Scope, reqs []remote.ZoneChangeRequest, events remote.ZoneChangeEvents) error
}

// RecordModifier submits atomic batch writes. Satisfied by *remote.Client.
type RecordModifier interface {
	Modify(ctx context.Context, scope zoneid.Scope, req remote.ModifyRequest) error
}

// ZoneCreator creates record zones. Satisfied by *remote.Client.
type ZoneCreator interface {
	CreateZone(ctx context.Context, scope zoneid.Scope, zone zoneid.Zone) error
}

// Subscriber registers change subscriptions. Satisfied by *remote.Client.
type Subscriber interface {
	CreateSubscription(ctx context.Context, scope zoneid.Scope, id string) error
}

// OperationProber reports the fate of previously submitted operations.
// Satisfied by *remote.Client.
type OperationProber interface {
	FetchOperationStatus(ctx context.Context, opID string) (*remote.OperationStatus, error)
}

// NotificationListener blocks delivering remote change pings until the
// context ends. Satisfied by *remote.Notifier.
type NotificationListener interface {
	Listen(ctx context.Context, scope zoneid.Scope, fn func(remote.Notification)) error
}

// SettingsStore is the durable key-value store behind change tokens and
// cached flags. Satisfied by *store.Store. GetSetting returns "" without
// error for keys never set.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// TicketStore persists operation tickets so an atomic batch interrupted
// by a crash can be probed on the next start. Satisfied by *store.Store.
type TicketStore interface {
	PutTicket(ctx context.Context, t store.Ticket) error
	GetTicket(ctx context.Context, opID string) (*store.Ticket, error)
	DeleteTicket(ctx context.Context, opID string) error
	ListTickets(ctx context.Context) ([]store.Ticket, error)
}

// EngineConfig holds the collaborators and tuning for NewEngine.
type EngineConfig struct {
	Scope         zoneid.Scope
	Fetcher       ChangeFetcher        // satisfied by *remote.Client
	Modifier      RecordModifier       // satisfied by *remote.Client
	Zones         ZoneCreator          // optional: nil disables zone creation
	Subscriptions Subscriber           // optional: nil disables subscriptions
	Operations    OperationProber      // optional: nil disables ticket probing
	Notifications NotificationListener // optional: nil disables push-triggered pulls
	Settings      SettingsStore        // satisfied by *store.Store
	Tickets       TicketStore          // optional: nil disables operation tickets
	Policy        RetryPolicy          // zero fields fall back to DefaultRetryPolicy
	Logger        *slog.Logger

	// InteractiveTimeout is the request deadline for blocking Pull calls.
	// Passive pulls run without one. Zero means 30 seconds.
	InteractiveTimeout time.Duration

	// SubscriptionID identifies this client's change subscription. Empty
	// derives one from the scope.
	SubscriptionID string
}
