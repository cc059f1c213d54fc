package zonesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/zoneid"
)

const (
	// defaultInteractiveTimeout bounds blocking Pull calls. Passive pulls
	// run without a deadline.
	defaultInteractiveTimeout = 30 * time.Second

	// maxConcurrentPushes caps PushAll's fan-out across syncables.
	maxConcurrentPushes = 4

	// applyQueueDepth is the apply loop's channel buffer.
	applyQueueDepth = 64
)

// ErrEngineClosed is returned for work submitted after Close.
var ErrEngineClosed = errors.New("zonesync: engine closed")

// Engine synchronizes one scope of a remote record store with the
// registered local syncables. Fetches and pushes run concurrently on
// their callers' goroutines; record application and cursor mutation are
// serialized on a single apply loop so overlapping pulls can never
// interleave their commit steps.
type Engine struct {
	scope         zoneid.Scope
	caps          zoneid.Capabilities
	tokens        *TokenStore
	puller        *pullCoordinator
	pusher        *pushCoordinator
	subscriber    Subscriber
	prober        OperationProber
	tickets       TicketStore
	settings      SettingsStore
	notifications NotificationListener
	retrier       *Retrier
	logger        *slog.Logger

	interactiveTimeout time.Duration
	subscriptionID     string

	runCtx    context.Context
	runCancel context.CancelFunc
	applyCh   chan applyRequest
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	listenerOn bool
	syncables  []Syncable
	types      map[string]zoneid.Zone // record type → owning zone
}

// applyRequest is one closure queued for the apply loop, with a buffered
// channel for its result.
type applyRequest struct {
	fn   func() error
	done chan error
}

// NewEngine wires an engine for cfg.Scope. The apply loop starts
// immediately; Start adds the network-facing bootstrap. Callers must
// Close the engine when done.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if !cfg.Scope.Valid() {
		return nil, fmt.Errorf("zonesync: invalid scope %d", int(cfg.Scope))
	}
	if cfg.Fetcher == nil || cfg.Modifier == nil {
		return nil, errors.New("zonesync: Fetcher and Modifier are required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("zonesync: Settings store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.Policy.normalized()

	timeout := cfg.InteractiveTimeout
	if timeout <= 0 {
		timeout = defaultInteractiveTimeout
	}

	subscriptionID := cfg.SubscriptionID
	if subscriptionID == "" {
		subscriptionID = "zonesync-" + cfg.Scope.String()
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	e := &Engine{
		scope:              cfg.Scope,
		caps:               cfg.Scope.Capabilities(),
		tokens:             NewTokenStore(cfg.Settings),
		subscriber:         cfg.Subscriptions,
		prober:             cfg.Operations,
		tickets:            cfg.Tickets,
		settings:           cfg.Settings,
		notifications:      cfg.Notifications,
		retrier:            NewRetrier(0, logger),
		logger:             logger,
		interactiveTimeout: timeout,
		subscriptionID:     subscriptionID,
		runCtx:             runCtx,
		runCancel:          runCancel,
		applyCh:            make(chan applyRequest, applyQueueDepth),
		quit:               make(chan struct{}),
		types:              make(map[string]zoneid.Zone),
	}

	e.puller = &pullCoordinator{
		scope:    cfg.Scope,
		caps:     e.caps,
		fetcher:  cfg.Fetcher,
		tokens:   e.tokens,
		settings: cfg.Settings,
		policy:   policy,
		retrier:  e.retrier,
		logger:   logger,
		run:      e.runOnApply,
		snapshot: e.snapshotSyncables,
		lifetime: runCtx,
		sleep:    sleepContext,
	}

	e.pusher = &pushCoordinator{
		scope:    cfg.Scope,
		caps:     e.caps,
		modifier: cfg.Modifier,
		zones:    cfg.Zones,
		tickets:  cfg.Tickets,
		settings: cfg.Settings,
		policy:   policy,
		logger:   logger,
		sleep:    sleepContext,
	}

	e.wg.Add(1)
	go e.applyLoop()

	return e, nil
}

// Register adds a syncable to the engine. Registration order is the
// application order during a pull: register parent types before the
// child types that reference them. A record type may be registered once
// across the whole engine, which also guarantees syncables sharing a
// zone keep disjoint types.
func (e *Engine) Register(s Syncable) error {
	zone := s.Zone()
	if zone.IsZero() {
		return errors.New("zonesync: syncable has no zone")
	}

	recordTypes := s.RecordTypes()
	if len(recordTypes) == 0 {
		return fmt.Errorf("zonesync: syncable for zone %s declares no record types", zone)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, recordType := range recordTypes {
		if owner, ok := e.types[recordType]; ok {
			return fmt.Errorf("zonesync: record type %q already registered for zone %s", recordType, owner)
		}
	}

	for _, recordType := range recordTypes {
		e.types[recordType] = zone
	}

	e.syncables = append(e.syncables, s)

	e.logger.Info("syncable registered",
		slog.String("zone", zone.String()),
		slog.Int("record_types", len(recordTypes)),
	)

	return nil
}

// Start runs the engine's startup bookkeeping: probe operation tickets
// left behind by a previous process, let each syncable drop bookkeeping
// for already-confirmed mutations, register the change subscription, and
// attach the notification listener when one is configured. Network
// failures during bootstrap are logged rather than fatal: the engine
// syncs fine without them and they self-heal on a later Start or
// EnsureSubscription.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.resumeTickets(ctx); err != nil {
		return err
	}

	for _, s := range e.snapshotSyncables() {
		if err := s.CleanUp(ctx); err != nil {
			e.logger.Warn("syncable cleanup failed",
				slog.String("zone", s.Zone().String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.EnsureSubscription(ctx); err != nil {
		e.logger.Warn("subscription registration failed", slog.String("error", err.Error()))
	}

	if e.notifications != nil {
		e.mu.Lock()
		if !e.closed && !e.listenerOn {
			e.listenerOn = true
			e.wg.Add(1)
			go e.listenNotifications()
		}
		e.mu.Unlock()
	}

	return nil
}

// Close stops the engine: passive work is canceled, scheduled retries
// are dropped, and the apply loop exits after finishing what was already
// queued. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.runCancel()
		e.retrier.Close()
		close(e.quit)
	})

	e.wg.Wait()

	return nil
}

// Pull fetches remote changes and applies them to the registered
// syncables, blocking until every local side effect has been committed
// through the apply loop. Runs under the interactive deadline. When the
// remote store asks to come back later the error is a *RetryLaterError;
// the engine does not retry behind a waiting caller's back.
func (e *Engine) Pull(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.interactiveTimeout)
	defer cancel()

	return e.puller.pull(ctx, true, 0)
}

// PullAsync starts a passive pull with nobody waiting: errors are
// logged, transient failures reschedule themselves through the retry
// scheduler, and there is no deadline. Notification pings land here.
func (e *Engine) PullAsync() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		if err := e.puller.pull(e.runCtx, false, 0); err != nil {
			e.logger.Warn("passive pull failed", slog.String("error", err.Error()))
		}
	}()
}

// PushAll asks every registered syncable to push its queued local
// changes, a few at a time. All syncables run regardless of their
// neighbors' failures; the first error is returned after the last one
// finishes.
func (e *Engine) PushAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrentPushes)

	for _, s := range e.snapshotSyncables() {
		g.Go(func() error {
			return s.PushPendingChanges(ctx, e)
		})
	}

	return g.Wait()
}

// SyncRecords pushes an ad-hoc batch of saves and deletes: target zones
// are created on demand, oversized batches split into independent atomic
// chunks, transient failures retried within the policy's bounds, and
// terminal failures returned to the caller.
func (e *Engine) SyncRecords(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID, opts PushOptions) error {
	return e.pusher.syncRecords(ctx, saves, deletes, opts)
}

var _ Pusher = (*Engine)(nil)

// listenNotifications feeds remote change pings into passive pulls until
// the engine closes. The listener reconnects internally; a terminal
// listener error is logged and the engine falls back to explicit pulls.
func (e *Engine) listenNotifications() {
	defer e.wg.Done()

	err := e.notifications.Listen(e.runCtx, e.scope, func(n remote.Notification) {
		e.logger.Debug("change notification",
			slog.String("scope", n.Scope.String()),
			slog.String("zone", n.Zone.String()),
		)
		e.PullAsync()
	})
	if err != nil {
		e.logger.Warn("notification listener stopped", slog.String("error", err.Error()))
	}
}

// applyLoop is the engine's single ordered execution context. Everything
// that mutates local sync state (phase-three record application, cursor
// writes) runs here, one closure at a time, in submission order.
func (e *Engine) applyLoop() {
	defer e.wg.Done()

	for {
		select {
		case req := <-e.applyCh:
			req.done <- req.fn()

		case <-e.quit:
			// Drain what was queued before quit won the select.
			for {
				select {
				case req := <-e.applyCh:
					req.done <- req.fn()
				default:
					return
				}
			}
		}
	}
}

// runOnApply runs fn on the apply loop and waits for its result. A
// request racing Close may come back ErrEngineClosed without running.
func (e *Engine) runOnApply(ctx context.Context, fn func() error) error {
	req := applyRequest{fn: fn, done: make(chan error, 1)}

	select {
	case e.applyCh <- req:
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshotSyncables copies the registration list so pull cycles iterate
// it without holding the lock.
func (e *Engine) snapshotSyncables() []Syncable {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.syncables)
}
