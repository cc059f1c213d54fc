package zonesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/zoneid"
)

// RetryLaterError reports that the remote store asked for the operation
// to be repeated after a delay while a caller was synchronously waiting.
// The waiting caller gets the delay instead of being blocked through a
// silent internal retry.
type RetryLaterError struct {
	After time.Duration
	Err   error
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("zonesync: retry in %s: %v", e.After, e.Err)
}

func (e *RetryLaterError) Unwrap() error {
	return e.Err
}

// pullCoordinator drives the fetch pipeline for one scope: discover
// which zones changed (phase one), stream each changed zone's record
// deltas (phase two), then apply everything to the registered syncables
// in registration order on the engine's apply loop (phase three).
type pullCoordinator struct {
	scope    zoneid.Scope
	caps     zoneid.Capabilities
	fetcher  ChangeFetcher
	tokens   *TokenStore
	settings SettingsStore
	policy   RetryPolicy
	retrier  *Retrier
	logger   *slog.Logger

	// run submits a closure to the engine's apply loop and waits for it.
	run func(ctx context.Context, fn func() error) error
	// snapshot returns the engine's registered syncables in order.
	snapshot func() []Syncable
	// lifetime bounds retrier-scheduled passive pulls.
	lifetime context.Context
	sleep    sleepFunc
}

// deletedRecord is one deletion reported by a zone's change stream.
type deletedRecord struct {
	id         zoneid.RecordID
	recordType string
}

// pullCycle accumulates one pull's worth of fetched changes before the
// ordered apply in phase three. Records are never applied incrementally:
// batching the whole multi-zone fetch is what lets phase three order the
// application globally instead of per server-delivered page.
type pullCycle struct {
	id        string
	syncables []Syncable
	changed   map[string][]remote.Record // record type → records, arrival order
	deleted   []deletedRecord
}

func (cy *pullCycle) addRecord(rec remote.Record) {
	cy.changed[rec.Type] = append(cy.changed[rec.Type], rec)
}

func (cy *pullCycle) addDeleted(id zoneid.RecordID, recordType string) {
	cy.deleted = append(cy.deleted, deletedRecord{id: id, recordType: recordType})
}

func (cy *pullCycle) recordCount() int {
	n := 0
	for _, recs := range cy.changed {
		n += len(recs)
	}

	return n
}

// owner finds the syncable a deleted record belongs to: the one whose
// zone matches, preferring a declared record-type match when several
// syncables share the zone.
func (cy *pullCycle) owner(d deletedRecord) Syncable {
	var zoneMatch Syncable

	for _, s := range cy.syncables {
		if s.Zone() != d.id.Zone {
			continue
		}

		if zoneMatch == nil {
			zoneMatch = s
		}

		if d.recordType != "" && slices.Contains(s.RecordTypes(), d.recordType) {
			return s
		}
	}

	return zoneMatch
}

// pull runs one complete fetch-and-apply cycle. waiting marks a caller
// blocked on the result: transient failures then surface as
// *RetryLaterError instead of being retried behind the caller's back.
// Passive cycles (no waiter) reschedule themselves through the retrier,
// bounded by the policy's attempt cap.
func (c *pullCoordinator) pull(ctx context.Context, waiting bool, attempt int) error {
	start := time.Now()
	cycle := &pullCycle{
		id:        uuid.NewString(),
		syncables: c.snapshot(),
		changed:   make(map[string][]remote.Record),
	}

	c.logger.Info("pull starting",
		slog.String("cycle_id", cycle.id),
		slog.String("scope", c.scope.String()),
		slog.Bool("waiting", waiting),
		slog.Int("attempt", attempt),
	)

	zones, err := c.fetchDatabaseChanges(ctx, cycle)
	if err != nil {
		var rle *RetryLaterError
		if !waiting && errors.As(err, &rle) {
			c.schedulePassiveRetry(rle, attempt)
			return nil
		}

		return err
	}

	var fetchErr error
	if len(zones) > 0 {
		fetchErr = c.fetchZones(ctx, cycle, zones, waiting)
	}

	// Phase three runs even when a zone failed: the zones that did
	// complete still get their records applied.
	applyErr := c.run(ctx, func() error {
		return c.applyChanges(ctx, cycle)
	})

	c.logger.Info("pull complete",
		slog.String("cycle_id", cycle.id),
		slog.Int("zones", len(zones)),
		slog.Int("records", cycle.recordCount()),
		slog.Int("deletes", len(cycle.deleted)),
		slog.Duration("duration", time.Since(start)),
	)

	if fetchErr != nil {
		return fetchErr
	}

	return applyErr
}

// schedulePassiveRetry re-runs a passive pull through the retrier after
// the server's delay. Exhausted attempts are logged and dropped; there
// is no caller to tell.
func (c *pullCoordinator) schedulePassiveRetry(rle *RetryLaterError, attempt int) {
	if attempt+1 >= c.policy.MaxAttempts {
		c.logger.Warn("giving up on passive pull",
			slog.Int("attempts", attempt+1),
			slog.String("error", rle.Error()),
		)

		return
	}

	scheduled := c.retrier.After(rle.After, func() {
		if err := c.pull(c.lifetime, false, attempt+1); err != nil {
			c.logger.Warn("passive pull retry failed", slog.String("error", err.Error()))
		}
	})
	if !scheduled {
		c.logger.Warn("passive pull retry dropped", slog.String("error", rle.Error()))
	}
}

// fetchDatabaseChanges pages through the database-level change feed and
// returns the zones to fetch records for. The cursor is persisted after
// every page so a crash mid-fetch resumes close to where it stopped. An
// expired cursor is cleared and the feed re-read from the beginning, a
// bounded number of times.
//
// Scopes without a database change feed skip straight to fetching every
// registered zone, as does the first sync (no saved cursor), where the
// feed cannot yet narrow anything down.
func (c *pullCoordinator) fetchDatabaseChanges(ctx context.Context, cycle *pullCycle) ([]zoneid.Zone, error) {
	if !c.caps.FiltersZoneChanges {
		return registeredZones(cycle.syncables), nil
	}

	since, err := c.tokens.DatabaseToken(ctx, c.scope)
	if err != nil {
		return nil, fmt.Errorf("zonesync: reading database token: %w", err)
	}

	firstSync := since == ""
	restarts := 0

	var changed []zoneid.Zone

	for {
		page, fetchErr := c.fetcher.FetchDatabaseChanges(ctx, c.scope, since)

		act := Classify(fetchErr)
		switch act.Kind {
		case ActionSuccess:

		case ActionRetry:
			return nil, &RetryLaterError{After: act.RetryAfter, Err: act.Err}

		case ActionRecover:
			if act.Reason != ReasonTokenExpired {
				return nil, act.Err
			}

			restarts++
			if restarts >= c.policy.MaxAttempts {
				return nil, fmt.Errorf("zonesync: database token expired %d times in a row: %w", restarts, act.Err)
			}

			c.logger.Warn("database token expired, refetching from the beginning",
				slog.String("cycle_id", cycle.id),
			)

			if clearErr := c.run(ctx, func() error {
				return c.tokens.ClearDatabaseToken(ctx, c.scope)
			}); clearErr != nil {
				return nil, fmt.Errorf("zonesync: clearing expired database token: %w", clearErr)
			}

			since = ""
			firstSync = true
			changed = nil

			continue

		case ActionChunk:
			// The discovery request carries no batch to split.
			return nil, fmt.Errorf("zonesync: unexpected chunk classification fetching database changes: %w", act.Err)

		case ActionFail:
			return nil, act.Err
		}

		changed = append(changed, page.Zones...)
		c.handleDeletedZones(ctx, page.DeletedZones)

		if page.Token != "" {
			c.saveDatabaseToken(ctx, page.Token)
			since = page.Token
		}

		if !page.More {
			break
		}
	}

	if firstSync {
		return registeredZones(cycle.syncables), nil
	}

	return c.targetZones(cycle, changed), nil
}

// targetZones intersects the feed's reported zones with the registered
// ones: a zone nobody registered a syncable for has no owner to apply
// its records to.
func (c *pullCoordinator) targetZones(cycle *pullCycle, changed []zoneid.Zone) []zoneid.Zone {
	registered := make(map[zoneid.Zone]bool)
	for _, zone := range registeredZones(cycle.syncables) {
		registered[zone] = true
	}

	seen := make(map[zoneid.Zone]bool)

	var targets []zoneid.Zone

	for _, zone := range changed {
		if seen[zone] {
			continue
		}
		seen[zone] = true

		if !registered[zone] {
			c.logger.Debug("ignoring change in unregistered zone",
				slog.String("cycle_id", cycle.id),
				slog.String("zone", zone.String()),
			)

			continue
		}

		targets = append(targets, zone)
	}

	return targets
}

// handleDeletedZones drops local bookkeeping for zones the server
// purged: their cursors and created flags go away so a later push
// recreates the zone from scratch.
func (c *pullCoordinator) handleDeletedZones(ctx context.Context, zones []zoneid.Zone) {
	for _, zone := range zones {
		c.logger.Warn("zone deleted remotely",
			slog.String("zone", zone.String()),
			slog.String("scope", c.scope.String()),
		)

		if err := c.run(ctx, func() error {
			if err := c.tokens.ClearZoneToken(ctx, c.scope, zone); err != nil {
				return err
			}

			return c.settings.DeleteSetting(ctx, zoneCreatedKey(c.scope, zone))
		}); err != nil {
			c.logger.Error("failed to clear deleted zone state",
				slog.String("zone", zone.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// zoneFetch tracks one zone through the combined fetch, counting its
// attempts so expiry loops and throttle loops stay bounded.
type zoneFetch struct {
	zone     zoneid.Zone
	attempts int
}

// fetchZones streams record changes for the target zones, each resuming
// from its own cursor. Zone cursors are persisted the moment the server
// reports them. Per-zone failures are classified independently: an
// expired cursor clears and requeues only that zone, a throttled zone is
// requeued after the server's delay (passive cycles only), and other
// zones are never restarted for a neighbor's failure. Returns the last
// unrecovered error once every zone has settled, nil when all completed.
func (c *pullCoordinator) fetchZones(ctx context.Context, cycle *pullCycle, zones []zoneid.Zone, waiting bool) error {
	pending := make([]zoneFetch, len(zones))
	for i, zone := range zones {
		pending[i] = zoneFetch{zone: zone}
	}

	var lastErr error

	for len(pending) > 0 {
		reqs := make([]remote.ZoneChangeRequest, len(pending))

		for i, zf := range pending {
			since, err := c.tokens.ZoneToken(ctx, c.scope, zf.zone)
			if err != nil {
				return fmt.Errorf("zonesync: reading zone token for %s: %w", zf.zone, err)
			}

			reqs[i] = remote.ZoneChangeRequest{Zone: zf.zone, Since: since}
		}

		outcomes := make(map[zoneid.Zone]error)
		finalTokens := make(map[zoneid.Zone]string)

		events := remote.ZoneChangeEvents{
			Record: func(rec remote.Record) {
				cycle.addRecord(rec)
			},
			Deleted: func(id zoneid.RecordID, recordType string) {
				cycle.addDeleted(id, recordType)
			},
			TokenUpdated: func(zone zoneid.Zone, token string) {
				c.saveZoneToken(ctx, zone, token)
			},
			ZoneDone: func(zone zoneid.Zone, token string, err error) {
				outcomes[zone] = err
				if err == nil && token != "" {
					finalTokens[zone] = token
				}
			},
		}

		if err := c.fetcher.FetchZoneChanges(ctx, c.scope, reqs, events); err != nil {
			retry, retryErr := c.requestLevelRetry(err, pending, waiting)
			if retryErr != nil {
				return retryErr
			}

			if serr := c.sleep(ctx, retry); serr != nil {
				return serr
			}

			continue
		}

		var next []zoneFetch
		var delay time.Duration

		for _, zf := range pending {
			act := Classify(outcomes[zf.zone])

			switch act.Kind {
			case ActionSuccess:
				if token, ok := finalTokens[zf.zone]; ok {
					c.saveZoneToken(ctx, zf.zone, token)
				}

			case ActionRecover:
				switch act.Reason {
				case ReasonTokenExpired:
					zf.attempts++
					if zf.attempts >= c.policy.MaxAttempts {
						lastErr = fmt.Errorf("zonesync: zone %s token expired %d times in a row: %w", zf.zone, zf.attempts, act.Err)
						continue
					}

					c.logger.Warn("zone token expired, refetching zone from the beginning",
						slog.String("cycle_id", cycle.id),
						slog.String("zone", zf.zone.String()),
					)

					if clearErr := c.run(ctx, func() error {
						return c.tokens.ClearZoneToken(ctx, c.scope, zf.zone)
					}); clearErr != nil {
						lastErr = fmt.Errorf("zonesync: clearing expired zone token: %w", clearErr)
						continue
					}

					next = append(next, zf)

				case ReasonZoneNotFound, ReasonUserDeletedZone:
					// Nothing to fetch; the zone comes back on the next
					// push that recreates it.
					c.logger.Warn("zone missing remotely, skipping fetch",
						slog.String("cycle_id", cycle.id),
						slog.String("zone", zf.zone.String()),
						slog.String("reason", act.Reason.String()),
					)
					c.clearZoneCreated(ctx, zf.zone)

				default:
					lastErr = act.Err
				}

			case ActionRetry:
				if waiting {
					lastErr = &RetryLaterError{After: act.RetryAfter, Err: act.Err}
					continue
				}

				zf.attempts++
				if zf.attempts >= c.policy.MaxAttempts {
					lastErr = fmt.Errorf("zonesync: zone %s fetch failed after %d attempts: %w", zf.zone, zf.attempts, act.Err)
					continue
				}

				next = append(next, zf)
				delay = max(delay, act.Delay(c.policy, zf.attempts-1))

			case ActionChunk:
				lastErr = fmt.Errorf("zonesync: unexpected chunk classification fetching zone %s: %w", zf.zone, act.Err)

			case ActionFail:
				lastErr = act.Err
			}
		}

		pending = next

		if len(pending) > 0 && delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return lastErr
}

// requestLevelRetry handles a failure of the combined zone request
// itself, before any per-zone outcome arrived. Transient failures bump
// every pending zone's attempt count and report the delay to wait;
// anything else, or a waiting caller, surfaces immediately.
func (c *pullCoordinator) requestLevelRetry(err error, pending []zoneFetch, waiting bool) (time.Duration, error) {
	act := Classify(err)
	if act.Kind != ActionRetry {
		return 0, err
	}

	if waiting {
		return 0, &RetryLaterError{After: act.RetryAfter, Err: act.Err}
	}

	for i := range pending {
		pending[i].attempts++
		if pending[i].attempts >= c.policy.MaxAttempts {
			return 0, fmt.Errorf("zonesync: zone fetch failed after %d attempts: %w", pending[i].attempts, act.Err)
		}
	}

	return act.Delay(c.policy, pending[0].attempts-1), nil
}

// applyChanges is phase three. It runs on the engine's apply loop: for
// each registered syncable in registration order, for each of its record
// types in declared order, apply that type's accumulated records, so
// parent types land before the child types that reference them.
// Deletions follow afterward, routed by the deleted record's zone; they
// only remove data, so deferring them never leaves a dangling reference.
// A failing record is logged and skipped rather than aborting the batch;
// the first failure is returned after everything else applied.
func (c *pullCoordinator) applyChanges(ctx context.Context, cycle *pullCycle) error {
	var firstErr error

	for _, s := range cycle.syncables {
		for _, recordType := range s.RecordTypes() {
			recs := cycle.changed[recordType]
			if len(recs) == 0 {
				continue
			}

			for _, rec := range recs {
				if err := s.ApplyRecord(ctx, rec); err != nil {
					c.logger.Error("failed to apply record",
						slog.String("cycle_id", cycle.id),
						slog.String("record", rec.ID.String()),
						slog.String("type", rec.Type),
						slog.String("error", err.Error()),
					)

					if firstErr == nil {
						firstErr = err
					}
				}
			}

			delete(cycle.changed, recordType)
		}
	}

	for recordType, recs := range cycle.changed {
		c.logger.Warn("fetched records have no registered syncable",
			slog.String("cycle_id", cycle.id),
			slog.String("type", recordType),
			slog.Int("count", len(recs)),
		)
	}

	for _, d := range cycle.deleted {
		s := cycle.owner(d)
		if s == nil {
			c.logger.Warn("deleted record has no registered syncable",
				slog.String("cycle_id", cycle.id),
				slog.String("record", d.id.String()),
			)

			continue
		}

		if err := s.DeleteRecord(ctx, d.id); err != nil {
			c.logger.Error("failed to delete record",
				slog.String("cycle_id", cycle.id),
				slog.String("record", d.id.String()),
				slog.String("error", err.Error()),
			)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// saveDatabaseToken persists the database cursor through the apply loop.
// Failure to persist is logged, not fatal: the worst case is refetching
// the same page after a restart.
func (c *pullCoordinator) saveDatabaseToken(ctx context.Context, token string) {
	if err := c.run(ctx, func() error {
		return c.tokens.SetDatabaseToken(ctx, c.scope, token)
	}); err != nil {
		c.logger.Error("failed to persist database token", slog.String("error", err.Error()))
	}
}

// saveZoneToken persists one zone's cursor through the apply loop.
func (c *pullCoordinator) saveZoneToken(ctx context.Context, zone zoneid.Zone, token string) {
	if err := c.run(ctx, func() error {
		return c.tokens.SetZoneToken(ctx, c.scope, zone, token)
	}); err != nil {
		c.logger.Error("failed to persist zone token",
			slog.String("zone", zone.String()),
			slog.String("error", err.Error()),
		)
	}
}

// clearZoneCreated drops the zone-created flag so the next push
// recreates the zone.
func (c *pullCoordinator) clearZoneCreated(ctx context.Context, zone zoneid.Zone) {
	if err := c.settings.DeleteSetting(ctx, zoneCreatedKey(c.scope, zone)); err != nil {
		c.logger.Warn("failed to clear zone-created flag",
			slog.String("zone", zone.String()),
			slog.String("error", err.Error()),
		)
	}
}

// registeredZones lists the distinct zones behind syncables, in
// registration order.
func registeredZones(syncables []Syncable) []zoneid.Zone {
	seen := make(map[zoneid.Zone]bool)

	var zones []zoneid.Zone

	for _, s := range syncables {
		zone := s.Zone()
		if seen[zone] {
			continue
		}

		seen[zone] = true
		zones = append(zones, zone)
	}

	return zones
}
