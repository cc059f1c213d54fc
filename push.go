package zonesync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
	"github.com/plivesey/zonesync/zoneid"
)

// pushCoordinator sends local mutations to the remote store as atomic
// batches: every save and delete in a batch commits together or not at
// all, keeping local state consistent with a single remote transaction
// boundary. Saves use the changed-keys policy so concurrent edits to
// disjoint fields of the same record both survive.
type pushCoordinator struct {
	scope    zoneid.Scope
	caps     zoneid.Capabilities
	modifier RecordModifier
	zones    ZoneCreator
	tickets  TicketStore
	settings SettingsStore
	policy   RetryPolicy
	logger   *slog.Logger
	sleep    sleepFunc
}

// syncRecords pushes one batch of saves and deletes. Batches over the
// server's documented item cap are split up front; a size rejection for a
// batch already within the cap cannot be split further and surfaces.
// Transient failures retry the same batch, bounded by the policy, and
// exhausting the bound surfaces the last error. A pending write is never
// dropped silently.
func (p *pushCoordinator) syncRecords(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID, opts PushOptions) error {
	if len(saves) == 0 && len(deletes) == 0 {
		return nil
	}

	if err := p.ensureZones(ctx, saves, deletes); err != nil {
		return err
	}

	if len(saves) > maxBatchItems {
		return p.submitChunked(ctx, saves, deletes, opts, nil)
	}

	return p.submitBatch(ctx, saves, deletes, opts)
}

// submitBatch drives one atomic batch to a decided outcome. When the
// scope supports long-lived operations, an operation ticket is persisted
// before the first submission and cleared once the outcome is known, so
// only a crash leaves a ticket behind for the startup probe.
func (p *pushCoordinator) submitBatch(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID, opts PushOptions) error {
	opID := uuid.NewString()

	if p.caps.LongLivedOperations && p.tickets != nil {
		ticket := store.Ticket{
			OpID:      opID,
			Scope:     p.scope,
			SaveIDs:   saveIDs(saves),
			DeleteIDs: deleteIDs(deletes),
		}
		if err := p.tickets.PutTicket(ctx, ticket); err != nil {
			return fmt.Errorf("zonesync: persisting operation ticket: %w", err)
		}

		defer func() {
			if err := p.tickets.DeleteTicket(context.WithoutCancel(ctx), opID); err != nil {
				p.logger.Warn("failed to clear operation ticket",
					slog.String("op_id", opID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	req := remote.ModifyRequest{
		OperationID:  opID,
		SavePolicy:   remote.SaveChangedKeys,
		Save:         saves,
		Delete:       deletes,
		AllowMetered: opts.AllowMetered,
	}

	recreated := false

	for attempt := 0; ; attempt++ {
		err := p.modifier.Modify(ctx, p.scope, req)

		act := Classify(err)
		switch act.Kind {
		case ActionSuccess:
			p.logger.Debug("batch pushed",
				slog.String("op_id", opID),
				slog.Int("saves", len(saves)),
				slog.Int("deletes", len(deletes)),
			)

			return nil

		case ActionRetry:
			if attempt+1 >= p.policy.MaxAttempts {
				return fmt.Errorf("zonesync: push failed after %d attempts: %w", attempt+1, act.Err)
			}

			delay := act.Delay(p.policy, attempt)

			p.logger.Warn("push deferred by server, retrying",
				slog.String("op_id", opID),
				slog.Duration("delay", delay),
				slog.Int("attempt", attempt+1),
			)

			if serr := p.sleep(ctx, delay); serr != nil {
				return serr
			}

		case ActionChunk:
			return p.submitChunked(ctx, saves, deletes, opts, act.Err)

		case ActionRecover:
			switch act.Reason {
			case ReasonZoneNotFound, ReasonUserDeletedZone:
				p.clearZoneFlags(ctx, saves, deletes)

				if !p.caps.CreatesZones || p.zones == nil || recreated {
					return act.Err
				}

				p.logger.Warn("target zone missing, recreating",
					slog.String("op_id", opID),
					slog.String("reason", act.Reason.String()),
				)

				if zerr := p.ensureZones(ctx, saves, deletes); zerr != nil {
					return zerr
				}

				recreated = true

			default:
				return act.Err
			}

		case ActionFail:
			return act.Err
		}
	}
}

// submitChunked splits the save list into server-acceptable batches and
// submits each as its own independent atomic operation. Every chunk
// carries the full delete set: deletes are idempotent, so repeating them
// costs nothing and keeps each chunk complete on its own. One chunk
// failing does not stop the rest; the last failure is returned after all
// chunks settled.
func (p *pushCoordinator) submitChunked(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID, opts PushOptions, cause error) error {
	parts := chunk(saves, maxBatchItems)
	if len(parts) <= 1 {
		// Already within the documented cap, so the server is rejecting
		// something that cannot be split further here.
		if cause != nil {
			return cause
		}

		return p.submitBatch(ctx, saves, deletes, opts)
	}

	p.logger.Info("splitting oversized batch",
		slog.Int("saves", len(saves)),
		slog.Int("chunks", len(parts)),
	)

	var lastErr error

	for i, part := range parts {
		if err := p.submitBatch(ctx, part, deletes, opts); err != nil {
			p.logger.Warn("chunk push failed",
				slog.Int("chunk", i),
				slog.String("error", err.Error()),
			)

			lastErr = err
		}
	}

	return lastErr
}

// ensureZones creates the batch's target zones that have not been
// created yet, guarded by per-zone flags in the settings store so the
// common case costs one local read.
func (p *pushCoordinator) ensureZones(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID) error {
	if !p.caps.CreatesZones || p.zones == nil {
		return nil
	}

	for _, zone := range targetZones(saves, deletes) {
		key := zoneCreatedKey(p.scope, zone)

		created, err := p.settings.GetSetting(ctx, key)
		if err != nil {
			return fmt.Errorf("zonesync: reading zone flag: %w", err)
		}

		if created != "" {
			continue
		}

		if err := p.zones.CreateZone(ctx, p.scope, zone); err != nil {
			return fmt.Errorf("zonesync: creating zone %s: %w", zone, err)
		}

		if err := p.settings.SetSetting(ctx, key, "1"); err != nil {
			return fmt.Errorf("zonesync: saving zone flag: %w", err)
		}

		p.logger.Info("zone created",
			slog.String("zone", zone.String()),
			slog.String("scope", p.scope.String()),
		)
	}

	return nil
}

// clearZoneFlags drops the created flags for the batch's target zones so
// the next attempt recreates them.
func (p *pushCoordinator) clearZoneFlags(ctx context.Context, saves []remote.Record, deletes []zoneid.RecordID) {
	for _, zone := range targetZones(saves, deletes) {
		if err := p.settings.DeleteSetting(ctx, zoneCreatedKey(p.scope, zone)); err != nil {
			p.logger.Warn("failed to clear zone-created flag",
				slog.String("zone", zone.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// targetZones lists the distinct zones a batch touches, in first-use
// order.
func targetZones(saves []remote.Record, deletes []zoneid.RecordID) []zoneid.Zone {
	seen := make(map[zoneid.Zone]bool)

	var zones []zoneid.Zone

	add := func(zone zoneid.Zone) {
		if !seen[zone] {
			seen[zone] = true
			zones = append(zones, zone)
		}
	}

	for _, rec := range saves {
		add(rec.ID.Zone)
	}
	for _, id := range deletes {
		add(id.Zone)
	}

	return zones
}

func saveIDs(saves []remote.Record) []string {
	ids := make([]string, len(saves))
	for i, rec := range saves {
		ids[i] = rec.ID.String()
	}

	return ids
}

func deleteIDs(deletes []zoneid.RecordID) []string {
	ids := make([]string, len(deletes))
	for i, id := range deletes {
		ids[i] = id.String()
	}

	return ids
}
