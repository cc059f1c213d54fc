package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plivesey/zonesync/zoneid"
)

// The pending-change queue provides crash-recoverable persistence for
// local mutations awaiting a push. The lifecycle is:
//
//	Enqueue → MarkInflight → Clear (success) / Release (failure)
//
// Enqueue upserts by record identity, so a newer local mutation replaces
// the old intent (a delete after an unpushed save leaves one delete).
// ReclaimStale returns inflight rows to pending after a crash killed
// their push mid-flight.

// Change kinds for the pending_changes.kind column.
const (
	ChangeSave   = "save"
	ChangeDelete = "delete"
)

// Pending-change status constants.
const (
	pendingStatusPending  = "pending"
	pendingStatusInflight = "inflight"
)

// PendingChange is one queued local mutation. For saves, Payload holds
// the serialized record (whatever encoding the enqueuing party chose);
// for deletes it is empty.
type PendingChange struct {
	ID         int64
	Scope      zoneid.Scope
	RecordID   zoneid.RecordID
	RecordType string
	Kind       string
	Payload    []byte
	Attempts   int
	LastError  string
}

// Pending-change queries.
const (
	sqlEnqueuePending = `INSERT INTO pending_changes
		(scope, zone_name, zone_owner, record_name, record_type, kind,
		 payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '` + pendingStatusPending + `', 0, ?, ?)
		ON CONFLICT(scope, zone_name, zone_owner, record_name) DO UPDATE SET
			record_type = excluded.record_type,
			kind        = excluded.kind,
			payload     = excluded.payload,
			status      = excluded.status,
			attempts    = 0,
			last_error  = NULL,
			updated_at  = excluded.updated_at`

	sqlListPending = `SELECT id, scope, zone_name, zone_owner, record_name,
			record_type, kind, payload, attempts, last_error
		FROM pending_changes
		WHERE scope = ? AND status = '` + pendingStatusPending + `'
		ORDER BY id`

	sqlMarkInflight = `UPDATE pending_changes
		SET status = '` + pendingStatusInflight + `', updated_at = ?
		WHERE id = ? AND status = '` + pendingStatusPending + `'`

	sqlDeletePending = `DELETE FROM pending_changes WHERE id = ?`

	sqlReleasePending = `UPDATE pending_changes
		SET status = '` + pendingStatusPending + `', attempts = attempts + 1,
			last_error = ?, updated_at = ?
		WHERE id = ?`
)

func (s *Store) preparePendingStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.pendingStmts.enqueue, sqlEnqueuePending, "enqueuePending"},
		{&s.pendingStmts.listPending, sqlListPending, "listPending"},
		{&s.pendingStmts.markInflight, sqlMarkInflight, "markInflight"},
		{&s.pendingStmts.deleteByID, sqlDeletePending, "deletePending"},
		{&s.pendingStmts.release, sqlReleasePending, "releasePending"},
	})
}

// Enqueue records a local mutation for a later push. A change already
// queued for the same record is replaced, its attempt count reset.
func (s *Store) Enqueue(ctx context.Context, c PendingChange) error {
	s.logger.Debug("enqueueing pending change",
		"record", c.RecordID.String(), "kind", c.Kind)

	now := nowNano()

	_, err := s.pendingStmts.enqueue.ExecContext(ctx,
		c.Scope.String(), c.RecordID.Zone.Name, c.RecordID.Zone.Owner,
		c.RecordID.Name, c.RecordType, c.Kind, c.Payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue pending change %s: %w", c.RecordID, err)
	}

	return nil
}

// ListPending returns all pending (not inflight) changes for a scope in
// enqueue order.
func (s *Store) ListPending(ctx context.Context, scope zoneid.Scope) ([]PendingChange, error) {
	rows, err := s.pendingStmts.listPending.QueryContext(ctx, scope.String())
	if err != nil {
		return nil, fmt.Errorf("store: list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []PendingChange

	for rows.Next() {
		var (
			c         PendingChange
			scopeStr  string
			zoneName  string
			zoneOwner string
			recName   string
			lastError sql.NullString
		)

		err := rows.Scan(&c.ID, &scopeStr, &zoneName, &zoneOwner, &recName,
			&c.RecordType, &c.Kind, &c.Payload, &c.Attempts, &lastError)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending change row: %w", err)
		}

		parsed, parseErr := zoneid.ParseScope(scopeStr)
		if parseErr != nil {
			return nil, fmt.Errorf("store: pending change %d: %w", c.ID, parseErr)
		}

		c.Scope = parsed
		c.RecordID = zoneid.NewRecordID(recName, zoneid.NewOwnedZone(zoneName, zoneOwner))
		c.LastError = lastError.String

		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pending change rows: %w", err)
	}

	return changes, nil
}

// MarkInflight transitions the given changes from pending to inflight in
// one transaction. Rows no longer pending (replaced or already claimed)
// are skipped; the returned slice holds the IDs actually claimed.
func (s *Store) MarkInflight(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin mark inflight: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.pendingStmts.markInflight)
	now := nowNano()

	claimed := make([]int64, 0, len(ids))

	for _, id := range ids {
		result, execErr := stmt.ExecContext(ctx, now, id)
		if execErr != nil {
			return nil, fmt.Errorf("store: mark inflight %d: %w", id, execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("store: mark inflight %d rows affected: %w", id, rowsErr)
		}

		if rows > 0 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit mark inflight: %w", err)
	}

	return claimed, nil
}

// Clear removes confirmed-pushed changes from the queue.
func (s *Store) Clear(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin clear pending: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.pendingStmts.deleteByID)

	for _, id := range ids {
		if _, execErr := stmt.ExecContext(ctx, id); execErr != nil {
			return fmt.Errorf("store: clear pending %d: %w", id, execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit clear pending: %w", err)
	}

	s.logger.Debug("cleared pending changes", "count", len(ids))

	return nil
}

// Release returns failed changes to pending, recording the error and
// bumping the attempt count. The changes remain queued for a later push.
func (s *Store) Release(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin release pending: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.pendingStmts.release)
	now := nowNano()

	for _, id := range ids {
		if _, execErr := stmt.ExecContext(ctx, errMsg, now, id); execErr != nil {
			return fmt.Errorf("store: release pending %d: %w", id, execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit release pending: %w", err)
	}

	s.logger.Debug("released pending changes", "count", len(ids), "error", errMsg)

	return nil
}

// ReclaimStale resets inflight changes older than timeout back to
// pending. Returns the number of reclaimed changes. Callers run this
// before claiming a batch so pushes a crash killed mid-flight are
// retried rather than stranded.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).UnixNano()

	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_changes SET status = '`+pendingStatusPending+`'
		 WHERE status = '`+pendingStatusInflight+`' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale pending: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("store: reclaim stale rows affected: %w", rowsErr)
	}

	if n > 0 {
		s.logger.Warn("reclaimed stale inflight changes", "count", n)
	}

	return int(n), nil
}
