package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plivesey/zonesync/zoneid"
)

// Ticket records a modify batch that was (or was about to be) submitted
// under an operation ID. It is written before the network call and
// deleted once the outcome is known, so a crash between the two leaves
// evidence the engine can probe at startup.
type Ticket struct {
	OpID      string
	Scope     zoneid.Scope
	SaveIDs   []string
	DeleteIDs []string
	CreatedAt int64
}

// Ticket queries.
const (
	sqlPutTicket = `INSERT INTO operation_tickets
		(op_id, scope, save_ids, delete_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO NOTHING`

	sqlGetTicket = `SELECT op_id, scope, save_ids, delete_ids, created_at
		FROM operation_tickets WHERE op_id = ?`

	sqlDeleteTicket = `DELETE FROM operation_tickets WHERE op_id = ?`

	sqlListTickets = `SELECT op_id, scope, save_ids, delete_ids, created_at
		FROM operation_tickets ORDER BY created_at`
)

func (s *Store) prepareTicketStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.ticketStmts.put, sqlPutTicket, "putTicket"},
		{&s.ticketStmts.get, sqlGetTicket, "getTicket"},
		{&s.ticketStmts.delete, sqlDeleteTicket, "deleteTicket"},
		{&s.ticketStmts.list, sqlListTickets, "listTickets"},
	})
}

// PutTicket persists an operation ticket. Writing an existing operation
// ID is a no-op (the first write wins; the batch content is identical).
func (s *Store) PutTicket(ctx context.Context, t Ticket) error {
	s.logger.Debug("saving operation ticket", "op_id", t.OpID)

	saveJSON, err := json.Marshal(t.SaveIDs)
	if err != nil {
		return fmt.Errorf("store: encoding ticket save ids: %w", err)
	}

	deleteJSON, err := json.Marshal(t.DeleteIDs)
	if err != nil {
		return fmt.Errorf("store: encoding ticket delete ids: %w", err)
	}

	createdAt := t.CreatedAt
	if createdAt == 0 {
		createdAt = nowNano()
	}

	_, err = s.ticketStmts.put.ExecContext(ctx,
		t.OpID, t.Scope.String(), string(saveJSON), string(deleteJSON), createdAt)
	if err != nil {
		return fmt.Errorf("store: put ticket %s: %w", t.OpID, err)
	}

	return nil
}

// GetTicket retrieves a ticket by operation ID.
// Returns (nil, nil) if no ticket exists.
func (s *Store) GetTicket(ctx context.Context, opID string) (*Ticket, error) {
	t, err := scanTicket(s.ticketStmts.get.QueryRowContext(ctx, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil ticket means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: get ticket %s: %w", opID, err)
	}

	return t, nil
}

// DeleteTicket removes a ticket once its operation's outcome is known.
// Deleting an absent ticket succeeds.
func (s *Store) DeleteTicket(ctx context.Context, opID string) error {
	s.logger.Debug("deleting operation ticket", "op_id", opID)

	_, err := s.ticketStmts.delete.ExecContext(ctx, opID)
	if err != nil {
		return fmt.Errorf("store: delete ticket %s: %w", opID, err)
	}

	return nil
}

// ListTickets returns all outstanding tickets, oldest first. Called at
// engine startup to probe operations a crash left unresolved.
func (s *Store) ListTickets(ctx context.Context) ([]Ticket, error) {
	rows, err := s.ticketStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket

	for rows.Next() {
		t, scanErr := scanTicket(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan ticket row: %w", scanErr)
		}

		tickets = append(tickets, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ticket rows: %w", err)
	}

	return tickets, nil
}

// scanTicket scans one ticket row, parsing the ID arrays from JSON.
func scanTicket(row interface{ Scan(...any) error }) (*Ticket, error) {
	var (
		t          Ticket
		scopeStr   string
		saveJSON   string
		deleteJSON string
	)

	if err := row.Scan(&t.OpID, &scopeStr, &saveJSON, &deleteJSON, &t.CreatedAt); err != nil {
		return nil, err
	}

	scope, err := zoneid.ParseScope(scopeStr)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", t.OpID, err)
	}

	t.Scope = scope

	if err := json.Unmarshal([]byte(saveJSON), &t.SaveIDs); err != nil {
		return nil, fmt.Errorf("ticket %s save ids: %w", t.OpID, err)
	}

	if err := json.Unmarshal([]byte(deleteJSON), &t.DeleteIDs); err != nil {
		return nil, fmt.Errorf("ticket %s delete ids: %w", t.OpID, err)
	}

	return &t, nil
}
