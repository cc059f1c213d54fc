package zonesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/store"
)

// resumeTickets probes operation tickets left behind by a crashed
// process. A ticket is written before a long-lived batch is submitted
// and deleted once its outcome is known, so a ticket at startup means
// the previous process died mid-push. The probe only settles the
// ticket's fate: records that still need pushing stay in their
// syncable's pending queue and ride the next PushAll.
//
// Tickets whose operation completed, failed, or was never seen by the
// server are deleted. A still-running operation keeps its ticket for the
// next startup. Returns an error only when the ticket store itself
// fails; an unreachable server leaves the tickets in place.
func (e *Engine) resumeTickets(ctx context.Context) error {
	if e.tickets == nil || e.prober == nil || !e.caps.LongLivedOperations {
		return nil
	}

	all, err := e.tickets.ListTickets(ctx)
	if err != nil {
		return fmt.Errorf("listing operation tickets: %w", err)
	}

	// The ticket table is shared across scopes; engines for other scopes
	// probe their own tickets.
	var tickets []store.Ticket
	for _, ticket := range all {
		if ticket.Scope == e.scope {
			tickets = append(tickets, ticket)
		}
	}

	if len(tickets) == 0 {
		return nil
	}

	e.logger.Info("resuming interrupted operations",
		slog.String("scope", e.scope.String()),
		slog.Int("tickets", len(tickets)),
	)

	for _, ticket := range tickets {
		resolved, err := e.probeTicket(ctx, ticket)
		if err != nil {
			e.logger.Warn("operation probe failed, keeping ticket",
				slog.String("operation_id", ticket.OpID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !resolved {
			continue
		}

		if err := e.tickets.DeleteTicket(ctx, ticket.OpID); err != nil {
			return fmt.Errorf("deleting ticket %s: %w", ticket.OpID, err)
		}
	}

	return nil
}

// probeTicket asks the server what became of one interrupted operation.
// Reports whether the ticket can be discarded.
func (e *Engine) probeTicket(ctx context.Context, ticket store.Ticket) (bool, error) {
	status, err := e.prober.FetchOperationStatus(ctx, ticket.OpID)
	if err != nil {
		// The server never saw the operation: the submit itself was lost
		// in the crash, so there is no outcome to wait for.
		if errors.Is(err, remote.ErrNotFound) {
			e.logger.Info("interrupted operation never reached the server",
				slog.String("operation_id", ticket.OpID),
			)
			return true, nil
		}
		return false, err
	}

	switch status.State {
	case remote.OperationCompleted:
		e.logger.Info("interrupted operation had completed",
			slog.String("operation_id", ticket.OpID),
			slog.Int("saves", len(ticket.SaveIDs)),
			slog.Int("deletes", len(ticket.DeleteIDs)),
		)
		return true, nil

	case remote.OperationFailed:
		e.logger.Warn("interrupted operation failed on the server",
			slog.String("operation_id", ticket.OpID),
			slog.String("error", errString(status.Err)),
		)
		return true, nil

	case remote.OperationUnknown:
		return true, nil

	case remote.OperationPending:
		e.logger.Info("interrupted operation still running",
			slog.String("operation_id", ticket.OpID),
		)
		return false, nil

	default:
		return false, fmt.Errorf("operation %s in unexpected state %q", ticket.OpID, status.State)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
