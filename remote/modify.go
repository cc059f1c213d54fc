package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/plivesey/zonesync/zoneid"
)

// ModifyRequest is one atomic batch of record saves and deletes.
// OperationID must be unique per logical submission; resubmitting the
// same ID after a crash is safe because the server deduplicates on it.
type ModifyRequest struct {
	OperationID string
	SavePolicy  SavePolicy
	Save        []Record
	Delete      []zoneid.RecordID
	// AllowMetered permits the server-side fan-out to use metered
	// transport for asset payloads.
	AllowMetered bool
}

// modifyRequestWire mirrors the POST /records/modify JSON body.
type modifyRequestWire struct {
	OperationID  string         `json:"operation_id"`
	Atomic       bool           `json:"atomic"`
	SavePolicy   SavePolicy     `json:"save_policy"`
	Save         []recordWire   `json:"save,omitempty"`
	Delete       []recordIDWire `json:"delete,omitempty"`
	AllowMetered bool           `json:"allow_metered,omitempty"`
}

// Modify submits an atomic batch: either every save and delete in the
// request commits, or none do. Deletes are idempotent (deleting an
// already-absent record succeeds), so callers can resubmit a batch or
// carry the same delete set across split batches without tracking which
// deletes already landed.
func (c *Client) Modify(ctx context.Context, scope zoneid.Scope, req ModifyRequest) error {
	if len(req.Save) == 0 && len(req.Delete) == 0 {
		return nil
	}

	if req.SavePolicy == "" {
		req.SavePolicy = SaveIfUnchanged
	}

	wire := modifyRequestWire{
		OperationID:  req.OperationID,
		Atomic:       true,
		SavePolicy:   req.SavePolicy,
		Save:         make([]recordWire, 0, len(req.Save)),
		Delete:       make([]recordIDWire, 0, len(req.Delete)),
		AllowMetered: req.AllowMetered,
	}

	for _, r := range req.Save {
		wire.Save = append(wire.Save, recordToWire(r))
	}

	for _, id := range req.Delete {
		wire.Delete = append(wire.Delete, recordIDToWire(id))
	}

	c.logger.Debug("submitting modify batch",
		slog.String("scope", scope.String()),
		slog.String("operation_id", req.OperationID),
		slog.Int("saves", len(req.Save)),
		slog.Int("deletes", len(req.Delete)),
	)

	path := fmt.Sprintf("/v1/%s/records/modify", scope)

	resp, err := c.do(ctx, http.MethodPost, path, wire)
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}

// createZoneRequest mirrors the POST /zones JSON body.
type createZoneRequest struct {
	Zone zoneWire `json:"zone"`
}

// CreateZone creates a record zone in the scope. Creating a zone that
// already exists succeeds.
func (c *Client) CreateZone(ctx context.Context, scope zoneid.Scope, zone zoneid.Zone) error {
	c.logger.Debug("creating zone",
		slog.String("scope", scope.String()),
		slog.String("zone", zone.String()),
	)

	path := fmt.Sprintf("/v1/%s/zones", scope)

	resp, err := c.do(ctx, http.MethodPost, path, createZoneRequest{Zone: zoneToWire(zone)})
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}

// createSubscriptionRequest mirrors the POST /subscriptions JSON body.
type createSubscriptionRequest struct {
	ID string `json:"id"`
}

// CreateSubscription registers a database-level change subscription so
// the store pushes change notifications for the scope. Registering an
// existing subscription ID succeeds.
func (c *Client) CreateSubscription(ctx context.Context, scope zoneid.Scope, id string) error {
	c.logger.Debug("creating subscription",
		slog.String("scope", scope.String()),
		slog.String("subscription_id", id),
	)

	path := fmt.Sprintf("/v1/%s/subscriptions", scope)

	resp, err := c.do(ctx, http.MethodPost, path, createSubscriptionRequest{ID: id})
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}

// Operation states reported by OperationStatus.
const (
	OperationPending   = "pending"
	OperationCompleted = "completed"
	OperationFailed    = "failed"
	OperationUnknown   = "unknown"
)

// OperationStatus is the server's view of a long-lived modify operation.
type OperationStatus struct {
	ID    string
	State string
	// Err holds the classified failure for OperationFailed.
	Err error
}

// operationStatusResponse mirrors the GET /operations/{id} JSON response.
type operationStatusResponse struct {
	ID    string         `json:"id"`
	State string         `json:"state"`
	Error *errorEnvelope `json:"error,omitempty"`
}

// FetchOperationStatus asks the server what became of a previously
// submitted operation. Servers report OperationUnknown for IDs they have
// never seen or have already expired.
func (c *Client) FetchOperationStatus(ctx context.Context, opID string) (*OperationStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/operations/"+opID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var or operationStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("remote: decoding operation status: %w", err)
	}

	status := &OperationStatus{ID: or.ID, State: or.State}
	if or.Error != nil {
		status.Err = or.Error.toError(0)
	}

	return status, nil
}
