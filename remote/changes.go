package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/plivesey/zonesync/zoneid"
)

// DatabasePage is one page of database-level changes: which zones have
// new records since the caller's token, which zones were purged, and the
// cursor to resume from. More signals further pages behind Token.
type DatabasePage struct {
	Zones        []zoneid.Zone
	DeletedZones []zoneid.Zone
	Token        string
	More         bool
}

// databaseChangesRequest mirrors the POST /changes/database JSON body.
type databaseChangesRequest struct {
	Since string `json:"since"`
}

// databaseChangesResponse mirrors the server's JSON response.
// Unexported; callers receive normalized DatabasePage values.
type databaseChangesResponse struct {
	Zones        []zoneWire `json:"zones"`
	DeletedZones []zoneWire `json:"deleted_zones"`
	Token        string     `json:"token"`
	More         bool       `json:"more"`
}

// FetchDatabaseChanges fetches one page of database-level changes for a
// scope. Pass an empty token for the initial sync (reports every zone).
// An expired token surfaces as ErrTokenExpired; the caller restarts with
// an empty token.
func (c *Client) FetchDatabaseChanges(ctx context.Context, scope zoneid.Scope, since string) (*DatabasePage, error) {
	c.logger.Debug("fetching database changes",
		slog.String("scope", scope.String()),
		slog.Bool("initial_sync", since == ""),
	)

	path := fmt.Sprintf("/v1/%s/changes/database", scope)

	resp, err := c.do(ctx, http.MethodPost, path, databaseChangesRequest{Since: since})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr databaseChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("remote: decoding database changes: %w", err)
	}

	page := &DatabasePage{
		Zones:        make([]zoneid.Zone, 0, len(dr.Zones)),
		DeletedZones: make([]zoneid.Zone, 0, len(dr.DeletedZones)),
		Token:        dr.Token,
		More:         dr.More,
	}

	for _, zw := range dr.Zones {
		page.Zones = append(page.Zones, zw.toZone())
	}

	for _, zw := range dr.DeletedZones {
		page.DeletedZones = append(page.DeletedZones, zw.toZone())
	}

	c.logger.Debug("fetched database changes page",
		slog.Int("changed_zones", len(page.Zones)),
		slog.Int("deleted_zones", len(page.DeletedZones)),
		slog.Bool("more", page.More),
	)

	return page, nil
}

// ZoneChangeRequest names one zone to fetch and the token to resume from.
// An empty Since fetches the zone from the beginning.
type ZoneChangeRequest struct {
	Zone  zoneid.Zone
	Since string
}

// ZoneChangeEvents carries the callbacks invoked while a zone-changes
// stream is consumed, in stream order. Nil callbacks are skipped. The
// callbacks run on the goroutine that called FetchZoneChanges.
type ZoneChangeEvents struct {
	// Record reports a new or changed record.
	Record func(Record)
	// Deleted reports a deleted record and its record type.
	Deleted func(id zoneid.RecordID, recordType string)
	// TokenUpdated reports an intermediate per-zone checkpoint token.
	TokenUpdated func(zone zoneid.Zone, token string)
	// ZoneDone reports the end of one zone's changes: its final token on
	// success, or a classified error (ErrTokenExpired and friends) when
	// that zone failed. Other zones in the same request are unaffected.
	ZoneDone func(zone zoneid.Zone, token string, err error)
}

// Wire forms of the zone-changes stream events.
type zoneChangesRequest struct {
	Zones []zoneChangeReqWire `json:"zones"`
}

type zoneChangeReqWire struct {
	Zone  zoneWire `json:"zone"`
	Since string   `json:"since"`
}

type zoneEventWire struct {
	Event  string         `json:"event"`
	Record *recordWire    `json:"record,omitempty"`
	ID     *recordIDWire  `json:"id,omitempty"`
	Type   string         `json:"type,omitempty"`
	Zone   *zoneWire      `json:"zone,omitempty"`
	Token  string         `json:"token,omitempty"`
	Error  *errorEnvelope `json:"error,omitempty"`
}

// Stream event names.
const (
	eventRecord   = "record"
	eventDeleted  = "deleted"
	eventToken    = "token"
	eventZoneDone = "zone_done"
	eventDone     = "done"
)

// FetchZoneChanges streams record-level changes for a set of zones, each
// resuming from its own token. The server replies with newline-delimited
// JSON events which are dispatched to the callbacks as they arrive, so a
// large zone never has to fit in memory at once.
//
// Per-zone failures ride inside ZoneDone and do not abort the stream.
// The returned error covers request-level failures only: transport
// errors, a rejected request, or a truncated stream.
func (c *Client) FetchZoneChanges(ctx context.Context, scope zoneid.Scope, reqs []ZoneChangeRequest, events ZoneChangeEvents) error {
	if len(reqs) == 0 {
		return nil
	}

	body := zoneChangesRequest{Zones: make([]zoneChangeReqWire, 0, len(reqs))}
	for _, r := range reqs {
		body.Zones = append(body.Zones, zoneChangeReqWire{Zone: zoneToWire(r.Zone), Since: r.Since})
	}

	c.logger.Debug("fetching zone changes",
		slog.String("scope", scope.String()),
		slog.Int("zones", len(reqs)),
	)

	path := fmt.Sprintf("/v1/%s/changes/zones", scope)

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.consumeZoneStream(resp.Body, events)
}

// consumeZoneStream decodes NDJSON events until the terminal "done"
// event. A stream that ends without one is reported as truncated so the
// caller never mistakes a dropped connection for a completed fetch.
func (c *Client) consumeZoneStream(r io.Reader, events ZoneChangeEvents) error {
	dec := json.NewDecoder(bufio.NewReader(r))

	var records, deletes int

	for {
		var ev zoneEventWire
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("remote: zone change stream truncated after %d records", records)
			}

			return fmt.Errorf("remote: decoding zone change stream: %w", err)
		}

		switch ev.Event {
		case eventRecord:
			if ev.Record == nil {
				return fmt.Errorf("remote: record event without record body")
			}

			records++

			if events.Record != nil {
				events.Record(ev.Record.toRecord())
			}

		case eventDeleted:
			if ev.ID == nil {
				return fmt.Errorf("remote: deleted event without record id")
			}

			deletes++

			if events.Deleted != nil {
				events.Deleted(ev.ID.toRecordID(), ev.Type)
			}

		case eventToken:
			if ev.Zone != nil && events.TokenUpdated != nil {
				events.TokenUpdated(ev.Zone.toZone(), ev.Token)
			}

		case eventZoneDone:
			if ev.Zone == nil {
				return fmt.Errorf("remote: zone_done event without zone")
			}

			var zoneErr error
			if ev.Error != nil {
				zoneErr = ev.Error.toError(0)
			}

			if events.ZoneDone != nil {
				events.ZoneDone(ev.Zone.toZone(), ev.Token, zoneErr)
			}

		case eventDone:
			c.logger.Debug("zone change stream complete",
				slog.Int("records", records),
				slog.Int("deletes", deletes),
			)

			return nil

		default:
			// Unknown events are skipped so the protocol can grow.
			c.logger.Debug("skipping unknown stream event", slog.String("event", ev.Event))
		}
	}
}
