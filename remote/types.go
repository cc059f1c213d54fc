package remote

import (
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/plivesey/zonesync/zoneid"
)

// Record is one versioned record in the remote store. Fields carries the
// user payload; ChangeTag is the server's version cookie and must be sent
// back unmodified on save so the server can detect conflicting writes.
type Record struct {
	ID         zoneid.RecordID
	Type       string
	Fields     map[string]any
	ChangeTag  string
	ModifiedAt time.Time
}

// SavePolicy controls how the server merges a saved record against the
// current server copy.
type SavePolicy string

const (
	// SaveIfUnchanged rejects the save when the server copy has moved past
	// the submitted change tag.
	SaveIfUnchanged SavePolicy = "if_unchanged"
	// SaveChangedKeys writes only the fields present in the request, so
	// concurrent edits to disjoint fields both survive.
	SaveChangedKeys SavePolicy = "changed_keys"
	// SaveAllKeys overwrites the server copy wholesale.
	SaveAllKeys SavePolicy = "all_keys"
)

// zoneWire is the JSON form of a zone identifier.
type zoneWire struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

func zoneToWire(z zoneid.Zone) zoneWire {
	return zoneWire{Name: z.Name, Owner: z.Owner}
}

func (w zoneWire) toZone() zoneid.Zone {
	return zoneid.NewOwnedZone(w.Name, w.Owner)
}

// recordIDWire is the JSON form of a record identifier.
type recordIDWire struct {
	Name string   `json:"name"`
	Zone zoneWire `json:"zone"`
}

func recordIDToWire(id zoneid.RecordID) recordIDWire {
	return recordIDWire{Name: id.Name, Zone: zoneToWire(id.Zone)}
}

func (w recordIDWire) toRecordID() zoneid.RecordID {
	return zoneid.NewRecordID(w.Name, w.Zone.toZone())
}

// recordWire is the JSON form of a record. Unexported; callers receive
// normalized Record values.
type recordWire struct {
	ID         recordIDWire   `json:"id"`
	Type       string         `json:"type"`
	Fields     map[string]any `json:"fields"`
	ChangeTag  string         `json:"change_tag,omitempty"`
	ModifiedAt time.Time      `json:"modified_at,omitzero"`
}

func recordToWire(r Record) recordWire {
	return recordWire{
		ID:         recordIDToWire(r.ID),
		Type:       r.Type,
		Fields:     r.Fields,
		ChangeTag:  r.ChangeTag,
		ModifiedAt: r.ModifiedAt,
	}
}

// toRecord normalizes a wire record. Names pass through NFC via the
// zoneid constructors; the type string is normalized here for the same
// reason (it keys the apply batches).
func (w recordWire) toRecord() Record {
	return Record{
		ID:         w.ID.toRecordID(),
		Type:       norm.NFC.String(w.Type),
		Fields:     w.Fields,
		ChangeTag:  w.ChangeTag,
		ModifiedAt: w.ModifiedAt,
	}
}

// errorEnvelope is the JSON body the server attaches to non-2xx
// responses and embeds in per-zone stream results.
type errorEnvelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// toError converts an envelope plus HTTP status into a classified *Error.
// A code-level sentinel wins over the status-level one.
func (env *errorEnvelope) toError(status int) *Error {
	sentinel := classifyCode(env.Code)
	if sentinel == nil {
		sentinel = classifyStatus(status)
	}

	return &Error{
		StatusCode: status,
		Code:       env.Code,
		Message:    env.Message,
		RetryAfter: time.Duration(env.RetryAfter) * time.Second,
		Err:        sentinel,
	}
}
