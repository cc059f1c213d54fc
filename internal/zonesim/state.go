package zonesim

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/plivesey/zonesync/zoneid"
)

// scopeState is one database partition: its zones, deleted-zone markers,
// registered subscriptions, and the cursor every change in the partition
// is sequenced by.
type scopeState struct {
	cursor  int64
	epoch   int
	zones   map[zoneid.Zone]*zoneState
	deleted map[zoneid.Zone]deletedZone
	subs    map[string]bool
}

// deletedZone remembers when a zone was removed and which token epoch it
// had, so a recreation can invalidate tokens issued for the old life.
type deletedZone struct {
	seq   int64
	epoch int
}

type zoneState struct {
	epoch   int
	lastSeq int64
	records map[zoneid.RecordID]*recordState
	tombs   map[zoneid.RecordID]tombstone
}

type recordState struct {
	recordType string
	fields     map[string]any
	tag        string
	seq        int64
	modifiedAt time.Time
}

// tombstone keeps the deleted record's type so the change stream can
// report typed deletions.
type tombstone struct {
	seq        int64
	recordType string
}

// scope returns the partition's state, creating it on first touch.
// Callers hold s.mu.
func (s *Server) scope(sc zoneid.Scope) *scopeState {
	st, ok := s.scopes[sc]
	if !ok {
		st = &scopeState{
			zones:   make(map[zoneid.Zone]*zoneState),
			deleted: make(map[zoneid.Zone]deletedZone),
			subs:    make(map[string]bool),
		}
		s.scopes[sc] = st
	}

	return st
}

func (st *scopeState) nextSeq() int64 {
	st.cursor++

	return st.cursor
}

// ensureZone creates the zone if absent. A zone recreated after deletion
// starts at a later epoch so tokens from its previous life expire.
func (st *scopeState) ensureZone(zone zoneid.Zone) *zoneState {
	z, ok := st.zones[zone]
	if ok {
		return z
	}

	epoch := 0
	if dz, wasDeleted := st.deleted[zone]; wasDeleted {
		epoch = dz.epoch + 1
		delete(st.deleted, zone)
	}

	z = &zoneState{
		epoch:   epoch,
		lastSeq: st.nextSeq(),
		records: make(map[zoneid.RecordID]*recordState),
		tombs:   make(map[zoneid.RecordID]tombstone),
	}
	st.zones[zone] = z

	return z
}

// deleteZone drops the zone and everything in it, leaving a marker the
// database change feed reports as a deleted zone.
func (st *scopeState) deleteZone(zone zoneid.Zone) bool {
	z, ok := st.zones[zone]
	if !ok {
		return false
	}

	delete(st.zones, zone)
	st.deleted[zone] = deletedZone{seq: st.nextSeq(), epoch: z.epoch}

	return true
}

// saveRecord writes one record version and returns it. The changed-keys
// policy merges the given fields over the current ones; the other
// policies replace them wholesale.
func (st *scopeState) saveRecord(z *zoneState, id zoneid.RecordID, recordType string, fields map[string]any, policy string, now time.Time) *recordState {
	seq := st.nextSeq()

	merged := make(map[string]any, len(fields))
	if policy == policyChangedKeys {
		if prev, ok := z.records[id]; ok {
			maps.Copy(merged, prev.fields)
		}
	}
	maps.Copy(merged, fields)

	rec := &recordState{
		recordType: recordType,
		fields:     merged,
		tag:        "ct-" + strconv.FormatInt(seq, 10),
		seq:        seq,
		modifiedAt: now,
	}

	z.records[id] = rec
	delete(z.tombs, id)
	z.lastSeq = seq

	return rec
}

// deleteRecord tombstones a record. Deleting an absent record is a
// no-op: the outcome the caller asked for already holds, so nothing is
// sequenced and nothing appears in the change feed.
func (st *scopeState) deleteRecord(z *zoneState, id zoneid.RecordID) bool {
	rec, ok := z.records[id]
	if !ok {
		return false
	}

	seq := st.nextSeq()
	delete(z.records, id)
	z.tombs[id] = tombstone{seq: seq, recordType: rec.recordType}
	z.lastSeq = seq

	return true
}

// checkZone reports why a zone cannot take writes. Deleted zones and
// never-created zones carry different codes: the client may recreate a
// missing zone but needs to know a deletion happened underneath it.
func (st *scopeState) checkZone(zone zoneid.Zone) *errorEnvelope {
	if _, ok := st.zones[zone]; ok {
		return nil
	}

	if _, wasDeleted := st.deleted[zone]; wasDeleted {
		return &errorEnvelope{Code: codeZoneDeleted, Message: fmt.Sprintf("zone %s was deleted", zone)}
	}

	return &errorEnvelope{Code: codeZoneNotFound, Message: fmt.Sprintf("zone %s does not exist", zone)}
}

// dbChange is one entry in the database-level change feed.
type dbChange struct {
	zone    zoneid.Zone
	seq     int64
	deleted bool
}

// changesSince lists zone-level changes after the cursor, oldest first.
func (st *scopeState) changesSince(since int64) []dbChange {
	var changes []dbChange

	for zone, z := range st.zones {
		if z.lastSeq > since {
			changes = append(changes, dbChange{zone: zone, seq: z.lastSeq})
		}
	}

	for zone, dz := range st.deleted {
		if dz.seq > since {
			changes = append(changes, dbChange{zone: zone, seq: dz.seq, deleted: true})
		}
	}

	slices.SortFunc(changes, func(a, b dbChange) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return changes
}

// zoneEvent is one entry in a zone's record-level change feed. rec is
// nil for deletions, which carry the deleted record's type instead.
type zoneEvent struct {
	seq      int64
	id       zoneid.RecordID
	rec      *recordState
	tombType string
}

// eventsSince lists a zone's record changes after the cursor, oldest
// first. A record saved several times appears once, at its latest
// version.
func (z *zoneState) eventsSince(since int64) []zoneEvent {
	var events []zoneEvent

	for id, rec := range z.records {
		if rec.seq > since {
			events = append(events, zoneEvent{seq: rec.seq, id: id, rec: rec})
		}
	}

	for id, tomb := range z.tombs {
		if tomb.seq > since {
			events = append(events, zoneEvent{seq: tomb.seq, id: id, tombType: tomb.recordType})
		}
	}

	slices.SortFunc(events, func(a, b zoneEvent) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return events
}

var errStaleToken = errors.New("zonesim: stale change token")

// Change tokens are "epoch:cursor" pairs. The epoch names which life of
// the feed the cursor belongs to; bumping it invalidates every
// outstanding token for that feed without disturbing any other.
func formatToken(epoch int, cursor int64) string {
	return strconv.Itoa(epoch) + ":" + strconv.FormatInt(cursor, 10)
}

// parseToken returns the cursor position a token resumes from. An empty
// token starts from the beginning. Tokens from another epoch, and tokens
// the simulator cannot read, report errStaleToken.
func parseToken(token string, epoch int) (int64, error) {
	if token == "" {
		return 0, nil
	}

	epochPart, cursorPart, ok := strings.Cut(token, ":")
	if !ok {
		return 0, errStaleToken
	}

	tokenEpoch, err := strconv.Atoi(epochPart)
	if err != nil || tokenEpoch != epoch {
		return 0, errStaleToken
	}

	cursor, err := strconv.ParseInt(cursorPart, 10, 64)
	if err != nil {
		return 0, errStaleToken
	}

	return cursor, nil
}
