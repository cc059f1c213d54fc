package zonesim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/plivesey/zonesync/zoneid"
)

// Wire error codes. The client classifies by code before HTTP status, so
// these strings must match what production stores send.
const (
	codeBadRequest    = "bad_request"
	codeTokenExpired  = "token_expired"
	codeZoneNotFound  = "zone_not_found"
	codeZoneDeleted   = "zone_deleted"
	codeRecordChanged = "record_changed"
	codeLimitExceeded = "limit_exceeded"
	codeThrottled     = "throttled"
)

// Save policies accepted by the modify endpoint.
const (
	policyIfUnchanged = "if_unchanged"
	policyChangedKeys = "changed_keys"
	policyAllKeys     = "all_keys"
)

// Zone change-stream event names.
const (
	eventRecord   = "record"
	eventDeleted  = "deleted"
	eventToken    = "token"
	eventZoneDone = "zone_done"
	eventDone     = "done"
)

// Operation states reported by the status probe.
const (
	opCompleted = "completed"
	opFailed    = "failed"
	opUnknown   = "unknown"
)

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

type recordWire struct {
	ID         recordIDWire   `json:"id"`
	Type       string         `json:"type"`
	Fields     map[string]any `json:"fields"`
	ChangeTag  string         `json:"change_tag,omitempty"`
	ModifiedAt time.Time      `json:"modified_at,omitzero"`
}

// recordToWire snapshots a stored record. Fields are cloned because the
// wire copy outlives the lock it was built under.
func recordToWire(id zoneid.RecordID, rec *recordState) recordWire {
	return recordWire{
		ID:         recordIDToWire(id),
		Type:       rec.recordType,
		Fields:     maps.Clone(rec.fields),
		ChangeTag:  rec.tag,
		ModifiedAt: rec.modifiedAt,
	}
}

type errorEnvelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

type databaseChangesRequest struct {
	Since string `json:"since"`
}

type databaseChangesResponse struct {
	Zones        []zoneWire `json:"zones"`
	DeletedZones []zoneWire `json:"deleted_zones"`
	Token        string     `json:"token"`
	More         bool       `json:"more"`
}

type zoneChangesRequest struct {
	Zones []zoneFetchWire `json:"zones"`
}

type zoneFetchWire struct {
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

type modifyRequest struct {
	OperationID  string         `json:"operation_id"`
	Atomic       bool           `json:"atomic"`
	SavePolicy   string         `json:"save_policy"`
	Save         []recordWire   `json:"save"`
	Delete       []recordIDWire `json:"delete"`
	AllowMetered bool           `json:"allow_metered"`
}

type createZoneRequest struct {
	Zone zoneWire `json:"zone"`
}

type createSubscriptionRequest struct {
	ID string `json:"id"`
}

type operationStatusResponse struct {
	ID    string         `json:"id"`
	State string         `json:"state"`
	Error *errorEnvelope `json:"error,omitempty"`
}

// statusForCode maps a wire code to the HTTP status it rides on.
func statusForCode(code string) int {
	switch code {
	case codeBadRequest:
		return http.StatusBadRequest
	case codeTokenExpired, codeZoneDeleted:
		return http.StatusGone
	case codeZoneNotFound:
		return http.StatusNotFound
	case codeRecordChanged:
		return http.StatusConflict
	case codeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case codeThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Code: code, Message: message})
}

// parseScope resolves the {scope} path segment, rejecting unknown scopes.
func (s *Server) parseScope(w http.ResponseWriter, r *http.Request) (zoneid.Scope, bool) {
	scope, err := zoneid.ParseScope(r.PathValue("scope"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return 0, false
	}

	return scope, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "decoding request body: "+err.Error())
		return false
	}

	return true
}

// takeThrottle consumes one armed throttle slot. When it reports true
// the 429 has already been written and the handler must stop.
func (s *Server) takeThrottle(w http.ResponseWriter) bool {
	s.mu.Lock()
	if s.throttleLeft == 0 {
		s.mu.Unlock()
		return false
	}

	s.throttleLeft--
	s.stats.ThrottledRequests++
	after := s.throttleAfter
	s.mu.Unlock()

	secs := int(after / time.Second)
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	s.writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		Code:       codeThrottled,
		Message:    "simulated throttle",
		RetryAfter: secs,
	})

	return true
}

// handleDatabaseChanges serves one page of the database-level change
// feed: which zones changed or were deleted since the caller's token.
func (s *Server) handleDatabaseChanges(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.parseScope(w, r)
	if !ok {
		return
	}

	if s.takeThrottle(w) {
		return
	}

	var req databaseChangesRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	st := s.scope(scope)
	s.stats.DatabaseFetches++

	since, err := parseToken(req.Since, st.epoch)
	if err != nil {
		s.mu.Unlock()
		s.writeError(w, http.StatusGone, codeTokenExpired, "database change token expired")

		return
	}

	changes := st.changesSince(since)

	page := changes
	more := false
	if s.pageSize > 0 && len(changes) > s.pageSize {
		page = changes[:s.pageSize]
		more = true
	}

	token := formatToken(st.epoch, st.cursor)
	if more {
		token = formatToken(st.epoch, page[len(page)-1].seq)
	}

	resp := databaseChangesResponse{
		Zones:        []zoneWire{},
		DeletedZones: []zoneWire{},
		Token:        token,
		More:         more,
	}

	for _, ch := range page {
		if ch.deleted {
			resp.DeletedZones = append(resp.DeletedZones, zoneToWire(ch.zone))
		} else {
			resp.Zones = append(resp.Zones, zoneToWire(ch.zone))
		}
	}
	s.mu.Unlock()

	s.logger.Debug("database changes served",
		slog.String("scope", scope.String()),
		slog.Int("zones", len(resp.Zones)),
		slog.Int("deleted_zones", len(resp.DeletedZones)),
		slog.Bool("more", more),
	)

	s.writeJSON(w, http.StatusOK, resp)
}

// handleZoneChanges streams record-level changes for the requested zones
// as newline-delimited JSON events, closed by a terminal done event.
// Zone-level failures (missing zone, stale token, injected faults) are
// reported per zone so the other zones in the request still stream.
func (s *Server) handleZoneChanges(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.parseScope(w, r)
	if !ok {
		return
	}

	if s.takeThrottle(w) {
		return
	}

	var req zoneChangesRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	st := s.scope(scope)
	s.stats.ZoneFetches++

	var events []zoneEventWire
	for _, zf := range req.Zones {
		events = append(events, s.zoneEventsLocked(st, scope, zf)...)
	}
	s.mu.Unlock()

	events = append(events, zoneEventWire{Event: eventDone})

	s.logger.Debug("zone changes served",
		slog.String("scope", scope.String()),
		slog.Int("zones", len(req.Zones)),
		slog.Int("events", len(events)),
	)

	w.Header().Set("Content-Type", "application/x-ndjson")

	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("zone change stream aborted", slog.String("error", err.Error()))
			return
		}
	}
}

// zoneEventsLocked assembles one zone's slice of the change stream:
// record and deletion events after the caller's token, interim token
// checkpoints when configured, and the closing zone_done. Callers hold
// s.mu.
func (s *Server) zoneEventsLocked(st *scopeState, scope zoneid.Scope, zf zoneFetchWire) []zoneEventWire {
	zone := zf.Zone.toZone()
	wire := zoneToWire(zone)

	if code, ok := s.zoneFailures[zoneFailureKey{scope: scope, zone: zone}]; ok {
		delete(s.zoneFailures, zoneFailureKey{scope: scope, zone: zone})

		return []zoneEventWire{{
			Event: eventZoneDone,
			Zone:  &wire,
			Error: &errorEnvelope{Code: code, Message: "injected zone failure"},
		}}
	}

	z, ok := st.zones[zone]
	if !ok {
		env := st.checkZone(zone)

		return []zoneEventWire{{Event: eventZoneDone, Zone: &wire, Error: env}}
	}

	since, err := parseToken(zf.Since, z.epoch)
	if err != nil {
		return []zoneEventWire{{
			Event: eventZoneDone,
			Zone:  &wire,
			Error: &errorEnvelope{Code: codeTokenExpired, Message: "zone change token expired"},
		}}
	}

	var out []zoneEventWire

	emitted := 0
	for _, ev := range z.eventsSince(since) {
		if ev.rec != nil {
			rec := recordToWire(ev.id, ev.rec)
			out = append(out, zoneEventWire{Event: eventRecord, Record: &rec})
		} else {
			id := recordIDToWire(ev.id)
			out = append(out, zoneEventWire{Event: eventDeleted, ID: &id, Type: ev.tombType})
		}

		emitted++
		if s.checkpointEvery > 0 && emitted%s.checkpointEvery == 0 {
			out = append(out, zoneEventWire{Event: eventToken, Zone: &wire, Token: formatToken(z.epoch, ev.seq)})
		}
	}

	return append(out, zoneEventWire{Event: eventZoneDone, Zone: &wire, Token: formatToken(z.epoch, st.cursor)})
}

// handleModify applies one atomic batch of saves and deletes. Validation
// runs before any write, so a rejected batch leaves the store untouched,
// and the rejection is recorded against the operation ID for the status
// probe. A replayed POST of an already-completed operation ID succeeds
// without applying anything again.
func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.parseScope(w, r)
	if !ok {
		return
	}

	if s.takeThrottle(w) {
		return
	}

	var req modifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	policy := req.SavePolicy
	if policy == "" {
		policy = policyIfUnchanged
	}

	switch policy {
	case policyIfUnchanged, policyChangedKeys, policyAllKeys:
	default:
		s.writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("unknown save policy %q", req.SavePolicy))
		return
	}

	s.mu.Lock()

	if req.OperationID != "" {
		if op, seen := s.ops[req.OperationID]; seen && op.state == opCompleted {
			s.mu.Unlock()
			s.logger.Debug("modify replayed", slog.String("operation_id", req.OperationID))
			s.writeJSON(w, http.StatusOK, operationStatusResponse{ID: req.OperationID, State: opCompleted})

			return
		}
	}

	st := s.scope(scope)

	if env := s.validateBatch(st, &req, policy); env != nil {
		s.recordOperation(req.OperationID, env)
		s.mu.Unlock()
		s.writeJSON(w, statusForCode(env.Code), *env)

		return
	}

	now := s.now()
	zones := make(map[zoneid.Zone]bool)

	for _, rw := range req.Save {
		id := rw.ID.toRecordID()
		st.saveRecord(st.zones[id.Zone], id, rw.Type, rw.Fields, policy, now)
		zones[id.Zone] = true
	}

	for _, iw := range req.Delete {
		id := iw.toRecordID()
		if st.deleteRecord(st.zones[id.Zone], id) {
			zones[id.Zone] = true
		}
	}

	s.recordOperation(req.OperationID, nil)
	s.stats.ModifyBatches++
	s.notifyZonesLocked(scope, st, zones)
	s.mu.Unlock()

	s.logger.Debug("modify applied",
		slog.String("scope", scope.String()),
		slog.String("operation_id", req.OperationID),
		slog.Int("saves", len(req.Save)),
		slog.Int("deletes", len(req.Delete)),
	)

	s.writeJSON(w, http.StatusOK, operationStatusResponse{ID: req.OperationID, State: opCompleted})
}

// validateBatch checks every item before anything is written. Returns
// the envelope describing the first problem, nil when the batch may
// apply.
func (s *Server) validateBatch(st *scopeState, req *modifyRequest, policy string) *errorEnvelope {
	if n := len(req.Save) + len(req.Delete); n > s.batchLimit {
		return &errorEnvelope{
			Code:    codeLimitExceeded,
			Message: fmt.Sprintf("batch of %d items exceeds the %d item limit", n, s.batchLimit),
		}
	}

	for _, rw := range req.Save {
		id := rw.ID.toRecordID()
		if id.Name == "" || rw.Type == "" {
			return &errorEnvelope{Code: codeBadRequest, Message: "record name and type are required"}
		}

		if env := st.checkZone(id.Zone); env != nil {
			return env
		}

		if policy != policyIfUnchanged {
			continue
		}

		if env := checkChangeTag(st.zones[id.Zone], id, rw.ChangeTag); env != nil {
			return env
		}
	}

	for _, iw := range req.Delete {
		if env := st.checkZone(iw.toRecordID().Zone); env != nil {
			return env
		}
	}

	return nil
}

// checkChangeTag enforces if_unchanged: the submitted tag must name the
// current server version, and creating a record requires no tag at all.
func checkChangeTag(z *zoneState, id zoneid.RecordID, tag string) *errorEnvelope {
	rec, exists := z.records[id]
	if exists && rec.tag == tag {
		return nil
	}

	if !exists && tag == "" {
		return nil
	}

	return &errorEnvelope{Code: codeRecordChanged, Message: fmt.Sprintf("record %s changed on the server", id)}
}

// recordOperation remembers a decided batch outcome. Completed
// operations replay idempotently on a repeated POST; failed ones are
// kept for the status probe, but a retry with the same ID validates
// fresh since the failed attempt wrote nothing. Callers hold s.mu.
func (s *Server) recordOperation(id string, fail *errorEnvelope) {
	if id == "" {
		return
	}

	op := &operation{state: opCompleted}
	if fail != nil {
		op = &operation{state: opFailed, fail: fail}
	}

	s.ops[id] = op
}

// handleCreateZone creates a zone. Creation is idempotent: recreating an
// existing zone succeeds without side effects.
func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.parseScope(w, r)
	if !ok {
		return
	}

	var req createZoneRequest
	if !s.decode(w, r, &req) {
		return
	}

	zone := req.Zone.toZone()
	if zone.Name == "" {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "zone name is required")
		return
	}

	if !scope.Capabilities().CreatesZones {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("the %s scope does not support zone creation", scope))
		return
	}

	s.mu.Lock()
	s.scope(scope).ensureZone(zone)
	s.mu.Unlock()

	s.logger.Debug("zone created",
		slog.String("scope", scope.String()),
		slog.String("zone", zone.String()),
	)

	s.writeJSON(w, http.StatusOK, struct{}{})
}

// handleCreateSubscription registers a change subscription. Pings reach
// notification listeners only for scopes holding at least one
// subscription, mirroring how production stores gate pushes.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.parseScope(w, r)
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "subscription id is required")
		return
	}

	if !scope.Capabilities().Subscribes {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("the %s scope does not support subscriptions", scope))
		return
	}

	s.mu.Lock()
	s.scope(scope).subs[req.ID] = true
	s.mu.Unlock()

	s.logger.Debug("subscription registered",
		slog.String("scope", scope.String()),
		slog.String("subscription_id", req.ID),
	)

	s.writeJSON(w, http.StatusOK, struct{}{})
}

// handleOperationStatus reports what became of a modify batch. Unknown
// IDs are reported as such rather than failing: the caller is probing
// after a crash and may hold a ticket the server never saw.
func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()

	resp := operationStatusResponse{ID: id, State: opUnknown}
	if ok {
		resp.State = op.state
		resp.Error = op.fail
	}

	s.writeJSON(w, http.StatusOK, resp)
}
