package zonesim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plivesey/zonesync/remote"
	"github.com/plivesey/zonesync/zoneid"
)

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func testRecord(name string, zone zoneid.Zone, recordType string, fields map[string]any) remote.Record {
	return remote.Record{
		ID:     zoneid.NewRecordID(name, zone),
		Type:   recordType,
		Fields: fields,
	}
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	return rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

// streamEvents reads a newline-delimited zone change stream to EOF.
func streamEvents(t *testing.T, rec *httptest.ResponseRecorder) []zoneEventWire {
	t.Helper()

	var events []zoneEventWire

	dec := json.NewDecoder(rec.Body)
	for {
		var ev zoneEventWire
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)
		events = append(events, ev)
	}

	return events
}

func fetchZone(t *testing.T, s *Server, scope string, zone zoneid.Zone, since string) []zoneEventWire {
	t.Helper()

	rec := postJSON(t, s, "/v1/"+scope+"/changes/zones", zoneChangesRequest{
		Zones: []zoneFetchWire{{Zone: zoneToWire(zone), Since: since}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	return streamEvents(t, rec)
}

// zoneDoneToken pulls the final token out of a single-zone stream.
func zoneDoneToken(t *testing.T, events []zoneEventWire) string {
	t.Helper()

	for _, ev := range events {
		if ev.Event == eventZoneDone {
			require.Nil(t, ev.Error)
			return ev.Token
		}
	}

	t.Fatal("stream has no zone_done event")
	return ""
}

func TestDatabaseChanges_ReportsChangedZones(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	notes := zoneid.NewZone("notes")
	tasks := zoneid.NewZone("tasks")
	s.Seed(zoneid.ScopePrivate, testRecord("n1", notes, "Note", map[string]any{"title": "a"}))
	s.Seed(zoneid.ScopePrivate, testRecord("t1", tasks, "Task", map[string]any{"title": "b"}))

	rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAs[databaseChangesResponse](t, rec)
	require.Len(t, resp.Zones, 2)
	assert.Equal(t, "notes", resp.Zones[0].Name)
	assert.Equal(t, "tasks", resp.Zones[1].Name)
	assert.Empty(t, resp.DeletedZones)
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.More)

	// Resuming from the returned token sees nothing new.
	rec = postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{Since: resp.Token})
	require.Equal(t, http.StatusOK, rec.Code)

	resp = decodeAs[databaseChangesResponse](t, rec)
	assert.Empty(t, resp.Zones)
	assert.False(t, resp.More)

	assert.Equal(t, int64(2), s.Stats().DatabaseFetches)
}

func TestDatabaseChanges_Paging(t *testing.T) {
	s := New(Options{Logger: testLogger(t), DatabasePageSize: 1})

	for _, name := range []string{"alpha", "beta", "gamma"} {
		zone := zoneid.NewZone(name)
		s.Seed(zoneid.ScopePrivate, testRecord("r", zone, "Item", nil))
	}

	var seen []string

	since := ""
	pages := 0
	for {
		rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{Since: since})
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeAs[databaseChangesResponse](t, rec)
		for _, z := range resp.Zones {
			seen = append(seen, z.Name)
		}

		pages++
		since = resp.Token

		if !resp.More {
			break
		}
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, seen)
}

func TestDatabaseChanges_ReportsDeletedZones(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	token := decodeAs[databaseChangesResponse](t, rec).Token

	s.DeleteZone(zoneid.ScopePrivate, zone)

	rec = postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{Since: token})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAs[databaseChangesResponse](t, rec)
	assert.Empty(t, resp.Zones)
	require.Len(t, resp.DeletedZones, 1)
	assert.Equal(t, "notes", resp.DeletedZones[0].Name)
}

func TestDatabaseChanges_ExpiredToken(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	token := decodeAs[databaseChangesResponse](t, rec).Token

	s.ExpireDatabaseToken(zoneid.ScopePrivate)

	rec = postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{Since: token})
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, codeTokenExpired, decodeAs[errorEnvelope](t, rec).Code)

	// Starting over without a token works and yields a token from the
	// new epoch.
	rec = postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAs[databaseChangesResponse](t, rec)
	require.Len(t, resp.Zones, 1)
	assert.True(t, strings.HasPrefix(resp.Token, "1:"))
}

func TestZoneChanges_StreamOrder(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate,
		testRecord("r1", zone, "Note", map[string]any{"title": "first"}),
		testRecord("r2", zone, "Note", map[string]any{"title": "second"}),
	)
	s.DeleteRecord(zoneid.ScopePrivate, zoneid.NewRecordID("r1", zone))

	events := fetchZone(t, s, "private", zone, "")
	require.Len(t, events, 4)

	assert.Equal(t, eventRecord, events[0].Event)
	require.NotNil(t, events[0].Record)
	assert.Equal(t, "r2", events[0].Record.ID.Name)
	assert.Equal(t, "second", events[0].Record.Fields["title"])
	assert.NotEmpty(t, events[0].Record.ChangeTag)

	assert.Equal(t, eventDeleted, events[1].Event)
	require.NotNil(t, events[1].ID)
	assert.Equal(t, "r1", events[1].ID.Name)
	assert.Equal(t, "Note", events[1].Type)

	assert.Equal(t, eventZoneDone, events[2].Event)
	require.NotNil(t, events[2].Zone)
	assert.Equal(t, "notes", events[2].Zone.Name)
	assert.NotEmpty(t, events[2].Token)

	assert.Equal(t, eventDone, events[3].Event)
}

func TestZoneChanges_ResumesFromToken(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	token := zoneDoneToken(t, fetchZone(t, s, "private", zone, ""))

	s.Seed(zoneid.ScopePrivate, testRecord("r2", zone, "Note", nil))

	events := fetchZone(t, s, "private", zone, token)
	require.Len(t, events, 3)
	assert.Equal(t, eventRecord, events[0].Event)
	assert.Equal(t, "r2", events[0].Record.ID.Name)
}

func TestZoneChanges_Checkpoints(t *testing.T) {
	s := New(Options{Logger: testLogger(t), CheckpointEvery: 2})

	zone := zoneid.NewZone("notes")
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s.Seed(zoneid.ScopePrivate, testRecord(name, zone, "Note", nil))
	}

	events := fetchZone(t, s, "private", zone, "")
	require.Len(t, events, 9) // 5 records, 2 checkpoints, zone_done, done

	assert.Equal(t, eventToken, events[2].Event)
	assert.NotEmpty(t, events[2].Token)
	assert.Equal(t, eventToken, events[5].Event)

	// Resuming from a checkpoint skips the records before it.
	events = fetchZone(t, s, "private", zone, events[2].Token)
	require.Len(t, events, 6) // 3 records, 1 checkpoint, zone_done, done
	assert.Equal(t, "c", events[0].Record.ID.Name)
}

func TestZoneChanges_MissingZoneCodes(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	ghost := zoneid.NewZone("ghost")
	events := fetchZone(t, s, "private", ghost, "")
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, codeZoneNotFound, events[0].Error.Code)

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))
	token := zoneDoneToken(t, fetchZone(t, s, "private", zone, ""))

	s.DeleteZone(zoneid.ScopePrivate, zone)

	events = fetchZone(t, s, "private", zone, token)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, codeZoneDeleted, events[0].Error.Code)

	// A recreated zone starts a new token epoch, so tokens from its
	// previous life expire instead of resuming mid-feed.
	s.CreateZone(zoneid.ScopePrivate, zone)

	events = fetchZone(t, s, "private", zone, token)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, codeTokenExpired, events[0].Error.Code)
}

func TestZoneChanges_ExpiryIsolatedToZone(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	notes := zoneid.NewZone("notes")
	tasks := zoneid.NewZone("tasks")
	s.Seed(zoneid.ScopePrivate, testRecord("n1", notes, "Note", nil))
	s.Seed(zoneid.ScopePrivate, testRecord("t1", tasks, "Task", nil))

	notesToken := zoneDoneToken(t, fetchZone(t, s, "private", notes, ""))
	tasksToken := zoneDoneToken(t, fetchZone(t, s, "private", tasks, ""))

	dbToken := decodeAs[databaseChangesResponse](t,
		postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})).Token

	s.ExpireZoneToken(zoneid.ScopePrivate, notes)

	events := fetchZone(t, s, "private", notes, notesToken)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, codeTokenExpired, events[0].Error.Code)

	// The other zone and the database feed keep their progress.
	events = fetchZone(t, s, "private", tasks, tasksToken)
	assert.Nil(t, events[0].Error)

	rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{Since: dbToken})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestZoneChanges_InjectedFailureFiresOnce(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	s.FailZoneOnce(zoneid.ScopePrivate, zone, "unavailable")

	events := fetchZone(t, s, "private", zone, "")
	require.NotNil(t, events[0].Error)
	assert.Equal(t, "unavailable", events[0].Error.Code)

	events = fetchZone(t, s, "private", zone, "")
	assert.Equal(t, eventRecord, events[0].Event)
}

func createZone(t *testing.T, s *Server, scope string, zone zoneid.Zone) {
	t.Helper()

	rec := postJSON(t, s, "/v1/"+scope+"/zones", createZoneRequest{Zone: zoneToWire(zone)})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestModify_AppliesBatch(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	createZone(t, s, "private", zone)

	rec := postJSON(t, s, "/v1/private/records/modify", modifyRequest{
		OperationID: "op-1",
		Atomic:      true,
		SavePolicy:  policyChangedKeys,
		Save: []recordWire{
			{ID: recordIDToWire(zoneid.NewRecordID("r1", zone)), Type: "Note", Fields: map[string]any{"title": "a"}},
			{ID: recordIDToWire(zoneid.NewRecordID("r2", zone)), Type: "Note", Fields: map[string]any{"title": "b"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	recs := s.Records(zoneid.ScopePrivate, zone)
	require.Len(t, recs, 2)
	assert.Equal(t, "r1", recs[0].ID.Name)
	assert.NotEmpty(t, recs[0].ChangeTag)
	assert.Equal(t, int64(1), s.Stats().ModifyBatches)
}

func TestModify_ChangedKeysMergesFields(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	id := zoneid.NewRecordID("r1", zone)
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", map[string]any{"title": "old", "body": "keep"}))

	rec := postJSON(t, s, "/v1/private/records/modify", modifyRequest{
		Atomic:     true,
		SavePolicy: policyChangedKeys,
		Save: []recordWire{
			{ID: recordIDToWire(id), Type: "Note", Fields: map[string]any{"title": "new"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok := s.Record(zoneid.ScopePrivate, id)
	require.True(t, ok)
	assert.Equal(t, "new", got.Fields["title"])
	assert.Equal(t, "keep", got.Fields["body"])

	// all_keys replaces the server copy wholesale.
	rec = postJSON(t, s, "/v1/private/records/modify", modifyRequest{
		Atomic:     true,
		SavePolicy: policyAllKeys,
		Save: []recordWire{
			{ID: recordIDToWire(id), Type: "Note", Fields: map[string]any{"title": "solo"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok = s.Record(zoneid.ScopePrivate, id)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"title": "solo"}, got.Fields)
}

func TestModify_IfUnchangedConflicts(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	id := zoneid.NewRecordID("r1", zone)
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", map[string]any{"title": "a"}))

	current, ok := s.Record(zoneid.ScopePrivate, id)
	require.True(t, ok)

	save := func(changeTag string, recID zoneid.RecordID) *httptest.ResponseRecorder {
		return postJSON(t, s, "/v1/private/records/modify", modifyRequest{
			Atomic:     true,
			SavePolicy: policyIfUnchanged,
			Save: []recordWire{
				{ID: recordIDToWire(recID), Type: "Note", Fields: map[string]any{"title": "x"}, ChangeTag: changeTag},
			},
		})
	}

	rec := save("ct-stale", id)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeRecordChanged, decodeAs[errorEnvelope](t, rec).Code)

	after, _ := s.Record(zoneid.ScopePrivate, id)
	assert.Equal(t, current.ChangeTag, after.ChangeTag, "rejected save must not touch the record")

	rec = save(current.ChangeTag, id)
	require.Equal(t, http.StatusOK, rec.Code)

	// Creating a record that does not exist rejects a stale tag and
	// accepts an empty one.
	fresh := zoneid.NewRecordID("r2", zone)
	rec = save("ct-999", fresh)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = save("", fresh)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestModify_AtomicRejectionWritesNothing(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	rec := postJSON(t, s, "/v1/private/records/modify", modifyRequest{
		Atomic:     true,
		SavePolicy: policyIfUnchanged,
		Save: []recordWire{
			{ID: recordIDToWire(zoneid.NewRecordID("r2", zone)), Type: "Note", Fields: map[string]any{"title": "new"}},
			{ID: recordIDToWire(zoneid.NewRecordID("r1", zone)), Type: "Note", Fields: map[string]any{"title": "x"}, ChangeTag: "ct-stale"},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	_, ok := s.Record(zoneid.ScopePrivate, zoneid.NewRecordID("r2", zone))
	assert.False(t, ok, "the valid half of a rejected atomic batch must not land")
}

func TestModify_BatchLimit(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	s.SetBatchLimit(2)

	zone := zoneid.NewZone("notes")
	createZone(t, s, "private", zone)

	var saves []recordWire
	for _, name := range []string{"a", "b", "c"} {
		saves = append(saves, recordWire{
			ID: recordIDToWire(zoneid.NewRecordID(name, zone)), Type: "Note", Fields: map[string]any{},
		})
	}

	rec := postJSON(t, s, "/v1/private/records/modify", modifyRequest{
		OperationID: "op-big",
		Atomic:      true,
		SavePolicy:  policyChangedKeys,
		Save:        saves,
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, codeLimitExceeded, decodeAs[errorEnvelope](t, rec).Code)
	assert.Empty(t, s.Records(zoneid.ScopePrivate, zone))
	assert.Equal(t, int64(0), s.Stats().ModifyBatches)
}

func TestModify_OperationReplay(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	id := zoneid.NewRecordID("r1", zone)
	createZone(t, s, "private", zone)

	body := modifyRequest{
		OperationID: "op-1",
		Atomic:      true,
		SavePolicy:  policyChangedKeys,
		Save: []recordWire{
			{ID: recordIDToWire(id), Type: "Note", Fields: map[string]any{"title": "a"}},
		},
	}

	rec := postJSON(t, s, "/v1/private/records/modify", body)
	require.Equal(t, http.StatusOK, rec.Code)

	first, ok := s.Record(zoneid.ScopePrivate, id)
	require.True(t, ok)

	// A replayed POST of the same operation succeeds without writing a
	// new version.
	rec = postJSON(t, s, "/v1/private/records/modify", body)
	require.Equal(t, http.StatusOK, rec.Code)

	second, _ := s.Record(zoneid.ScopePrivate, id)
	assert.Equal(t, first.ChangeTag, second.ChangeTag)
	assert.Equal(t, int64(1), s.Stats().ModifyBatches)

	status := decodeAs[operationStatusResponse](t, get(t, s, "/v1/operations/op-1"))
	assert.Equal(t, opCompleted, status.State)
}

func TestModify_FailedOperationRetriesFresh(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	id := zoneid.NewRecordID("r1", zone)
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))

	save := func(changeTag string) *httptest.ResponseRecorder {
		return postJSON(t, s, "/v1/private/records/modify", modifyRequest{
			OperationID: "op-2",
			Atomic:      true,
			SavePolicy:  policyIfUnchanged,
			Save: []recordWire{
				{ID: recordIDToWire(id), Type: "Note", Fields: map[string]any{"title": "x"}, ChangeTag: changeTag},
			},
		})
	}

	rec := save("ct-stale")
	require.Equal(t, http.StatusConflict, rec.Code)

	status := decodeAs[operationStatusResponse](t, get(t, s, "/v1/operations/op-2"))
	assert.Equal(t, opFailed, status.State)
	require.NotNil(t, status.Error)
	assert.Equal(t, codeRecordChanged, status.Error.Code)

	// The failed attempt wrote nothing, so the same operation ID may
	// try again with the conflict fixed.
	current, _ := s.Record(zoneid.ScopePrivate, id)
	rec = save(current.ChangeTag)
	require.Equal(t, http.StatusOK, rec.Code)

	status = decodeAs[operationStatusResponse](t, get(t, s, "/v1/operations/op-2"))
	assert.Equal(t, opCompleted, status.State)
}

func TestOperationStatus_Unknown(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	status := decodeAs[operationStatusResponse](t, get(t, s, "/v1/operations/never-seen"))
	assert.Equal(t, opUnknown, status.State)
	assert.Nil(t, status.Error)
}

func TestModify_DeleteIsIdempotent(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	id := zoneid.NewRecordID("r1", zone)
	createZone(t, s, "private", zone)

	del := func() *httptest.ResponseRecorder {
		return postJSON(t, s, "/v1/private/records/modify", modifyRequest{
			Atomic:     true,
			SavePolicy: policyChangedKeys,
			Delete:     []recordIDWire{recordIDToWire(id)},
		})
	}

	// Deleting a record that never existed succeeds and leaves no
	// tombstone in the feed.
	require.Equal(t, http.StatusOK, del().Code)

	events := fetchZone(t, s, "private", zone, "")
	require.Len(t, events, 2) // zone_done, done

	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))
	require.Equal(t, http.StatusOK, del().Code)
	require.Equal(t, http.StatusOK, del().Code)

	deleted := 0
	for _, ev := range fetchZone(t, s, "private", zone, "") {
		if ev.Event == eventDeleted {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestModify_MissingZoneCodes(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	save := modifyRequest{
		Atomic:     true,
		SavePolicy: policyChangedKeys,
		Save: []recordWire{
			{ID: recordIDToWire(zoneid.NewRecordID("r1", zone)), Type: "Note", Fields: map[string]any{}},
		},
	}

	rec := postJSON(t, s, "/v1/private/records/modify", save)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeZoneNotFound, decodeAs[errorEnvelope](t, rec).Code)

	createZone(t, s, "private", zone)
	s.DeleteZone(zoneid.ScopePrivate, zone)

	rec = postJSON(t, s, "/v1/private/records/modify", save)
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, codeZoneDeleted, decodeAs[errorEnvelope](t, rec).Code)
}

func TestThrottleNext(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	s.ThrottleNext(1, 5*time.Second)

	rec := postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	env := decodeAs[errorEnvelope](t, rec)
	assert.Equal(t, codeThrottled, env.Code)
	assert.Equal(t, 5, env.RetryAfter)

	rec = postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.ThrottledRequests)
	assert.Equal(t, int64(1), stats.DatabaseFetches)
}

func TestCreateZone(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	zone := zoneid.NewZone("notes")
	createZone(t, s, "private", zone)
	createZone(t, s, "private", zone) // idempotent

	resp := decodeAs[databaseChangesResponse](t,
		postJSON(t, s, "/v1/private/changes/database", databaseChangesRequest{}))
	assert.Len(t, resp.Zones, 1)

	rec := postJSON(t, s, "/v1/shared/zones", createZoneRequest{Zone: zoneToWire(zone)})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, s, "/v1/private/zones", createZoneRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSubscription(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	rec := postJSON(t, s, "/v1/private/subscriptions", createSubscriptionRequest{ID: "zonesync-private"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, s, "/v1/private/subscriptions", createSubscriptionRequest{ID: "zonesync-private"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"zonesync-private"}, s.Subscriptions(zoneid.ScopePrivate))

	rec = postJSON(t, s, "/v1/public/subscriptions", createSubscriptionRequest{ID: "sub"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownScope(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})

	rec := postJSON(t, s, "/v1/household/changes/database", databaseChangesRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeAs[errorEnvelope](t, rec)
	assert.Equal(t, codeBadRequest, env.Code)
	assert.Contains(t, env.Message, "household")
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		epoch   int
		want    int64
		wantErr bool
	}{
		{name: "empty starts over", token: "", epoch: 0, want: 0},
		{name: "matching epoch", token: "0:5", epoch: 0, want: 5},
		{name: "later epoch", token: "2:9", epoch: 2, want: 9},
		{name: "stale epoch", token: "1:5", epoch: 2, wantErr: true},
		{name: "garbage", token: "junk", epoch: 0, wantErr: true},
		{name: "non-numeric cursor", token: "0:abc", epoch: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseToken(tt.token, tt.epoch)
			if tt.wantErr {
				require.ErrorIs(t, err, errStaleToken)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotifications_PingsSubscribedListeners(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/notifications?scope=private"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.listeners[zoneid.ScopePrivate]) == 1
	}, 5*time.Second, 10*time.Millisecond)

	zone := zoneid.NewZone("notes")

	// No subscription registered yet: changes stay silent.
	s.Seed(zoneid.ScopePrivate, testRecord("r1", zone, "Note", nil))
	assert.Equal(t, int64(0), s.Stats().Notifications)

	rec := postJSON(t, s, "/v1/private/subscriptions", createSubscriptionRequest{ID: "sub-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	s.Seed(zoneid.ScopePrivate, testRecord("r2", zone, "Note", nil))

	var ping notificationPing
	require.NoError(t, wsjson.Read(ctx, conn, &ping))
	assert.Equal(t, "private", ping.Scope)
	require.NotNil(t, ping.Zone)
	assert.Equal(t, "notes", ping.Zone.Name)

	assert.Equal(t, int64(1), s.Stats().Notifications)
}
