package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plivesey/zonesync/zoneid"
)

func TestNotifier_DeliversPings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		assert.Equal(t, "private", r.URL.Query().Get("scope"))

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)

		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]any{
			"scope": "private",
			"zone":  map[string]any{"name": "notes", "owner": "_default"},
		})

		// Hold the connection open until the client goes away.
		<-ctx.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Notification, 1)

	notifier := NewNotifier(srv.URL, http.DefaultClient, staticToken("t"), slog.Default())
	notifier.sleepFunc = noopSleep

	done := make(chan error, 1)
	go func() {
		done <- notifier.Listen(ctx, zoneid.ScopePrivate, func(n Notification) {
			select {
			case got <- n:
			default:
			}
		})
	}()

	select {
	case n := <-got:
		assert.Equal(t, zoneid.ScopePrivate, n.Scope)
		assert.Equal(t, zoneid.NewZone("notes"), n.Zone)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ping")
	}

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "Listen returns nil on context cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Listen to stop")
	}

	assert.GreaterOrEqual(t, notifier.Stats().PingsReceived, int64(1))
}

func TestNotifier_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)

		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]any{"scope": "private"})

		if n == 1 {
			// Drop the first connection immediately after the ping.
			_ = conn.Close(websocket.StatusGoingAway, "bye")

			return
		}

		<-ctx.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pings := make(chan struct{}, 4)

	notifier := NewNotifier(srv.URL, http.DefaultClient, staticToken("t"), slog.Default())
	notifier.sleepFunc = noopSleep

	done := make(chan error, 1)
	go func() {
		done <- notifier.Listen(ctx, zoneid.ScopePrivate, func(Notification) {
			pings <- struct{}{}
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for ping %d", i+1)
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Listen to stop")
	}

	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.GreaterOrEqual(t, notifier.Stats().Reconnects, int64(1))
}
