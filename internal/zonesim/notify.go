package zonesim

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/plivesey/zonesync/zoneid"
)

// listener is one connected notification websocket.
type listener struct {
	ch chan notificationPing
}

// notificationPing mirrors one websocket ping message.
type notificationPing struct {
	Scope string    `json:"scope"`
	Zone  *zoneWire `json:"zone,omitempty"`
}

const listenerBuffer = 16

// handleNotifications upgrades to a websocket and streams change pings
// for one scope until the client goes away. A slow client drops pings
// rather than blocking the store; a ping only means "pull now", so a
// dropped duplicate costs nothing.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	scope, err := zoneid.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l := &listener{ch: make(chan notificationPing, listenerBuffer)}

	s.mu.Lock()
	if s.listeners[scope] == nil {
		s.listeners[scope] = make(map[*listener]bool)
	}
	s.listeners[scope][l] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners[scope], l)
		s.mu.Unlock()
	}()

	s.logger.Debug("notification listener connected", slog.String("scope", scope.String()))

	// The connection is write-only from here; CloseRead pumps control
	// frames and cancels the context when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("notification listener disconnected", slog.String("scope", scope.String()))
			return

		case ping := <-l.ch:
			if err := wsjson.Write(ctx, conn, ping); err != nil {
				s.logger.Debug("notification write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// notifyZonesLocked fans one ping per changed zone out to the scope's
// listeners. Scopes without a registered subscription stay silent, and a
// listener with a full buffer is skipped. Callers hold s.mu.
func (s *Server) notifyZonesLocked(scope zoneid.Scope, st *scopeState, zones map[zoneid.Zone]bool) {
	if len(st.subs) == 0 || len(zones) == 0 || len(s.listeners[scope]) == 0 {
		return
	}

	for zone := range zones {
		wire := zoneToWire(zone)
		ping := notificationPing{Scope: scope.String(), Zone: &wire}

		for l := range s.listeners[scope] {
			select {
			case l.ch <- ping:
				s.stats.Notifications++
			default:
			}
		}
	}
}
