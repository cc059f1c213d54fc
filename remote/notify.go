package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/plivesey/zonesync/zoneid"
)

// Notification is one change ping from the store: something changed in
// the scope, optionally narrowed to a zone. Pings carry no record data;
// the receiver reacts by pulling.
type Notification struct {
	Scope zoneid.Scope
	Zone  zoneid.Zone
}

// notificationWire mirrors one websocket ping message.
type notificationWire struct {
	Scope string    `json:"scope"`
	Zone  *zoneWire `json:"zone,omitempty"`
}

// Reconnect backoff constants for the notification listener.
const (
	initialListenBackoff    = 5 * time.Second
	maxListenBackoff        = 5 * time.Minute
	listenBackoffMultiplier = 2
)

// Notifier maintains a websocket connection to the store's notification
// endpoint and delivers change pings. Requires an active subscription
// for the scope (Client.CreateSubscription); without one the server
// accepts the connection but never pings.
type Notifier struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error

	pingsReceived atomic.Int64
	reconnects    atomic.Int64
}

// NewNotifier creates a notification listener for the store at baseURL.
func NewNotifier(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Listen connects to the notification endpoint for a scope and invokes
// fn for every ping. It blocks until the context is canceled, returning
// nil. Dropped connections reconnect with exponential backoff (starting
// at 5s, capped at 5m); a delivered ping resets the backoff.
//
// fn runs on the listener goroutine and must hand off promptly, or
// pings will back up in the socket.
func (n *Notifier) Listen(ctx context.Context, scope zoneid.Scope, fn func(Notification)) error {
	url := fmt.Sprintf("%s/v1/notifications?scope=%s", n.baseURL, scope)

	n.logger.Info("notification listener starting",
		slog.String("scope", scope.String()),
	)

	backoff := initialListenBackoff

	for {
		delivered, err := n.listenOnce(ctx, url, scope, fn)
		if ctx.Err() != nil {
			n.logger.Info("notification listener stopping",
				slog.String("scope", scope.String()),
			)

			return nil
		}

		if delivered > 0 {
			backoff = initialListenBackoff
		}

		n.reconnects.Add(1)
		n.logger.Warn("notification connection lost, reconnecting",
			slog.String("scope", scope.String()),
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)),
		)

		if sleepErr := n.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= listenBackoffMultiplier
		if backoff > maxListenBackoff {
			backoff = maxListenBackoff
		}
	}
}

// listenOnce dials the endpoint and reads pings until the connection
// drops. Returns how many pings were delivered on this connection.
func (n *Notifier) listenOnce(ctx context.Context, url string, scope zoneid.Scope, fn func(Notification)) (int, error) {
	tok, err := n.token.Token()
	if err != nil {
		return 0, fmt.Errorf("remote: obtaining token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set("User-Agent", userAgent)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: n.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return 0, fmt.Errorf("remote: dialing notifications: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.logger.Debug("notification connection established",
		slog.String("scope", scope.String()),
	)

	var delivered int

	for {
		var wire notificationWire
		if err := wsjson.Read(ctx, conn, &wire); err != nil {
			return delivered, err
		}

		note := Notification{Scope: scope}
		if parsed, parseErr := zoneid.ParseScope(wire.Scope); parseErr == nil {
			note.Scope = parsed
		}

		if wire.Zone != nil {
			note.Zone = wire.Zone.toZone()
		}

		delivered++

		n.pingsReceived.Add(1)
		fn(note)
	}
}

// NotifierStats is a snapshot of listener metrics.
type NotifierStats struct {
	PingsReceived int64
	Reconnects    int64
}

// Stats returns a snapshot of listener metrics. Thread-safe.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		PingsReceived: n.pingsReceived.Load(),
		Reconnects:    n.reconnects.Load(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
