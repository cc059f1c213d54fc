package zonesync

import (
	"context"
	"fmt"
	"log/slog"
)

// EnsureSubscription registers the scope's change subscription with the
// remote store, once. The registration is recorded in settings so later
// starts skip the network call; scopes that cannot subscribe are a
// no-op. Safe to call again after a failure.
func (e *Engine) EnsureSubscription(ctx context.Context) error {
	if !e.caps.Subscribes || e.subscriber == nil {
		return nil
	}

	key := subscriptionKey(e.scope)

	flag, err := e.settings.GetSetting(ctx, key)
	if err != nil {
		return fmt.Errorf("reading subscription flag: %w", err)
	}
	if flag != "" {
		return nil
	}

	if err := e.subscriber.CreateSubscription(ctx, e.scope, e.subscriptionID); err != nil {
		return fmt.Errorf("creating subscription %s: %w", e.subscriptionID, err)
	}

	if err := e.settings.SetSetting(ctx, key, "1"); err != nil {
		return fmt.Errorf("recording subscription flag: %w", err)
	}

	e.logger.Info("subscription registered",
		slog.String("scope", e.scope.String()),
		slog.String("subscription_id", e.subscriptionID),
	)

	return nil
}
