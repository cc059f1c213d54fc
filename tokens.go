package zonesync

import (
	"context"
	"fmt"

	"github.com/plivesey/zonesync/zoneid"
)

// Durable settings keys. Every key the engine writes is built here so no
// two features can collide on a key by accident.

func databaseTokenKey(scope zoneid.Scope) string {
	return "token/database/" + scope.String()
}

func zoneTokenKey(scope zoneid.Scope, zone zoneid.Zone) string {
	return fmt.Sprintf("token/zone/%s/%s/%s", scope, zone.Owner, zone.Name)
}

func zoneCreatedKey(scope zoneid.Scope, zone zoneid.Zone) string {
	return fmt.Sprintf("flag/zone_created/%s/%s/%s", scope, zone.Owner, zone.Name)
}

func subscriptionKey(scope zoneid.Scope) string {
	return "flag/subscribed/" + scope.String()
}

// TokenStore persists the opaque change cursors the remote store issues:
// one per database scope, one per fetched zone. An empty token means
// "from the beginning". Tokens survive process restarts; reading a token
// that was never saved returns "" without error.
type TokenStore struct {
	kv SettingsStore
}

// NewTokenStore wraps a settings store with typed token accessors.
func NewTokenStore(kv SettingsStore) *TokenStore {
	return &TokenStore{kv: kv}
}

// DatabaseToken returns the saved database-level cursor for scope.
func (t *TokenStore) DatabaseToken(ctx context.Context, scope zoneid.Scope) (string, error) {
	return t.kv.GetSetting(ctx, databaseTokenKey(scope))
}

// SetDatabaseToken persists the database-level cursor for scope.
func (t *TokenStore) SetDatabaseToken(ctx context.Context, scope zoneid.Scope, token string) error {
	return t.kv.SetSetting(ctx, databaseTokenKey(scope), token)
}

// ClearDatabaseToken removes the database-level cursor for scope, forcing
// the next fetch to start from the beginning.
func (t *TokenStore) ClearDatabaseToken(ctx context.Context, scope zoneid.Scope) error {
	return t.kv.DeleteSetting(ctx, databaseTokenKey(scope))
}

// ZoneToken returns the saved cursor for one zone.
func (t *TokenStore) ZoneToken(ctx context.Context, scope zoneid.Scope, zone zoneid.Zone) (string, error) {
	return t.kv.GetSetting(ctx, zoneTokenKey(scope, zone))
}

// SetZoneToken persists the cursor for one zone.
func (t *TokenStore) SetZoneToken(ctx context.Context, scope zoneid.Scope, zone zoneid.Zone, token string) error {
	return t.kv.SetSetting(ctx, zoneTokenKey(scope, zone), token)
}

// ClearZoneToken removes the cursor for one zone. Other zones' cursors
// are untouched.
func (t *TokenStore) ClearZoneToken(ctx context.Context, scope zoneid.Scope, zone zoneid.Zone) error {
	return t.kv.DeleteSetting(ctx, zoneTokenKey(scope, zone))
}
