// Package zoneid provides type-safe identity types for zone-partitioned
// record stores. It consolidates name normalization (Unicode NFC) and key
// construction, and provides compile-time safety over raw string usage.
//
// Three types cover the identity needs of the sync engine:
//   - Scope: which database partition a request targets (private/shared/public)
//   - Zone: a named partition within a scope, qualified by its owner
//   - RecordID: a record name qualified by its zone
//
// This is a leaf package; its only dependency is golang.org/x/text for NFC.
package zoneid

import (
	"encoding"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scope identifies one of the three database partitions a remote record
// store exposes. The zero value is ScopePrivate.
type Scope int

const (
	// ScopePrivate is the per-user partition. Zones can be created and
	// deleted, subscriptions are supported, and change feeds are filtered
	// to zones that actually changed.
	ScopePrivate Scope = iota

	// ScopeShared holds zones other users have shared with this user.
	// Zone creation is not permitted; the owner's store holds the zone.
	ScopeShared

	// ScopePublic is the world-readable partition. No subscriptions, no
	// zone creation, and no server-side change filtering.
	ScopePublic
)

var scopeNames = [...]string{"private", "shared", "public"}

// ParseScope converts a wire/config string to a Scope.
func ParseScope(s string) (Scope, error) {
	for i, name := range scopeNames {
		if name == s {
			return Scope(i), nil
		}
	}

	return 0, fmt.Errorf("zoneid: unknown scope %q (valid: %s)", s, strings.Join(scopeNames[:], ", "))
}

// String returns the lowercase wire name of the scope.
func (s Scope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return fmt.Sprintf("scope(%d)", int(s))
	}

	return scopeNames[s]
}

// Valid reports whether s is one of the three defined scopes.
func (s Scope) Valid() bool {
	return s >= ScopePrivate && s <= ScopePublic
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("zoneid: cannot marshal invalid scope %d", int(s))
	}

	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// Capabilities describes what a scope's remote partition supports. The
// sync coordinator is parameterized by this descriptor instead of being
// specialized per scope.
type Capabilities struct {
	// CreatesZones: the engine may create missing zones in this scope.
	CreatesZones bool
	// Subscribes: the scope supports change-notification subscriptions.
	Subscribes bool
	// LongLivedOperations: atomic modifies may outlive the request and be
	// probed by operation ID after a crash.
	LongLivedOperations bool
	// FiltersZoneChanges: the database change feed reports only zones
	// that actually changed. When false, every registered zone must be
	// fetched on each pull.
	FiltersZoneChanges bool
}

// Capabilities returns the descriptor for the scope.
func (s Scope) Capabilities() Capabilities {
	switch s {
	case ScopeShared:
		return Capabilities{CreatesZones: false, Subscribes: true, LongLivedOperations: true, FiltersZoneChanges: true}
	case ScopePublic:
		return Capabilities{}
	default:
		return Capabilities{CreatesZones: true, Subscribes: true, LongLivedOperations: true, FiltersZoneChanges: true}
	}
}

// DefaultOwner is the owner segment for zones in the current user's own
// database. Remote stores report explicit owner names only for shared
// zones.
const DefaultOwner = "_default"

// Zone identifies a record partition within a scope. Name and Owner are
// NFC-normalized at construction so map keys never split on encoding.
// The zero value (Zone{}) represents an absent zone.
//
// Comparable: both fields are plain strings, so Zone is usable as a map
// key directly.
type Zone struct {
	Name  string
	Owner string
}

// NewZone creates a Zone with the default owner.
func NewZone(name string) Zone {
	return Zone{Name: norm.NFC.String(name), Owner: DefaultOwner}
}

// NewOwnedZone creates a Zone owned by another user (shared scope).
// Empty owner falls back to DefaultOwner.
func NewOwnedZone(name, owner string) Zone {
	if owner == "" {
		owner = DefaultOwner
	}

	return Zone{Name: norm.NFC.String(name), Owner: norm.NFC.String(owner)}
}

// String returns the "name:owner" form used in logs and storage keys.
func (z Zone) String() string {
	return z.Name + ":" + z.Owner
}

// IsZero reports whether this is the absent zone.
func (z Zone) IsZero() bool {
	return z.Name == "" && z.Owner == ""
}

// RecordID is a record name qualified by its zone. Comparable, so it can
// key maps and sets directly.
type RecordID struct {
	Name string
	Zone Zone
}

// NewRecordID creates a RecordID with an NFC-normalized name.
func NewRecordID(name string, zone Zone) RecordID {
	return RecordID{Name: norm.NFC.String(name), Zone: zone}
}

// String returns the "zone/name" representation for logging.
func (r RecordID) String() string {
	return r.Zone.String() + "/" + r.Name
}

// IsZero reports whether both components are absent.
func (r RecordID) IsZero() bool {
	return r.Name == "" && r.Zone.IsZero()
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ScopePrivate
	_ encoding.TextUnmarshaler = (*Scope)(nil)
	_ fmt.Stringer             = Zone{}
	_ fmt.Stringer             = RecordID{}
)
