/*
store.go - Decision cache and directory interfaces

PURPOSE:
  Defines the two collaborators of the engine: the decision cache it owns
  and the remote directory it reads from. Implementations live elsewhere so
  the engine can be tested with in-memory fakes.

KEY INTERFACES:
  Store:     Time-bounded decision cache keyed by identity
  Directory: Batched partner and invoice lookups against the system of record

CACHE CONTRACT:
  - Get() never returns an entry older than the store's TTL; stale entries
    are dropped on access (no background sweeper)
  - Set() overwrites, last write wins
  - Invalidate() is a no-op for unknown identities and reports whether an
    entry existed
  - No eviction beyond TTL. Growth is bounded by the number of distinct
    identities queried during one TTL window.

DIRECTORY CONTRACT:
  Both lookups are single round trips regardless of how many keys they
  carry. Failures are *RemoteCallError values (see errors.go). Which remote
  fields are requested is the adapter's business; it must fill the typed
  records completely or fail with ErrRemoteData.

IMPLEMENTATIONS:
  - eligibility/store/memory.go: In-process TTL cache
  - odoo/client.go: XML-RPC directory (production)
  - store/sqlite/sqlite.go: Local directory (development, demos, tests)
*/
package eligibility

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Decision cache
// =============================================================================

// Store caches decisions by identity with a fixed TTL.
type Store interface {
	Get(identity Identity) (Decision, bool)
	Set(identity Identity, decision Decision)
	Invalidate(identity Identity) bool
	Clear()
	Len() int
}

// CacheEntry is a cached decision and the moment it was stored.
type CacheEntry struct {
	Identity  Identity
	Decision  Decision
	CreatedAt time.Time
}

// Expired reports whether the entry is older than ttl at now.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

// DefaultTTL is how long a decision is served from cache.
const DefaultTTL = 24 * time.Hour

// =============================================================================
// DIRECTORY - Remote system of record
// =============================================================================

// Directory looks up partners and invoices in the system of record.
type Directory interface {
	// FindPartnersByIdentity returns the partners whose identity is in
	// identities. Order is the directory's; duplicates are possible.
	FindPartnersByIdentity(ctx context.Context, identities []Identity) ([]Partner, error)

	// FindInvoicesByPartnerIDs returns the customer invoices of the given partners.
	FindInvoicesByPartnerIDs(ctx context.Context, partnerIDs []int64) ([]Invoice, error)
}
