/*
engine.go - Cache-fronted, batching eligibility coordinator

PURPOSE:
  Answers "may this identity access the service?" for one identity or many.
  Decisions are served from the cache when fresh; misses are resolved against
  the directory with at most one partner lookup and one invoice lookup per
  call, no matter how many identities miss.

RESOLUTION FLOW (shared by StatusOf and StatusOfMany):
  1. Partition identities into cache hits and misses (duplicates collapse)
  2. All hits: return, zero remote calls
  3. One batched partner lookup for the misses
     - no partner          -> no_contract_or_user, cached immediately
     - exempt contract     -> exempt, cached immediately
  4. One batched invoice lookup for the remaining partner IDs
  5. Group invoices by partner, Evaluate, cache, merge with the hits

FAILURE SEMANTICS:
  A failed partner lookup caches nothing. A failed invoice lookup fails the
  call, but decisions already settled by step 3 stay cached.

CONCURRENCY:
  Safe for concurrent use. StatusOf collapses concurrent misses for the same
  identity into one resolution (singleflight). The shared resolution is not
  cancelled when one waiting caller gives up; only that caller returns.
  Concurrent bulk calls may still race on the same identity; the last Set
  wins, which is harmless because the rule is deterministic over the same
  data.

SEE ALSO:
  - evaluator.go: The rule applied in step 5
  - store.go: Store and Directory contracts
*/
package eligibility

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine coordinates the decision cache and the directory.
type Engine struct {
	directory Directory
	cache     Store
	logger    *zap.Logger
	now       func() time.Time
	flight    singleflight.Group

	hits         atomic.Int64
	misses       atomic.Int64
	partnerCalls atomic.Int64
	invoiceCalls atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for the overdue comparison.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over directory and cache.
func NewEngine(directory Directory, cache Store, opts ...EngineOption) *Engine {
	e := &Engine{
		directory: directory,
		cache:     cache,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	PartnerCalls int64 `json:"partner_calls"`
	InvoiceCalls int64 `json:"invoice_calls"`
	CacheSize    int   `json:"cache_size"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		CacheHits:    e.hits.Load(),
		CacheMisses:  e.misses.Load(),
		PartnerCalls: e.partnerCalls.Load(),
		InvoiceCalls: e.invoiceCalls.Load(),
		CacheSize:    e.cache.Len(),
	}
}

// =============================================================================
// SINGLE IDENTITY
// =============================================================================

// StatusOf returns the decision for one identity.
func (e *Engine) StatusOf(ctx context.Context, identity Identity) (Decision, error) {
	id, err := NormalizeIdentity(string(identity))
	if err != nil {
		return Decision{}, err
	}

	if d, ok := e.cache.Get(id); ok {
		e.hits.Add(1)
		e.logger.Debug("status served from cache", zap.String("identity", id.String()))
		return d, nil
	}
	e.misses.Add(1)

	// The flight outlives any one caller; each caller waits on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(string(id), func() (interface{}, error) {
		e.logger.Info("querying directory for status", zap.String("identity", id.String()))
		resolved, err := e.resolve(flightCtx, []Identity{id})
		if err != nil {
			return nil, err
		}
		return resolved[id], nil
	})

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		if res.Shared {
			e.logger.Debug("status resolution shared", zap.String("identity", id.String()))
		}
		return res.Val.(Decision), nil
	}
}

// =============================================================================
// BULK
// =============================================================================

// StatusOfMany returns a decision for every distinct identity in identities.
// Duplicates map to the same entry. An empty list is invalid input.
func (e *Engine) StatusOfMany(ctx context.Context, identities []Identity) (map[Identity]Decision, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: identity list is empty", ErrInvalidInput)
	}

	// Validate everything before touching the cache or the directory.
	normalized := make([]Identity, 0, len(identities))
	for _, raw := range identities {
		id, err := NormalizeIdentity(string(raw))
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, id)
	}

	results := make(map[Identity]Decision, len(normalized))
	var misses []Identity
	seen := make(map[Identity]struct{}, len(normalized))
	for _, id := range normalized {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if d, ok := e.cache.Get(id); ok {
			e.hits.Add(1)
			results[id] = d
			continue
		}
		e.misses.Add(1)
		misses = append(misses, id)
	}

	if len(misses) == 0 {
		e.logger.Info("bulk status served from cache", zap.Int("identities", len(results)))
		return results, nil
	}

	e.logger.Info("querying directory for bulk status",
		zap.Int("misses", len(misses)),
		zap.Int("requested", len(normalized)),
	)

	resolved, err := e.resolve(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, d := range resolved {
		results[id] = d
	}
	return results, nil
}

// =============================================================================
// INVALIDATION
// =============================================================================

// Invalidate drops the cached decision for identity and reports whether
// one existed.
func (e *Engine) Invalidate(identity Identity) (bool, error) {
	id, err := NormalizeIdentity(string(identity))
	if err != nil {
		return false, err
	}
	existed := e.cache.Invalidate(id)
	e.logger.Info("cache invalidated", zap.String("identity", id.String()), zap.Bool("existed", existed))
	return existed, nil
}

// Clear drops every cached decision.
func (e *Engine) Clear() {
	e.cache.Clear()
	e.logger.Info("cache cleared")
}

// =============================================================================
// MISS RESOLUTION
// =============================================================================

// resolve settles misses with one partner lookup and at most one invoice
// lookup, caching every decision it produces.
func (e *Engine) resolve(ctx context.Context, misses []Identity) (map[Identity]Decision, error) {
	e.partnerCalls.Add(1)
	partners, err := e.directory.FindPartnersByIdentity(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("find partners: %w", err)
	}

	byIdentity := make(map[Identity]Partner, len(partners))
	for _, p := range partners {
		if prev, dup := byIdentity[p.Identity]; dup {
			// First match wins; duplicates are an upstream data problem.
			e.logger.Warn("duplicate partners for identity",
				zap.String("identity", p.Identity.String()),
				zap.Int64("kept_partner_id", prev.ID),
				zap.Int64("ignored_partner_id", p.ID),
			)
			continue
		}
		byIdentity[p.Identity] = p
	}

	now := e.now()
	resolved := make(map[Identity]Decision, len(misses))
	var pending []Identity
	var partnerIDs []int64
	queued := make(map[int64]struct{})

	for _, id := range misses {
		p, found := byIdentity[id]
		switch {
		case !found:
			e.settle(resolved, id, Evaluate(nil, nil, now))
		case IsExempt(p.ContractType):
			e.settle(resolved, id, Evaluate(&p, nil, now))
		default:
			pending = append(pending, id)
			if _, ok := queued[p.ID]; !ok {
				queued[p.ID] = struct{}{}
				partnerIDs = append(partnerIDs, p.ID)
			}
		}
	}

	if len(pending) == 0 {
		return resolved, nil
	}

	e.invoiceCalls.Add(1)
	invoices, err := e.directory.FindInvoicesByPartnerIDs(ctx, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("find invoices: %w", err)
	}

	grouped := make(map[int64][]Invoice, len(partnerIDs))
	for _, inv := range invoices {
		grouped[inv.PartnerID] = append(grouped[inv.PartnerID], inv)
	}

	for _, id := range pending {
		p := byIdentity[id]
		e.settle(resolved, id, Evaluate(&p, grouped[p.ID], now))
	}
	return resolved, nil
}

func (e *Engine) settle(resolved map[Identity]Decision, id Identity, d Decision) {
	resolved[id] = d
	e.cache.Set(id, d)
	e.logger.Debug("status resolved",
		zap.String("identity", id.String()),
		zap.Bool("allowed", d.Allowed),
		zap.Stringer("reason", d.Reason),
	)
}
