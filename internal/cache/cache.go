// Package cache implements the Shared State Cache: TTL-bounded entries for
// the site snapshot, database cursor, and computed plan, refreshed through
// golang.org/x/sync/singleflight so concurrent callers of the control facade
// collapse onto one in-flight refresh instead of stampeding the source site
// or the store.
package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mattercrawl/internal/domain"
)

// entry holds a cached value alongside when it was computed.
type entry[T any] struct {
	value     T
	computed  time.Time
	hasValue  bool
}

// TTLCache caches a single typed value behind a TTL and a singleflight group,
// so repeated reads during the TTL window are free and a TTL miss triggers
// exactly one refresh no matter how many goroutines ask concurrently.
type TTLCache[T any] struct {
	mu    sync.RWMutex
	e     entry[T]
	ttl   time.Duration
	group singleflight.Group
	key   string
}

// NewTTLCache builds a cache with the given TTL. key namespaces the
// singleflight group; callers typically use one cache instance per concern
// so a fixed key like "refresh" is fine.
func NewTTLCache[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{ttl: ttl, key: "refresh"}
}

// Get returns the cached value if still fresh, otherwise calls refresh once
// (collapsing concurrent callers) and caches the result.
func (c *TTLCache[T]) Get(ctx context.Context, refresh func(context.Context) (T, error)) (T, error) {
	c.mu.RLock()
	if c.e.hasValue && time.Since(c.e.computed) < c.ttl {
		v := c.e.value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do(c.key, func() (any, error) {
		v, err := refresh(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		c.e = entry[T]{value: v, computed: time.Now(), hasValue: true}
		c.mu.Unlock()
		return v, nil
	})

	var zero T
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Invalidate forces the next Get to refresh regardless of TTL, used when a
// cached snapshot fails its consistency check or a session replans after
// mid-batch drift.
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	c.e = entry[T]{}
	c.mu.Unlock()
}

// SharedState bundles the three cached views the Planner consults: the
// source site's pagination snapshot, the store's coverage cursor, and the
// most recently computed plan.
type SharedState struct {
	Site *TTLCache[domain.SiteSnapshot]
	DB   *TTLCache[domain.DbCursor]
	Plan *TTLCache[domain.CrawlPlan]
}

// NewSharedState builds the three sub-caches. The site snapshot and db cursor
// get independently configured TTLs, since they change at very different
// rates; the plan cache shares the site snapshot's TTL.
func NewSharedState(siteTTL, dbTTL time.Duration) *SharedState {
	return &SharedState{
		Site: NewTTLCache[domain.SiteSnapshot](siteTTL),
		DB:   NewTTLCache[domain.DbCursor](dbTTL),
		Plan: NewTTLCache[domain.CrawlPlan](siteTTL),
	}
}

// ValidateConsistency cross-checks the store's product count against the
// site's page count: site.TotalPages must be at least
// ceil(total_products/products_per_page) - DriftTolerance, where
// DriftTolerance is driftToleranceRatio of site.TotalPages rounded up. A
// violation means the store believes there are more products than the site
// can currently account for - the cached snapshot has drifted and planning
// against it is unsafe until it is refreshed. An already-TTL-stale snapshot
// fails this check outright.
func ValidateConsistency(site domain.SiteSnapshot, cursor domain.DbCursor, productsPerPage int, driftToleranceRatio float64, now time.Time) bool {
	if site.Stale(now) {
		return false
	}
	if cursor.TotalProducts <= 0 || productsPerPage <= 0 {
		return true
	}
	expectedPages := int(math.Ceil(float64(cursor.TotalProducts) / float64(productsPerPage)))
	tolerance := int(math.Ceil(float64(site.TotalPages) * driftToleranceRatio))
	return site.TotalPages >= expectedPages-tolerance
}

// DriftExceedsTolerance reports whether a site's page count moved by more
// than driftToleranceRatio of the originally snapshotted total between plan
// time and mid-batch execution: the trigger for a Batch Actor to abandon its
// slice and request a fresh plan rather than assign coordinates against a
// total_pages_on_site that no longer holds.
func DriftExceedsTolerance(snapshotTotalPages, currentTotalPages int, driftToleranceRatio float64) bool {
	if snapshotTotalPages <= 0 {
		return false
	}
	tolerance := float64(snapshotTotalPages) * driftToleranceRatio
	diff := math.Abs(float64(currentTotalPages - snapshotTotalPages))
	return diff > tolerance
}

// InvalidateAll drops every cached view, so the next Get on each sub-cache
// refreshes regardless of TTL.
func (s *SharedState) InvalidateAll() {
	s.Site.Invalidate()
	s.DB.Invalidate()
	s.Plan.Invalidate()
}
