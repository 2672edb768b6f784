package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"mattercrawl/internal/domain"
)

func TestTTLCacheRefreshesOnlyAfterTTLExpires(t *testing.T) {
	c := NewTTLCache[int](50 * time.Millisecond)
	calls := 0
	refresh := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.Get(context.Background(), refresh)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected first value 1, got %d", v)
	}

	v, err = c.Get(context.Background(), refresh)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected cached value 1 within TTL, got %d", v)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", calls)
	}

	time.Sleep(60 * time.Millisecond)

	v, err = c.Get(context.Background(), refresh)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected refreshed value 2 after TTL expiry, got %d", v)
	}
}

func TestTTLCacheCollapsesConcurrentRefreshes(t *testing.T) {
	c := NewTTLCache[int](time.Hour)
	var calls int
	var mu sync.Mutex
	start := make(chan struct{})

	refresh := func(context.Context) (int, error) {
		<-start
		mu.Lock()
		calls++
		mu.Unlock()
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), refresh)
			if err != nil {
				t.Errorf("Get returned error: %v", err)
			}
			results[i] = v
		}()
	}

	// Give every goroutine a chance to reach the singleflight.Do call before
	// letting the refresh proceed, so they are guaranteed to collapse onto
	// one in-flight call rather than running sequentially.
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 refresh call across 10 concurrent Gets, got %d", calls)
	}
	for _, v := range results {
		if v != 42 {
			t.Errorf("expected every caller to receive 42, got %d", v)
		}
	}
}

func TestTTLCacheInvalidateForcesRefresh(t *testing.T) {
	c := NewTTLCache[int](time.Hour)
	calls := 0
	refresh := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if _, err := c.Get(context.Background(), refresh); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	c.Invalidate()
	v, err := c.Get(context.Background(), refresh)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected a fresh refresh after Invalidate, got %d", v)
	}
}

func TestValidateConsistencyRejectsStaleSite(t *testing.T) {
	now := time.Now()
	site := domain.SiteSnapshot{TotalPages: 10, AnalyzedAt: now.Add(-time.Hour), TTL: time.Minute}
	cursor := domain.DbCursor{TotalProducts: 0}

	if ValidateConsistency(site, cursor, 12, 0.05, now) {
		t.Fatal("expected inconsistency when the site snapshot is stale")
	}
}

func TestValidateConsistencyAcceptsFreshSiteWithNoStoreData(t *testing.T) {
	now := time.Now()
	site := domain.SiteSnapshot{TotalPages: 10, AnalyzedAt: now, TTL: time.Hour}
	cursor := domain.DbCursor{TotalProducts: 0}

	if !ValidateConsistency(site, cursor, 12, 0.05, now) {
		t.Fatal("expected a fresh snapshot with no store data to be consistent")
	}
}

func TestValidateConsistencyRejectsSiteShrunkBeyondTolerance(t *testing.T) {
	now := time.Now()
	// 500 products at 12/page need ceil(500/12)=42 pages; a site reporting
	// only 30 pages is short by 12, far beyond 5% of 30.
	site := domain.SiteSnapshot{TotalPages: 30, AnalyzedAt: now, TTL: time.Hour}
	cursor := domain.DbCursor{TotalProducts: 500}

	if ValidateConsistency(site, cursor, 12, 0.05, now) {
		t.Fatal("expected inconsistency when the site can't account for the store's products")
	}
}

func TestValidateConsistencyAcceptsSiteWithinTolerance(t *testing.T) {
	now := time.Now()
	// ceil(500/12)=42 pages expected; 41 is within 5% of 41 pages reported.
	site := domain.SiteSnapshot{TotalPages: 41, AnalyzedAt: now, TTL: time.Hour}
	cursor := domain.DbCursor{TotalProducts: 500}

	if !ValidateConsistency(site, cursor, 12, 0.05, now) {
		t.Fatal("expected a one-page shortfall within tolerance to be consistent")
	}
}

func TestDriftExceedsToleranceDetectsLargeSwing(t *testing.T) {
	if !DriftExceedsTolerance(3, 4, 0.05) {
		t.Fatal("expected a swing from 3 to 4 pages (>5%) to exceed tolerance")
	}
}

func TestDriftExceedsToleranceAllowsSmallSwing(t *testing.T) {
	if DriftExceedsTolerance(1000, 1010, 0.05) {
		t.Fatal("expected a 1%% swing to stay within 5%% tolerance")
	}
}
