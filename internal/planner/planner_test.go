package planner

import (
	"testing"
	"time"

	"mattercrawl/internal/domain"
)

func TestPlanIntelligentEmptyStorePlansFromNewestPage(t *testing.T) {
	p := New(12, 100, 10)
	site := domain.SiteSnapshot{TotalPages: 5}
	cursor := domain.DbCursor{HasData: false}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileIntelligent}, site, cursor, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.TotalPages() != 5 {
		t.Fatalf("expected 5 pages for an empty store, got %d", plan.TotalPages())
	}
	if plan.Batches[0].Pages[0] != 5 {
		t.Errorf("expected newest page (5) first, got %d", plan.Batches[0].Pages[0])
	}
}

func TestPlanIntelligentUpToDateStoreIsEmpty(t *testing.T) {
	p := New(12, 100, 10)
	site := domain.SiteSnapshot{TotalPages: 5}
	// page_id 4 is the newest possible page (source page 1) and it is fully
	// covered, so there is no newer source page left to fetch.
	cursor := domain.DbCursor{HasData: true, MaxPageID: 4, MaxIndexInPage: 11, TotalProducts: 48}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileIntelligent}, site, cursor, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if !plan.Empty() {
		t.Fatalf("expected an empty plan for an up-to-date store, got %d pages", plan.TotalPages())
	}
}

func TestPlanIntelligentCapsAtMaxRangePerSession(t *testing.T) {
	p := New(12, 3, 10)
	site := domain.SiteSnapshot{TotalPages: 100}
	cursor := domain.DbCursor{HasData: false}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileIntelligent}, site, cursor, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.TotalPages() != 3 {
		t.Fatalf("expected the ceiling of 3 pages, got %d", plan.TotalPages())
	}
	// The cap must bound how deep a fresh crawl reaches into the site, not
	// which end of it: the newest 3 pages (3,2,1), never the oldest 3.
	got := plan.Batches[0].Pages
	want := []int{3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("expected pages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected pages %v, got %v", want, got)
		}
	}
}

func TestPlanIntelligentResumesOneNewerPageWhenLastPageWasFull(t *testing.T) {
	p := New(12, 100, 10)
	site := domain.SiteSnapshot{TotalPages: 5}
	// page_id 2 fully covered (index_in_page reached productsPerPage-1): the
	// covered source page is 5-2=3, and since it's full the plan should
	// resume at source page 2.
	cursor := domain.DbCursor{HasData: true, MaxPageID: 2, MaxIndexInPage: 11, TotalProducts: 36}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileIntelligent}, site, cursor, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.Empty() {
		t.Fatal("expected a non-empty plan")
	}
	if plan.Batches[0].Pages[0] != 2 {
		t.Errorf("expected to resume at source page 2, got %d", plan.Batches[0].Pages[0])
	}
}

func TestPlanManualIgnoresMaxRangePerSessionCeiling(t *testing.T) {
	p := New(12, 3, 10)
	site := domain.SiteSnapshot{TotalPages: 100}
	profile := domain.Profile{Kind: domain.ProfileManual}
	profile.ManualRange.StartSourcePage = 20
	profile.ManualRange.EndSourcePage = 1

	plan, err := p.Plan(profile, site, domain.DbCursor{}, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.TotalPages() != 20 {
		t.Fatalf("manual profile must not be capped by max_range_per_session: expected 20 pages, got %d", plan.TotalPages())
	}
}

func TestPlanManualRejectsInvertedRange(t *testing.T) {
	p := New(12, 100, 10)
	site := domain.SiteSnapshot{TotalPages: 100}
	profile := domain.Profile{Kind: domain.ProfileManual}
	profile.ManualRange.StartSourcePage = 1
	profile.ManualRange.EndSourcePage = 20

	if _, err := p.Plan(profile, site, domain.DbCursor{}, time.Now()); err == nil {
		t.Fatal("expected an error when start < end")
	}
}

func TestPlanVerificationWalksEveryPage(t *testing.T) {
	p := New(12, 5, 10)
	site := domain.SiteSnapshot{TotalPages: 30}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileVerification}, site, domain.DbCursor{}, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.TotalPages() != 30 {
		t.Fatalf("verification profile must not be capped by max_range_per_session: expected 30 pages, got %d", plan.TotalPages())
	}
}

func TestBuildPlanChunksIntoBatchSize(t *testing.T) {
	p := New(12, 100, 4)
	site := domain.SiteSnapshot{TotalPages: 10}

	plan, err := p.Plan(domain.Profile{Kind: domain.ProfileIntelligent}, site, domain.DbCursor{}, time.Now())
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Batches) != 3 {
		t.Fatalf("expected 3 batches of size <=4 covering 10 pages, got %d", len(plan.Batches))
	}
	if len(plan.Batches[0].Pages) != 4 || len(plan.Batches[2].Pages) != 2 {
		t.Errorf("unexpected batch sizes: %d, %d, %d", len(plan.Batches[0].Pages), len(plan.Batches[1].Pages), len(plan.Batches[2].Pages))
	}
}
