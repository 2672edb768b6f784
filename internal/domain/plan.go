package domain

import "time"

// SiteSnapshot is a cached analysis of the source site's pagination.
type SiteSnapshot struct {
	TotalPages         int
	ProductsOnLastPage int
	AnalyzedAt         time.Time
	TTL                time.Duration
}

// Stale reports whether the snapshot is older than its TTL as of now.
func (s SiteSnapshot) Stale(now time.Time) bool {
	return now.Sub(s.AnalyzedAt) >= s.TTL
}

// DbCursor summarizes how far the Product Store has been filled, derived
// from the most-recently-covered internal coordinate.
type DbCursor struct {
	MaxPageID      int64
	MaxIndexInPage int64
	TotalProducts  int64
	// HasData is false when the store is empty; in that case MaxPageID and
	// MaxIndexInPage carry no meaning.
	HasData bool
}

// Profile selects how the Planner computes its range.
type ProfileKind string

const (
	ProfileIntelligent  ProfileKind = "Intelligent"
	ProfileManual       ProfileKind = "Manual"
	ProfileVerification ProfileKind = "Verification"
)

// Profile carries the optional Manual range alongside its kind.
type Profile struct {
	Kind ProfileKind
	// ManualRange is only meaningful when Kind == ProfileManual. Both bounds
	// are source page numbers, inclusive, Start >= End (newest-first).
	ManualRange struct {
		StartSourcePage int
		EndSourcePage   int
	}
}

// BatchSlice is a contiguous set of source pages to be processed as one unit,
// ordered newest (highest source page number) first.
type BatchSlice struct {
	Pages         []int
	StageSequence []StageKind
}

// CrawlPlan is the ordered output of the Planner: one or more BatchSlices
// whose union is the full set of pages to fetch.
type CrawlPlan struct {
	Batches []BatchSlice
	// ComputedAt records when this plan was derived, for determinism checks
	// against the Shared State Cache TTL.
	ComputedAt time.Time
}

// TotalPages returns the number of distinct source pages across all batches.
func (p CrawlPlan) TotalPages() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Pages)
	}
	return n
}

// Empty reports whether the plan has no pages to fetch (a no-op session).
func (p CrawlPlan) Empty() bool {
	return p.TotalPages() == 0
}
