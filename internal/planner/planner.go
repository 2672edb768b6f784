// Package planner computes the CrawlPlan a session will execute: which
// source pages to fetch and in what order, derived deterministically from a
// SiteSnapshot and a DbCursor. The same (snapshot, cursor, profile) input
// always yields the same plan, mirroring the determinism guarantee this
// codebase's incremental planning logic gives its own execution plans.
package planner

import (
	"fmt"
	"time"

	"mattercrawl/internal/domain"
)

// Planner turns the current site/store state into an ordered CrawlPlan.
type Planner struct {
	productsPerPage    int
	maxRangePerSession int
	batchSize          int
}

// New builds a Planner. productsPerPage is the certification directory's
// fixed page size; maxRangePerSession is a ceiling on pages planned per
// session, never a target to pad up to (Intelligent mode may plan fewer).
func New(productsPerPage, maxRangePerSession, batchSize int) *Planner {
	return &Planner{
		productsPerPage:    productsPerPage,
		maxRangePerSession: maxRangePerSession,
		batchSize:          batchSize,
	}
}

// Plan computes a CrawlPlan for the given profile.
func (p *Planner) Plan(profile domain.Profile, site domain.SiteSnapshot, cursor domain.DbCursor, now time.Time) (domain.CrawlPlan, error) {
	switch profile.Kind {
	case domain.ProfileManual:
		return p.planManual(profile, site, now)
	case domain.ProfileVerification:
		return p.planVerification(site, now)
	case domain.ProfileIntelligent, "":
		return p.planIntelligent(site, cursor, now)
	default:
		return domain.CrawlPlan{}, fmt.Errorf("unknown profile kind %q", profile.Kind)
	}
}

// planIntelligent computes the incremental range: every source page from the
// newest (page 1) back to the page that would reproduce the store's current
// cursor, capped at maxRangePerSession pages. A ceiling, never a target: an
// up-to-date store yields an empty plan rather than padding out to the cap.
func (p *Planner) planIntelligent(site domain.SiteSnapshot, cursor domain.DbCursor, now time.Time) (domain.CrawlPlan, error) {
	if site.TotalPages <= 0 {
		return domain.CrawlPlan{}, fmt.Errorf("site snapshot has no pages")
	}

	if !cursor.HasData {
		// A fresh crawl starts from source page 1, the newest, and reaches at
		// most maxRangePerSession pages deep — never from the tail of the
		// site backward, which would plan the oldest pages first instead.
		start := site.TotalPages
		if p.maxRangePerSession > 0 && p.maxRangePerSession < start {
			start = p.maxRangePerSession
		}
		return p.buildPlan(rangeDown(start, 1, p.maxRangePerSession), now), nil
	}

	// The covered page_id translates back to a source page number via the
	// same inversion the HTML parser used to assign it.
	coveredSourcePage := site.TotalPages - int(cursor.MaxPageID)

	// A fully covered final page (index_in_page reached its max for that
	// page) means the next session should start one source page newer.
	pageIsFull := int(cursor.MaxIndexInPage) >= p.productsPerPage-1
	startSourcePage := coveredSourcePage
	if pageIsFull {
		startSourcePage = coveredSourcePage - 1
	}

	if startSourcePage < 1 {
		return domain.CrawlPlan{}, nil
	}

	pages := rangeDown(startSourcePage, 1, p.maxRangePerSession)
	return p.buildPlan(pages, now), nil
}

// planManual fetches exactly the operator-specified inclusive range,
// clamped to the site's known page count but NOT to maxRangePerSession: a
// manual run is an explicit override of the ceiling that governs
// Intelligent mode.
func (p *Planner) planManual(profile domain.Profile, site domain.SiteSnapshot, now time.Time) (domain.CrawlPlan, error) {
	start := profile.ManualRange.StartSourcePage
	end := profile.ManualRange.EndSourcePage
	if start < end {
		return domain.CrawlPlan{}, fmt.Errorf("manual range start %d must be >= end %d (newest-first)", start, end)
	}
	if start > site.TotalPages {
		start = site.TotalPages
	}
	if end < 1 {
		end = 1
	}
	if start < end {
		return domain.CrawlPlan{}, nil
	}

	var pages []int
	for n := start; n >= end; n-- {
		pages = append(pages, n)
	}
	return p.buildPlan(pages, now), nil
}

// planVerification re-walks every known page so the caller can diff results
// against the store without writing anything; the Batch Actor runs this
// profile's stage sequence with persistence disabled.
func (p *Planner) planVerification(site domain.SiteSnapshot, now time.Time) (domain.CrawlPlan, error) {
	if site.TotalPages <= 0 {
		return domain.CrawlPlan{}, fmt.Errorf("site snapshot has no pages")
	}
	pages := rangeDown(site.TotalPages, 1, site.TotalPages)
	return p.buildPlan(pages, now), nil
}

// rangeDown returns at most limit integers counting down from start to
// floor (inclusive), newest first.
func rangeDown(start, floor, limit int) []int {
	if start < floor {
		return nil
	}
	n := start - floor + 1
	if n > limit {
		n = limit
	}
	pages := make([]int, n)
	for i := 0; i < n; i++ {
		pages[i] = start - i
	}
	return pages
}

func (p *Planner) buildPlan(pages []int, now time.Time) domain.CrawlPlan {
	if len(pages) == 0 {
		return domain.CrawlPlan{ComputedAt: now}
	}

	batchSize := p.batchSize
	if batchSize <= 0 {
		batchSize = len(pages)
	}

	var batches []domain.BatchSlice
	for i := 0; i < len(pages); i += batchSize {
		end := i + batchSize
		if end > len(pages) {
			end = len(pages)
		}
		batches = append(batches, domain.BatchSlice{
			Pages:         append([]int(nil), pages[i:end]...),
			StageSequence: domain.DefaultStageSequence(),
		})
	}

	return domain.CrawlPlan{Batches: batches, ComputedAt: now}
}
