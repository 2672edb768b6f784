// Package batch implements the Batch Actor: it runs one BatchSlice through
// the fixed five-stage pipeline (fetch list, parse list, fetch detail,
// parse detail, persist), handing each stage to a Stage Actor and threading
// that stage's typed output into the next stage's input.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/cache"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
	"mattercrawl/internal/fetch"
	"mattercrawl/internal/htmlparse"
	"mattercrawl/internal/stage"
	"mattercrawl/internal/store"
)

// ListURLFunc builds the listing-page URL for a given source page number.
type ListURLFunc func(sourcePage int) string

// DetailURLFunc resolves a parsed list entry's relative/absolute link into
// a fetchable detail-page URL.
type DetailURLFunc func(sourceURL string) string

// SiteAnalyzerFunc re-probes the source site's current page count, used
// mid-batch to detect drift against the TotalSitePages a plan was computed
// against. Structurally identical to control.SiteAnalyzer.
type SiteAnalyzerFunc func(ctx context.Context) (domain.SiteSnapshot, error)

// ReplanFunc recomputes a CrawlPlan after mid-batch drift is detected,
// against a revised total page count.
type ReplanFunc func(ctx context.Context, revisedTotalPages int) (domain.CrawlPlan, error)

// Deps bundles everything a Batch Actor needs to run the pipeline, built
// once per session and shared by every batch within it.
type Deps struct {
	Fetcher             *fetch.Fetcher
	Store               *store.Store
	ListURL             ListURLFunc
	DetailURL           DetailURLFunc
	Concurrency         Concurrency
	MaxAttempts         int
	BaseBackoff         time.Duration
	PerPageTimeout      time.Duration
	ProductsPerPage     int
	TotalSitePages      int
	Persist             bool // false under the Verification profile
	Analyzer            SiteAnalyzerFunc // nil disables mid-batch drift detection entirely
	DriftToleranceRatio float64
	Replan              ReplanFunc // must be set whenever Analyzer is, since a detected drift always calls it
}

// Concurrency carries the per-stage fan-out width from configuration.
type Concurrency struct {
	ListFetch   int
	DetailFetch int
	Parse       int
	Persist     int
}

// Result is one BatchSlice's outcome, folded up into the Session's metrics.
type Result struct {
	Pages             []int
	SuccessCount      int
	FailureCount      int
	PartialFailures   []domain.TaskError
	Stages            []stage.StageResult
	DriftDetected     bool // site drift exceeded tolerance; caller should replan and restart
	RevisedTotalPages int  // only meaningful when DriftDetected
}

// Run executes slice's pipeline to completion or until sctx is cancelled.
func Run(sctx *actorctx.SessionContext, deps Deps, slice domain.BatchSlice) Result {
	sctx.Events.Publish(events.Event{Kind: events.KindBatchStarted, SessionID: sctx.SessionID, At: time.Now()})

	batchCtx := sctx.Context
	cancel := func() {}
	if deps.PerPageTimeout > 0 {
		budget := deps.PerPageTimeout * time.Duration(len(slice.Pages)*4+1)
		batchCtx, cancel = context.WithTimeout(sctx.Context, budget)
	}
	defer cancel()
	scoped := *sctx
	scoped.Context = batchCtx

	result := Result{Pages: slice.Pages}

	// Stage 1: fetch list pages.
	listTasks := make([]domain.Task, len(slice.Pages))
	for i, page := range slice.Pages {
		listTasks[i] = domain.Task{TaskID: fmt.Sprintf("list-%d", page), Kind: domain.TaskFetchList, Input: page}
	}
	var listMu sync.Mutex
	listHTML := make(map[int]string)
	listStage := stage.New(domain.StageFetchListPages, deps.Concurrency.ListFetch, deps.MaxAttempts, deps.BaseBackoff,
		func(ctx context.Context, t domain.Task) error {
			page := t.Input.(int)
			res, err := deps.Fetcher.Get(ctx, deps.ListURL(page))
			if err != nil {
				return err
			}
			listMu.Lock()
			listHTML[page] = string(res.Body)
			listMu.Unlock()
			return nil
		})
	sr1 := listStage.Run(&scoped, listTasks)
	result.Stages = append(result.Stages, sr1)
	accumulate(&result, sr1)
	if abortIfCancelled(sctx, &scoped, &result) {
		return result
	}

	if drifted, revisedTotal := checkDrift(sctx, &scoped, deps); drifted {
		result.DriftDetected = true
		result.RevisedTotalPages = revisedTotal
		return result
	}

	// Stage 2: parse list pages into coordinate-assigned summaries.
	var summariesMu sync.Mutex
	var summaries []domain.ProductSummary
	parseListTasks := make([]domain.Task, 0, len(listHTML))
	for page := range listHTML {
		parseListTasks = append(parseListTasks, domain.Task{TaskID: "parselist-" + strconv.Itoa(page), Kind: domain.TaskParseList, Input: page})
	}
	parseListStage := stage.New(domain.StageParseListPages, deps.Concurrency.Parse, deps.MaxAttempts, deps.BaseBackoff,
		func(ctx context.Context, t domain.Task) error {
			page := t.Input.(int)
			listPage, err := htmlparse.ParseListPage(listHTML[page])
			if err != nil {
				return err
			}
			assigned := htmlparse.AssignCoordinates(listPage.Entries, page, deps.TotalSitePages)
			summariesMu.Lock()
			summaries = append(summaries, assigned...)
			summariesMu.Unlock()
			return nil
		})
	sr2 := parseListStage.Run(&scoped, parseListTasks)
	result.Stages = append(result.Stages, sr2)
	accumulate(&result, sr2)
	if abortIfCancelled(sctx, &scoped, &result) {
		return result
	}
	if len(summaries) == 0 {
		return result
	}

	// Stage 3: fetch detail pages.
	var detailMu sync.Mutex
	detailHTML := make(map[string]string)
	fetchDetailTasks := make([]domain.Task, len(summaries))
	for i, s := range summaries {
		fetchDetailTasks[i] = domain.Task{TaskID: "detail-" + s.SourceURL, Kind: domain.TaskFetchDetail, Input: s.SourceURL}
	}
	fetchDetailStage := stage.New(domain.StageFetchDetailPages, deps.Concurrency.DetailFetch, deps.MaxAttempts, deps.BaseBackoff,
		func(ctx context.Context, t domain.Task) error {
			sourceURL := t.Input.(string)
			res, err := deps.Fetcher.Get(ctx, deps.DetailURL(sourceURL))
			if err != nil {
				return err
			}
			detailMu.Lock()
			detailHTML[sourceURL] = string(res.Body)
			detailMu.Unlock()
			return nil
		})
	sr3 := fetchDetailStage.Run(&scoped, fetchDetailTasks)
	result.Stages = append(result.Stages, sr3)
	accumulate(&result, sr3)
	if abortIfCancelled(sctx, &scoped, &result) {
		return result
	}

	// Stage 4: parse detail pages.
	var detailsMu sync.Mutex
	var details []domain.ProductDetail
	parseDetailTasks := make([]domain.Task, 0, len(detailHTML))
	for sourceURL := range detailHTML {
		parseDetailTasks = append(parseDetailTasks, domain.Task{TaskID: "parsedetail-" + sourceURL, Kind: domain.TaskParseDetail, Input: sourceURL})
	}
	parseDetailStage := stage.New(domain.StageParseDetailPages, deps.Concurrency.Parse, deps.MaxAttempts, deps.BaseBackoff,
		func(ctx context.Context, t domain.Task) error {
			sourceURL := t.Input.(string)
			d, err := htmlparse.ParseDetailPage(detailHTML[sourceURL], sourceURL)
			if err != nil {
				return err
			}
			detail := domain.ProductDetail{
				SourceURL:             sourceURL,
				VendorID:              d.VendorID,
				ProductID:             d.ProductID,
				DeviceType:            d.DeviceType,
				CertificationDate:     d.CertificationDate,
				SpecificationVersion:  d.SpecificationVersion,
				FirmwareVersion:       d.FirmwareVersion,
				HardwareVersion:       d.HardwareVersion,
				TransportInterface:    d.TransportInterface,
				PrimaryDeviceTypeID:   d.PrimaryDeviceTypeID,
				Description:           d.Description,
			}
			detailsMu.Lock()
			details = append(details, detail)
			detailsMu.Unlock()
			return nil
		})
	sr4 := parseDetailStage.Run(&scoped, parseDetailTasks)
	result.Stages = append(result.Stages, sr4)
	accumulate(&result, sr4)
	if abortIfCancelled(sctx, &scoped, &result) {
		return result
	}

	if !deps.Persist {
		sctx.Events.Publish(events.Event{Kind: events.KindBatchCompleted, SessionID: sctx.SessionID, At: time.Now()})
		return result
	}

	// Stage 5: persist, as one task so the upsert batch is transactional.
	persistTask := domain.Task{TaskID: fmt.Sprintf("persist-batch-%d", slice.Pages[0]), Kind: domain.TaskPersist}
	persistStage := stage.New(domain.StagePersist, deps.Concurrency.Persist, deps.MaxAttempts, deps.BaseBackoff,
		func(ctx context.Context, t domain.Task) error {
			if err := deps.Store.UpsertSummaries(ctx, summaries); err != nil {
				return err
			}
			return deps.Store.UpsertDetails(ctx, details)
		})
	sr5 := persistStage.Run(&scoped, []domain.Task{persistTask})
	result.Stages = append(result.Stages, sr5)
	accumulate(&result, sr5)

	sctx.Events.Publish(events.Event{Kind: events.KindBatchCompleted, SessionID: sctx.SessionID, At: time.Now()})
	return result
}

func accumulate(result *Result, sr stage.StageResult) {
	result.SuccessCount += sr.Succeeded
	result.FailureCount += sr.Failed
	result.PartialFailures = append(result.PartialFailures, sr.Errors...)
}

// abortIfCancelled reports whether scoped has been cancelled. When the
// cancellation is the batch's own per-page timeout budget expiring rather
// than a user Cancel or the session's parent context, it also publishes
// BatchFailed{timeout} - the two otherwise collapse into the same
// ctx.Err() != nil check.
func abortIfCancelled(sctx, scoped *actorctx.SessionContext, result *Result) bool {
	if !scoped.Cancelled() {
		return false
	}
	if errors.Is(scoped.Context.Err(), context.DeadlineExceeded) {
		sctx.Events.Publish(events.Event{Kind: events.KindBatchFailed, SessionID: sctx.SessionID, At: time.Now(), Reason: events.BatchFailedTimeout})
	}
	return true
}

// checkDrift re-probes the site through deps.Analyzer and reports whether
// its page count has moved beyond deps.DriftToleranceRatio since
// deps.TotalSitePages was snapshotted at plan time. A nil Analyzer or a
// failed probe is treated as no drift: the batch proceeds against the
// snapshot it already has rather than stall on a site that is temporarily
// unreachable.
func checkDrift(sctx, scoped *actorctx.SessionContext, deps Deps) (bool, int) {
	if deps.Analyzer == nil {
		return false, 0
	}
	site, err := deps.Analyzer(scoped.Context)
	if err != nil {
		return false, 0
	}
	if !cache.DriftExceedsTolerance(deps.TotalSitePages, site.TotalPages, deps.DriftToleranceRatio) {
		return false, 0
	}
	sctx.Events.Publish(events.Event{Kind: events.KindBatchFailed, SessionID: sctx.SessionID, At: time.Now(), Reason: events.BatchFailedDrift})
	sctx.Events.Publish(events.Event{Kind: events.KindDriftWarning, SessionID: sctx.SessionID, At: time.Now()})
	return true, site.TotalPages
}
