package batch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
	"mattercrawl/internal/fetch"
)

const batchListPageHTML = `
<html><body>
<table class="products">
<tbody>
<tr class="product-row">
	<td><a href="/product/alpha">Alpha Hub</a></td>
	<td class="manufacturer">Acme Corp</td>
	<td class="model">AH-100</td>
	<td class="certificate-id">CSA123456</td>
</tr>
<tr class="product-row">
	<td><a href="/product/beta">Beta Sensor</a></td>
	<td class="manufacturer">Beta Inc</td>
	<td class="model">BS-200</td>
	<td class="certificate-id">CSA654321</td>
</tr>
</tbody>
</table>
</body></html>
`

const batchDetailPageHTML = `
<html><body>
<article>
<span class="vendor-id">0xFFF1</span>
<span class="product-id">0x8001</span>
<span class="device-type">Light Bulb</span>
<span class="certification-date">2024-03-15</span>
<span class="transport-interface">Wi-Fi</span>
<p>This product was certified under the Matter program after extensive interoperability testing across multiple ecosystems, confirming reliable commissioning and control behavior.</p>
</article>
</body></html>
`

func newTestSessionContext() *actorctx.SessionContext {
	return actorctx.New(context.Background(), "test-session", nil, zerolog.Nop(), events.NewBus(16))
}

func TestRunFetchesAndParsesWithoutPersisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list":
			w.Write([]byte(batchListPageHTML))
		case "/product/alpha", "/product/beta":
			w.Write([]byte(batchDetailPageHTML))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	f := fetch.New(5*time.Second, nil, nil, "mattercrawl-test")
	sctx := newTestSessionContext()

	deps := Deps{
		Fetcher:   f,
		ListURL:   func(page int) string { return server.URL + "/list" },
		DetailURL: func(sourceURL string) string { return server.URL + sourceURL },
		Concurrency: Concurrency{
			ListFetch:   2,
			DetailFetch: 2,
			Parse:       2,
			Persist:     1,
		},
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		ProductsPerPage: 12,
		TotalSitePages:  1,
		Persist:         false, // Verification-profile style: never touches Store
	}

	result := Run(sctx, deps, domain.BatchSlice{Pages: []int{1}})

	if len(result.Stages) != 4 {
		t.Fatalf("expected 4 stages to run when persist is disabled, got %d", len(result.Stages))
	}
	if result.FailureCount != 0 {
		t.Fatalf("expected no failures, got %d: %+v", result.FailureCount, result.PartialFailures)
	}
	// 1 list fetch + 1 parse-list + 2 detail fetches + 2 parse-detail = 6.
	if result.SuccessCount != 6 {
		t.Errorf("expected 6 successful tasks, got %d", result.SuccessCount)
	}
}

func TestRunStopsAfterListFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := fetch.New(5*time.Second, nil, nil, "mattercrawl-test")
	sctx := newTestSessionContext()

	deps := Deps{
		Fetcher:   f,
		ListURL:   func(page int) string { return server.URL + "/list" },
		DetailURL: func(sourceURL string) string { return server.URL + sourceURL },
		Concurrency: Concurrency{
			ListFetch:   1,
			DetailFetch: 1,
			Parse:       1,
			Persist:     1,
		},
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		ProductsPerPage: 12,
		TotalSitePages:  1,
		Persist:         false,
	}

	result := Run(sctx, deps, domain.BatchSlice{Pages: []int{1}})

	// The list fetch fails, leaving nothing for stage 2 to parse; stage 2
	// still runs (over zero tasks) before the empty-summaries short-circuit
	// stops the pipeline ahead of any detail fetch.
	if len(result.Stages) != 2 {
		t.Fatalf("expected pipeline to stop after stage 2, got %d stages", len(result.Stages))
	}
	if result.FailureCount != 1 {
		t.Errorf("expected 1 failure from the 404 list fetch, got %d", result.FailureCount)
	}
}

func TestRunReportsDriftAfterListFetchWhenSiteGrewBeyondTolerance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(batchListPageHTML))
	}))
	defer server.Close()

	f := fetch.New(5*time.Second, nil, nil, "mattercrawl-test")
	sctx := newTestSessionContext()

	deps := Deps{
		Fetcher:   f,
		ListURL:   func(page int) string { return server.URL + "/list" },
		DetailURL: func(sourceURL string) string { return server.URL + sourceURL },
		Concurrency: Concurrency{
			ListFetch:   1,
			DetailFetch: 1,
			Parse:       1,
			Persist:     1,
		},
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		ProductsPerPage: 12,
		TotalSitePages:  10,
		Persist:         false,
		Analyzer: func(ctx context.Context) (domain.SiteSnapshot, error) {
			return domain.SiteSnapshot{TotalPages: 50}, nil
		},
		DriftToleranceRatio: 0.05,
	}

	result := Run(sctx, deps, domain.BatchSlice{Pages: []int{1}})

	if !result.DriftDetected {
		t.Fatal("expected drift to be detected after a 10->50 page swing")
	}
	if result.RevisedTotalPages != 50 {
		t.Errorf("expected RevisedTotalPages 50, got %d", result.RevisedTotalPages)
	}
	// Drift must abandon the batch right after stage 1, never reaching parse.
	if len(result.Stages) != 1 {
		t.Fatalf("expected the pipeline to stop at stage 1 on drift, got %d stages", len(result.Stages))
	}
}

func TestRunIgnoresSmallSiteSwingWithinTolerance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>no products here</p></body></html>`))
	}))
	defer server.Close()

	f := fetch.New(5*time.Second, nil, nil, "mattercrawl-test")
	sctx := newTestSessionContext()

	deps := Deps{
		Fetcher:   f,
		ListURL:   func(page int) string { return server.URL + "/list" },
		DetailURL: func(sourceURL string) string { return server.URL + sourceURL },
		Concurrency: Concurrency{
			ListFetch:   1,
			DetailFetch: 1,
			Parse:       1,
			Persist:     1,
		},
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		ProductsPerPage: 12,
		TotalSitePages:  1000,
		Persist:         false,
		Analyzer: func(ctx context.Context) (domain.SiteSnapshot, error) {
			return domain.SiteSnapshot{TotalPages: 1010}, nil
		},
		DriftToleranceRatio: 0.05,
	}

	result := Run(sctx, deps, domain.BatchSlice{Pages: []int{1}})

	if result.DriftDetected {
		t.Fatal("expected a 1% site swing to stay within the 5% tolerance")
	}
}

func TestRunSkipsLaterStagesWhenNoEntriesParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>no products here</p></body></html>`))
	}))
	defer server.Close()

	f := fetch.New(5*time.Second, nil, nil, "mattercrawl-test")
	sctx := newTestSessionContext()

	deps := Deps{
		Fetcher:   f,
		ListURL:   func(page int) string { return server.URL + "/list" },
		DetailURL: func(sourceURL string) string { return server.URL + sourceURL },
		Concurrency: Concurrency{
			ListFetch:   1,
			DetailFetch: 1,
			Parse:       1,
			Persist:     1,
		},
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		ProductsPerPage: 12,
		TotalSitePages:  1,
		Persist:         false,
	}

	result := Run(sctx, deps, domain.BatchSlice{Pages: []int{1}})

	// Stage 1 (list fetch) succeeds, stage 2 (parse) fails to find entries
	// and the malformed page is counted as a failed parse task; the
	// pipeline must stop there rather than attempting detail fetches.
	if len(result.Stages) != 2 {
		t.Fatalf("expected pipeline to stop after stage 2, got %d stages", len(result.Stages))
	}
}
