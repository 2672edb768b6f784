// Package control implements the Control Facade: the single external
// command surface (analyze_system_status, start_crawling, pause_session,
// resume_session, cancel_session, query_products, get_session) that a CLI
// or future API layer calls into, keeping session lifecycle rules
// (AlreadyRunning, no such session) in one place.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/batch"
	"mattercrawl/internal/cache"
	"mattercrawl/internal/config"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
	"mattercrawl/internal/fetch"
	"mattercrawl/internal/planner"
	"mattercrawl/internal/session"
	"mattercrawl/internal/store"
)

// ErrAlreadyRunning is returned by StartCrawling when a non-terminal session
// already exists; the facade enforces single-session-at-a-time operation.
var ErrAlreadyRunning = fmt.Errorf("a crawling session is already running")

// SiteAnalyzer refreshes the SiteSnapshot by probing the certification
// directory's current page count, abstracted so tests can stub it.
type SiteAnalyzer func(ctx context.Context) (domain.SiteSnapshot, error)

// SystemStatus is the analyze_system_status operation's result.
type SystemStatus struct {
	Site          domain.SiteSnapshot
	Cursor        domain.DbCursor
	ActiveSession *domain.Session
}

// Facade is the engine's single entry point for session lifecycle and data
// access operations.
type Facade struct {
	mu       sync.Mutex
	cfg      *config.Config
	log      zerolog.Logger
	bus      *events.Bus
	shared   *cache.SharedState
	planner  *planner.Planner
	store    *store.Store
	fetcher  *fetch.Fetcher
	analyzer SiteAnalyzer
	listURL  batch.ListURLFunc
	detailURL batch.DetailURLFunc

	current *session.Actor
	runCtx  *actorctx.SessionContext
}

// Deps bundles the Facade's constructor dependencies.
type Deps struct {
	Config    *config.Config
	Log       zerolog.Logger
	Bus       *events.Bus
	Store     *store.Store
	Fetcher   *fetch.Fetcher
	Analyzer  SiteAnalyzer
	ListURL   batch.ListURLFunc
	DetailURL batch.DetailURLFunc
}

// New builds a Facade.
func New(d Deps) *Facade {
	return &Facade{
		cfg:      d.Config,
		log:      d.Log,
		bus:      d.Bus,
		store:    d.Store,
		fetcher:  d.Fetcher,
		analyzer: d.Analyzer,
		listURL:  d.ListURL,
		detailURL: d.DetailURL,
		shared:   cache.NewSharedState(d.Config.Crawling.CacheTTL.Site(), d.Config.Crawling.CacheTTL.DB()),
		planner: planner.New(
			d.Config.Crawling.ProductsPerPage,
			d.Config.Crawling.MaxRangePerSession,
			d.Config.Crawling.BatchSize,
		),
	}
}

// AnalyzeSystemStatus reports the cached site snapshot, store cursor, and
// the currently running session if any, refreshing whichever cached views
// have gone stale.
func (f *Facade) AnalyzeSystemStatus(ctx context.Context) (SystemStatus, error) {
	site, err := f.shared.Site.Get(ctx, f.analyzer)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("analyze site: %w", err)
	}

	cursor, err := f.shared.DB.Get(ctx, func(ctx context.Context) (domain.DbCursor, error) {
		return f.store.Cursor(ctx)
	})
	if err != nil {
		return SystemStatus{}, fmt.Errorf("read db cursor: %w", err)
	}

	if !cache.ValidateConsistency(site, cursor, f.cfg.Crawling.ProductsPerPage, f.cfg.Crawling.DriftToleranceRatio, time.Now()) {
		f.bus.Publish(events.Event{Kind: events.KindDriftWarning, At: time.Now()})
		f.shared.Site.Invalidate()
		site, err = f.shared.Site.Get(ctx, f.analyzer)
		if err != nil {
			return SystemStatus{}, fmt.Errorf("re-analyze site after drift: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	status := SystemStatus{Site: site, Cursor: cursor}
	if f.current != nil {
		s := f.current.Snapshot()
		if !s.Status.Terminal() {
			status.ActiveSession = &s
		}
	}
	return status, nil
}

// StartCrawling computes a plan for profile and launches a new Session
// Actor, rejecting the request if a session is already active.
func (f *Facade) StartCrawling(parent context.Context, profile domain.Profile) (*domain.Session, error) {
	f.mu.Lock()
	if f.current != nil {
		if s := f.current.Snapshot(); !s.Status.Terminal() {
			f.mu.Unlock()
			return nil, ErrAlreadyRunning
		}
	}
	f.mu.Unlock()

	site, err := f.shared.Site.Get(parent, f.analyzer)
	if err != nil {
		return nil, fmt.Errorf("analyze site: %w", err)
	}
	cursor, err := f.shared.DB.Get(parent, func(ctx context.Context) (domain.DbCursor, error) {
		return f.store.Cursor(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("read db cursor: %w", err)
	}

	plan, err := f.planner.Plan(profile, site, cursor, time.Now())
	if err != nil {
		return nil, fmt.Errorf("compute plan: %w", err)
	}

	actor := session.New(plan, profile.Kind)
	sctx := actorctx.New(parent, actor.Snapshot().SessionID, f.cfg, f.log, f.bus)

	f.mu.Lock()
	f.current = actor
	f.runCtx = sctx
	f.mu.Unlock()

	if err := f.store.RecordSessionStart(parent, actor.Snapshot()); err != nil {
		f.log.Warn().Err(err).Msg("failed to record session start")
	}

	deps := batch.Deps{
		Fetcher:         f.fetcher,
		Store:           f.store,
		ListURL:         f.listURL,
		DetailURL:       f.detailURL,
		Concurrency: batch.Concurrency{
			ListFetch:   f.cfg.Crawling.Concurrency.ListFetch,
			DetailFetch: f.cfg.Crawling.Concurrency.DetailFetch,
			Parse:       f.cfg.Crawling.Concurrency.Parse,
			Persist:     f.cfg.Crawling.Concurrency.Persist,
		},
		MaxAttempts:     f.cfg.HTTP.MaxRetries,
		BaseBackoff:     500 * time.Millisecond,
		PerPageTimeout:  f.cfg.Crawling.Timeouts.PerPage(),
		ProductsPerPage:     f.cfg.Crawling.ProductsPerPage,
		TotalSitePages:      site.TotalPages,
		Persist:             profile.Kind != domain.ProfileVerification,
		Analyzer:            batch.SiteAnalyzerFunc(f.analyzer),
		DriftToleranceRatio: f.cfg.Crawling.DriftToleranceRatio,
		Replan: func(ctx context.Context, revisedTotalPages int) (domain.CrawlPlan, error) {
			f.shared.Site.Invalidate()
			revisedSite, err := f.shared.Site.Get(ctx, f.analyzer)
			if err != nil {
				return domain.CrawlPlan{}, fmt.Errorf("re-analyze site for replan: %w", err)
			}
			if revisedSite.TotalPages != revisedTotalPages {
				f.log.Warn().Int("probed_total_pages", revisedTotalPages).Int("replan_total_pages", revisedSite.TotalPages).
					Msg("site page count moved again while replanning after drift")
			}
			f.shared.DB.Invalidate()
			cursor, err := f.shared.DB.Get(ctx, func(ctx context.Context) (domain.DbCursor, error) {
				return f.store.Cursor(ctx)
			})
			if err != nil {
				return domain.CrawlPlan{}, fmt.Errorf("read db cursor for replan: %w", err)
			}
			return f.planner.Plan(profile, revisedSite, cursor, time.Now())
		},
	}

	go func() {
		actor.Run(sctx, deps)
		if err := f.store.RecordSessionFinish(context.Background(), actor.Snapshot()); err != nil {
			f.log.Warn().Err(err).Msg("failed to record session finish")
		}
	}()

	s := actor.Snapshot()
	return &s, nil
}

// PauseSession pauses the active session.
func (f *Facade) PauseSession() error {
	actor, err := f.activeSession()
	if err != nil {
		return err
	}
	return actor.Send(session.CmdPause)
}

// ResumeSession resumes a paused session.
func (f *Facade) ResumeSession() error {
	actor, err := f.activeSession()
	if err != nil {
		return err
	}
	return actor.Send(session.CmdResume)
}

// CancelSession cancels the active session cooperatively.
func (f *Facade) CancelSession() error {
	actor, err := f.activeSession()
	if err != nil {
		return err
	}
	return actor.Send(session.CmdCancel)
}

// GetSession returns the current session's state snapshot.
func (f *Facade) GetSession() (domain.Session, error) {
	actor, err := f.activeSessionAny()
	if err != nil {
		return domain.Session{}, err
	}
	return actor.Snapshot(), nil
}

func (f *Facade) activeSession() (*session.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, fmt.Errorf("no active session")
	}
	if f.current.Snapshot().Status.Terminal() {
		return nil, fmt.Errorf("session has already finished")
	}
	return f.current, nil
}

func (f *Facade) activeSessionAny() (*session.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, fmt.Errorf("no session has been started")
	}
	return f.current, nil
}

// QueryProducts exposes the store's filtered, cursor-paged product listing.
func (f *Facade) QueryProducts(ctx context.Context, q store.ProductQuery) ([]store.ProductRecord, error) {
	return f.store.Query(ctx, q)
}
