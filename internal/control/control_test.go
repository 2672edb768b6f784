package control

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/batch"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
	"mattercrawl/internal/session"
)

func newTestSessionContext(sessionID string) *actorctx.SessionContext {
	return actorctx.New(context.Background(), sessionID, nil, zerolog.Nop(), events.NewBus(16))
}

func TestPauseSessionErrorsWhenNoActiveSession(t *testing.T) {
	f := &Facade{}
	if err := f.PauseSession(); err == nil {
		t.Fatal("expected an error pausing with no active session")
	}
}

func TestResumeSessionErrorsWhenNoActiveSession(t *testing.T) {
	f := &Facade{}
	if err := f.ResumeSession(); err == nil {
		t.Fatal("expected an error resuming with no active session")
	}
}

func TestCancelSessionErrorsWhenNoActiveSession(t *testing.T) {
	f := &Facade{}
	if err := f.CancelSession(); err == nil {
		t.Fatal("expected an error cancelling with no active session")
	}
}

func TestGetSessionErrorsWhenNoSessionStarted(t *testing.T) {
	f := &Facade{}
	if _, err := f.GetSession(); err == nil {
		t.Fatal("expected an error for GetSession before any session was started")
	}
}

func TestActiveSessionRejectsTerminalSession(t *testing.T) {
	actor := session.New(domain.CrawlPlan{}, domain.ProfileIntelligent)
	sctx := newTestSessionContext(actor.Snapshot().SessionID)
	actor.Run(sctx, batch.Deps{}) // empty plan completes synchronously

	f := &Facade{current: actor}

	if err := f.PauseSession(); err == nil {
		t.Fatal("expected an error pausing a session that has already finished")
	}
	if err := f.ResumeSession(); err == nil {
		t.Fatal("expected an error resuming a session that has already finished")
	}
	if err := f.CancelSession(); err == nil {
		t.Fatal("expected an error cancelling a session that has already finished")
	}
}

func TestGetSessionReturnsSnapshotEvenForTerminalSession(t *testing.T) {
	actor := session.New(domain.CrawlPlan{}, domain.ProfileIntelligent)
	sctx := newTestSessionContext(actor.Snapshot().SessionID)
	actor.Run(sctx, batch.Deps{})

	f := &Facade{current: actor}

	snap, err := f.GetSession()
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if snap.Status != domain.SessionCompleted {
		t.Errorf("expected Completed status, got %v", snap.Status)
	}
}

func TestStartCrawlingRejectsWhileAnotherSessionIsActive(t *testing.T) {
	// A running (non-terminal) session must short-circuit StartCrawling
	// before it ever touches the site/db cache or planner, so a Facade
	// built without those dependencies is enough to exercise this guard.
	actor := session.New(domain.CrawlPlan{Batches: []domain.BatchSlice{{}}}, domain.ProfileIntelligent)
	f := &Facade{current: actor}

	_, err := f.StartCrawling(context.Background(), domain.Profile{Kind: domain.ProfileIntelligent})
	if err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
