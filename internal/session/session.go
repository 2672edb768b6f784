// Package session implements the Session Actor: the top of the actor
// hierarchy, owning one Session's lifecycle state machine and driving its
// Batch Actors to completion in plan order while honoring Pause/Resume/
// Cancel commands delivered over a private control channel.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/batch"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
)

// CommandKind identifies a control message sent to a running Session Actor.
type CommandKind string

const (
	CmdPause       CommandKind = "Pause"
	CmdResume      CommandKind = "Resume"
	CmdCancel      CommandKind = "Cancel"
	CmdHealthCheck CommandKind = "HealthCheck"
)

// Command is sent on a Session Actor's control channel; Reply, if non-nil,
// receives an error (nil on success) once the command has been applied.
type Command struct {
	Kind  CommandKind
	Reply chan error
}

// Actor owns one Session's execution.
type Actor struct {
	mu      sync.Mutex
	session domain.Session
	cmds    chan Command
	paused  chan struct{} // closed while NOT paused; recreated on Pause
	done    chan struct{}
}

// New creates a Session Actor in the Planning state with the given plan.
func New(plan domain.CrawlPlan, profileKind domain.ProfileKind) *Actor {
	paused := make(chan struct{})
	close(paused) // starts unpaused
	return &Actor{
		session: domain.Session{
			SessionID:   uuid.NewString(),
			Status:      domain.SessionPlanning,
			ProfileKind: profileKind,
			Plan:        plan,
			StartedAt:   time.Now(),
		},
		cmds:   make(chan Command, 8),
		paused: paused,
		done:   make(chan struct{}),
	}
}

// Snapshot returns a copy of the Session's current state, safe for
// concurrent callers (the control facade's get_session operation).
func (a *Actor) Snapshot() domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Send delivers a command and blocks for its acknowledgement.
func (a *Actor) Send(cmd CommandKind) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- Command{Kind: cmd, Reply: reply}:
	case <-a.done:
		return fmt.Errorf("session already finished")
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return nil
	}
}

// Run drives the session's batches to completion. deps.Persist toggles
// whether the Persist stage actually writes, so a Verification-profile run
// can share this exact driver loop.
func (a *Actor) Run(sctx *actorctx.SessionContext, deps batch.Deps) {
	// A Pause applied before Run starts is kept, so the first wait point
	// blocks until Resume.
	a.mu.Lock()
	pausedBeforeRun := a.session.Status == domain.SessionPaused
	a.mu.Unlock()
	if !pausedBeforeRun {
		a.setStatus(sctx, domain.SessionRunning)
	}

	go a.drainCommands(sctx)

	// Index-based rather than range, since a drifted batch replaces
	// a.session.Plan and restarts the loop from its first batch (i=-1,
	// the post-statement's i++ then lands on 0).
	for i := 0; ; i++ {
		a.mu.Lock()
		if i >= len(a.session.Plan.Batches) {
			a.mu.Unlock()
			break
		}
		slice := a.session.Plan.Batches[i]
		a.mu.Unlock()

		if err := a.waitUnlessCancelled(sctx); err != nil {
			a.finish(sctx, domain.SessionFailed, err.Error())
			return
		}

		result := batch.Run(sctx, deps, slice)

		if result.DriftDetected {
			plan, err := deps.Replan(sctx.Context, result.RevisedTotalPages)
			if err != nil {
				a.finish(sctx, domain.SessionFailed, fmt.Sprintf("replan after site drift: %v", err))
				return
			}
			a.mu.Lock()
			a.session.Plan = plan
			a.mu.Unlock()
			deps.TotalSitePages = result.RevisedTotalPages
			i = -1
			continue
		}

		a.mu.Lock()
		a.session.Metrics.SuccessCount += result.SuccessCount
		a.session.Metrics.FailureCount += result.FailureCount
		a.session.Metrics.PartialFailures = append(a.session.Metrics.PartialFailures, result.PartialFailures...)
		a.session.Metrics.TotalPages += len(result.Pages)
		a.mu.Unlock()

		if sctx.Cancelled() {
			a.finish(sctx, domain.SessionFailed, "cancelled")
			return
		}
	}

	a.finish(sctx, domain.SessionCompleted, "")
}

// waitUnlessCancelled blocks while the session is paused, returning
// immediately (with a non-nil error) if ctx is cancelled first. This is the
// suspension point where a Cancel command issued during a Pause takes
// effect without waiting for a Resume that may never come.
func (a *Actor) waitUnlessCancelled(sctx *actorctx.SessionContext) error {
	a.mu.Lock()
	paused := a.paused
	a.mu.Unlock()

	select {
	case <-paused:
		return nil
	case <-sctx.Context.Done():
		return sctx.Context.Err()
	}
}

func (a *Actor) drainCommands(sctx *actorctx.SessionContext) {
	for {
		select {
		case <-a.done:
			return
		case cmd := <-a.cmds:
			cmd.Reply <- a.apply(sctx, cmd.Kind)
		}
	}
}

func (a *Actor) apply(sctx *actorctx.SessionContext, kind CommandKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch kind {
	case CmdHealthCheck:
		return nil
	case CmdPause:
		if a.session.Status.Terminal() {
			return fmt.Errorf("cannot pause a terminal session")
		}
		select {
		case <-a.paused:
			a.paused = make(chan struct{})
		default:
		}
		a.session.Status = domain.SessionPaused
		sctx.Events.Publish(events.Event{Kind: events.KindSessionStatusChanged, SessionID: a.session.SessionID, At: time.Now(), Status: a.session.Status})
		return nil
	case CmdResume:
		if a.session.Status != domain.SessionPaused {
			return fmt.Errorf("session is not paused")
		}
		select {
		case <-a.paused:
		default:
			close(a.paused)
		}
		a.session.Status = domain.SessionRunning
		sctx.Events.Publish(events.Event{Kind: events.KindSessionStatusChanged, SessionID: a.session.SessionID, At: time.Now(), Status: a.session.Status})
		return nil
	case CmdCancel:
		if a.session.Status.Terminal() {
			return fmt.Errorf("session already finished")
		}
		a.session.Status = domain.SessionCancelling
		select {
		case <-a.paused:
		default:
			close(a.paused)
		}
		sctx.Cancel()
		return nil
	default:
		return fmt.Errorf("unknown command %q", kind)
	}
}

func (a *Actor) setStatus(sctx *actorctx.SessionContext, status domain.SessionStatus) {
	a.mu.Lock()
	a.session.Status = status
	a.mu.Unlock()
	sctx.Events.Publish(events.Event{Kind: events.KindSessionStatusChanged, SessionID: a.session.SessionID, At: time.Now(), Status: status})
}

// finish transitions the session to a terminal status and publishes both
// the status-changed event and the event-session-result stream's
// SessionSummary, truncating the accumulated failure list to the
// configured cap so a long-running session's terminal event stays bounded.
func (a *Actor) finish(sctx *actorctx.SessionContext, status domain.SessionStatus, reason string) {
	now := time.Now()
	a.mu.Lock()
	a.session.Status = status
	a.session.FinishedAt = &now
	a.session.FailReason = reason
	metrics := a.session.Metrics
	sessionID := a.session.SessionID
	a.mu.Unlock()

	maxFailures := 100
	if sctx.Config != nil && sctx.Config.Crawling.MaxReportedFailures > 0 {
		maxFailures = sctx.Config.Crawling.MaxReportedFailures
	}
	failures := metrics.PartialFailures
	truncated := 0
	if len(failures) > maxFailures {
		truncated = len(failures) - maxFailures
		failures = failures[:maxFailures]
	}

	sctx.Events.Publish(events.Event{Kind: events.KindSessionStatusChanged, SessionID: sessionID, At: now, Status: status})
	sctx.Events.Publish(events.Event{
		Kind:      events.KindSessionResult,
		SessionID: sessionID,
		At:        now,
		Status:    status,
		Summary: &events.SessionSummary{
			SessionID:         sessionID,
			Status:            status,
			SuccessCount:      metrics.SuccessCount,
			FailureCount:      metrics.FailureCount,
			TotalPages:        metrics.TotalPages,
			Failures:          failures,
			FailuresTruncated: truncated,
		},
	})
	close(a.done)
}
