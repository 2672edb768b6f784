// Package actorctx carries the cross-cutting dependencies every actor and
// task needs: configuration, the event sink, and the cooperative
// cancellation signal, bundled the way this codebase's pipeline stages pass
// a shared context value down through worker construction instead of
// threading six parameters through every constructor.
package actorctx

import (
	"context"

	"github.com/rs/zerolog"

	"mattercrawl/internal/config"
)

// EventSink is the minimal surface actors need to publish events, satisfied
// by events.Bus. Declared here to avoid an import cycle between actorctx
// and events.
type EventSink interface {
	Publish(event any)
}

// SessionContext is injected into every Session/Batch/Stage actor and Task
// worker for the lifetime of one crawling session.
type SessionContext struct {
	Context context.Context
	Cancel  context.CancelFunc

	SessionID string
	Config    *config.Config
	Log       zerolog.Logger
	Events    EventSink
}

// New builds a SessionContext whose Context is cancelled by Cancel or by
// parent's own cancellation, whichever comes first.
func New(parent context.Context, sessionID string, cfg *config.Config, log zerolog.Logger, events EventSink) *SessionContext {
	ctx, cancel := context.WithCancel(parent)
	return &SessionContext{
		Context:   ctx,
		Cancel:    cancel,
		SessionID: sessionID,
		Config:    cfg,
		Log:       log.With().Str("session_id", sessionID).Logger(),
		Events:    events,
	}
}

// Cancelled reports whether cooperative cancellation has been requested.
// Actors check this at defined suspension points: after acquiring a
// semaphore slot and before a retry backoff sleep completes.
func (s *SessionContext) Cancelled() bool {
	return s.Context.Err() != nil
}
