// Package events implements the engine's fine-grained event reporting:
// a broadcast bus every actor publishes to, and an Aggregator that folds
// the raw stream into a 1Hz throughput/ETA summary for external consumers.
package events

import (
	"context"
	"sync"
	"time"

	"mattercrawl/internal/domain"
)

// Kind identifies an event's shape.
type Kind string

const (
	KindSessionStatusChanged Kind = "SessionStatusChanged"
	KindBatchStarted         Kind = "BatchStarted"
	KindBatchCompleted       Kind = "BatchCompleted"
	KindBatchFailed          Kind = "BatchFailed"
	KindStageStarted         Kind = "StageStarted"
	KindStageCompleted       Kind = "StageCompleted"
	KindTaskSucceeded        Kind = "TaskSucceeded"
	KindTaskFailed           Kind = "TaskFailed"
	KindCrawlingError        Kind = "CrawlingError"
	KindSessionResult        Kind = "SessionResult"
	KindDriftWarning         Kind = "DriftWarning"
	KindLagged               Kind = "Lagged"
)

// ErrorPayload is the event-crawling-error stream's payload: one per
// recorded failure, published exactly once per failure regardless of how
// many retry attempts preceded it.
type ErrorPayload = domain.TaskError

// SessionSummary is the event-session-result stream's payload, published
// once on a session's terminal transition.
type SessionSummary struct {
	SessionID         string
	Status            domain.SessionStatus
	SuccessCount      int
	FailureCount      int
	TotalPages        int
	Failures          []domain.TaskError // truncated to MaxReportedFailures
	FailuresTruncated int                // number of failures dropped from Failures
}

// BatchFailedReason identifies why a batch was abandoned before completing
// its pipeline.
type BatchFailedReason string

const (
	BatchFailedTimeout    BatchFailedReason = "timeout"
	BatchFailedDrift      BatchFailedReason = "drift"
)

// Event is the envelope published on the bus.
type Event struct {
	Kind      Kind
	SessionID string
	At        time.Time
	Status    domain.SessionStatus
	Stage     domain.StageKind
	Error     *ErrorPayload
	Summary   *SessionSummary
	Reason    BatchFailedReason // only set on KindBatchFailed
	Skipped   int               // only set on KindLagged
}

// subscriber is one listener's private delivery channel.
type subscriber struct {
	ch chan Event
}

// Bus is a multi-subscriber broadcast channel. A slow subscriber that falls
// behind its buffer is dropped a Lagged event recording how many it missed,
// rather than blocking every other publisher or subscriber.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
}

// NewBus builds a Bus whose subscriber channels are buffered to bufSize.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{subs: make(map[int]*subscriber), bufSize: bufSize}
}

// Publish implements actorctx.EventSink.
func (b *Bus) Publish(event any) {
	e, ok := event.(Event)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}

		// Buffer is full. Drop the oldest queued event to make room for a
		// Lagged notice, rather than blocking the publisher or leaving the
		// subscriber to silently miss that it fell behind.
		// The notice counts e itself plus whatever the dropped entry stood
		// for: one event, or an earlier notice's own count.
		skipped := 1
		select {
		case old := <-sub.ch:
			if old.Kind == KindLagged {
				skipped += old.Skipped
			} else {
				skipped++
			}
		default:
		}
		select {
		case sub.ch <- Event{Kind: KindLagged, SessionID: e.SessionID, At: e.At, Skipped: skipped}:
		default:
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Subscribe registers a new listener. Callers must call the returned cancel
// func to unregister and release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// AggregatedStateUpdate is the Aggregator's 1Hz summary.
type AggregatedStateUpdate struct {
	SessionID        string
	At               time.Time
	ThroughputPerSec float64
	ETA              time.Duration
	SuccessCount     int
	FailureCount     int
	RemainingTasks   int
}

// Aggregator folds the raw event stream into a smoothed throughput/ETA
// series using an exponentially weighted moving average, the standard
// smoothing choice for noisy per-second completion counts.
type Aggregator struct {
	alpha          float64
	ewmaThroughput float64
	successCount   int
	failureCount   int
	totalExpected  int
}

// NewAggregator builds an Aggregator with the given smoothing factor and
// the total task count the plan is expected to produce, used for ETA.
func NewAggregator(alpha float64, totalExpected int) *Aggregator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Aggregator{alpha: alpha, totalExpected: totalExpected}
}

// Run consumes ch until it closes or ctx is cancelled, emitting one
// AggregatedStateUpdate per second via emit.
func (a *Aggregator) Run(ctx context.Context, sessionID string, ch <-chan Event, emit func(AggregatedStateUpdate)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var completedThisTick int

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case KindTaskSucceeded:
				a.successCount++
				completedThisTick++
			case KindTaskFailed:
				a.failureCount++
				completedThisTick++
			}
		case <-ticker.C:
			a.ewmaThroughput = a.alpha*float64(completedThisTick) + (1-a.alpha)*a.ewmaThroughput
			completedThisTick = 0

			remaining := a.totalExpected - a.successCount - a.failureCount
			if remaining < 0 {
				remaining = 0
			}

			var eta time.Duration
			if a.ewmaThroughput > 0.0001 {
				eta = time.Duration(float64(remaining)/a.ewmaThroughput) * time.Second
			}

			emit(AggregatedStateUpdate{
				SessionID:        sessionID,
				At:               time.Now(),
				ThroughputPerSec: a.ewmaThroughput,
				ETA:              eta,
				SuccessCount:     a.successCount,
				FailureCount:     a.failureCount,
				RemainingTasks:   remaining,
			})
		}
	}
}
