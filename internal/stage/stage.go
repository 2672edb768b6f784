// Package stage implements the Stage Actor: a semaphore-gated fan-out over
// one slice of Tasks of a single kind. Rather than a fixed worker-pool
// reading off a channel, each item gets its own lightweight goroutine
// admitted through a capacity-N weighted semaphore, the same bounded
// parallel-query shape this codebase's incremental executor uses for its
// own query fan-out.
package stage

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mattercrawl/internal/actorctx"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/engerr"
	"mattercrawl/internal/events"
)

// TaskFunc executes a single Task and returns its outcome. Implementations
// must return a classified error (via internal/engerr) so the Stage Actor
// can apply retry policy correctly.
type TaskFunc func(ctx context.Context, task domain.Task) error

// Result is one task's final outcome after retries are exhausted.
type Result struct {
	Task domain.Task
	Err  error
}

// StageResult is the aggregate outcome of running a Stage Actor to
// completion.
type StageResult struct {
	Kind      domain.StageKind
	Succeeded int
	Failed    int
	Errors    []domain.TaskError
}

// Actor runs a bounded-concurrency fan-out over a list of Tasks.
type Actor struct {
	kind        domain.StageKind
	concurrency int
	maxAttempts int
	baseBackoff time.Duration
	fn          TaskFunc
}

// New builds a Stage Actor for one StageKind.
func New(kind domain.StageKind, concurrency, maxAttempts int, baseBackoff time.Duration, fn TaskFunc) *Actor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Actor{kind: kind, concurrency: concurrency, maxAttempts: maxAttempts, baseBackoff: baseBackoff, fn: fn}
}

// Run executes every task, admitting up to a.concurrency concurrently, and
// returns once all tasks have reached a terminal outcome or sctx is
// cancelled. Cancellation is checked right after a task acquires its
// semaphore slot and before any retry sleep completes, per the engine's
// suspension-point contract.
func (a *Actor) Run(sctx *actorctx.SessionContext, tasks []domain.Task) StageResult {
	sem := semaphore.NewWeighted(int64(a.concurrency))
	results := make([]Result, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task

		if err := sem.Acquire(sctx.Context, 1); err != nil {
			results[i] = Result{Task: task, Err: engerr.Wrap(domain.ErrCancelled, "stage cancelled before dispatch", err)}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = Result{Task: task, Err: a.runWithRetry(sctx, task)}
		}()
	}
	wg.Wait()

	return a.summarize(results)
}

func (a *Actor) runWithRetry(sctx *actorctx.SessionContext, task domain.Task) error {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if sctx.Cancelled() {
			return engerr.Wrap(domain.ErrCancelled, "stage cancelled", sctx.Context.Err())
		}

		task.Attempts = attempt
		err := a.fn(sctx.Context, task)
		if err == nil {
			sctx.Events.Publish(events.Event{Kind: events.KindTaskSucceeded, SessionID: sctx.SessionID, At: time.Now(), Stage: a.kind})
			return nil
		}
		lastErr = err

		if !engerr.Retryable(err) || attempt == a.maxAttempts {
			if !engerr.IsCancelled(err) {
				a.publishFailure(sctx, task, err)
			}
			return err
		}

		if waitErr := sleepWithJitter(sctx.Context, a.baseBackoff, attempt); waitErr != nil {
			return engerr.Wrap(domain.ErrCancelled, "retry backoff cancelled", waitErr)
		}
	}
	return lastErr
}

// publishFailure emits both the per-task completion counter (TaskFailed,
// consumed by the Aggregator's throughput stream) and the crawling-error
// stream's payload (CrawlingError), so every recorded failure materializes
// exactly one event-crawling-error regardless of how it is also counted.
func (a *Actor) publishFailure(sctx *actorctx.SessionContext, task domain.Task, err error) {
	now := time.Now()
	payload := events.ErrorPayload{
		Kind:         engerr.Classify(err),
		Where:        "stage",
		When:         now,
		InputSummary: fmt.Sprintf("%v", task.Input),
		Attempts:     task.Attempts,
		Message:      err.Error(),
	}
	sctx.Events.Publish(events.Event{Kind: events.KindTaskFailed, SessionID: sctx.SessionID, At: now, Stage: a.kind})
	sctx.Events.Publish(events.Event{Kind: events.KindCrawlingError, SessionID: sctx.SessionID, At: now, Stage: a.kind, Error: &payload})
}

func (a *Actor) summarize(results []Result) StageResult {
	sr := StageResult{Kind: a.kind}
	for _, r := range results {
		if r.Err == nil {
			sr.Succeeded++
			continue
		}
		// Cancelled tasks count as neither succeeded nor failed.
		if engerr.IsCancelled(r.Err) {
			continue
		}
		sr.Failed++
		sr.Errors = append(sr.Errors, domain.TaskError{
			Kind:         engerr.Classify(r.Err),
			Where:        "stage",
			When:         time.Now(),
			InputSummary: fmt.Sprintf("%v", r.Task.Input),
			Attempts:     r.Task.Attempts,
			Message:      r.Err.Error(),
		})
	}
	return sr
}

func sleepWithJitter(ctx context.Context, base time.Duration, attempt int) error {
	backoff := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(backoff))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
