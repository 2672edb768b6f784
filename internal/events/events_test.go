package events

import (
	"context"
	"testing"
	"time"
)

func TestBusBroadcastsToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	chA, cancelA := bus.Subscribe()
	chB, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Kind: KindBatchStarted, SessionID: "s1"})

	select {
	case e := <-chA:
		if e.Kind != KindBatchStarted {
			t.Errorf("subscriber A: expected KindBatchStarted, got %v", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A: timed out waiting for event")
	}

	select {
	case e := <-chB:
		if e.Kind != KindBatchStarted {
			t.Errorf("subscriber B: expected KindBatchStarted, got %v", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber B: timed out waiting for event")
	}
}

func TestBusIgnoresNonEventPublishArgument(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish("not an event")

	select {
	case e := <-ch:
		t.Fatalf("expected no delivery for a non-Event publish, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSendsLaggedWhenSubscriberBufferIsFull(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Fill the one-slot buffer, then publish again without anyone draining
	// it: the bus must make room for a Lagged notice rather than leave the
	// subscriber to find out only when its channel is closed out from under it.
	bus.Publish(Event{Kind: KindTaskSucceeded})
	bus.Publish(Event{Kind: KindTaskSucceeded})

	select {
	case e := <-ch:
		if e.Kind != KindLagged {
			t.Errorf("expected a KindLagged notice once the buffer overflowed, got %v", e.Kind)
		}
		if e.Skipped != 2 {
			t.Errorf("expected Skipped=2 (the drained first event and the second), got %d", e.Skipped)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the lagged notice")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	cancel()

	_, ok := <-ch
	if ok {
		t.Fatal("expected the channel to be closed after cancel")
	}
}

func TestAggregatorComputesThroughputAndRemaining(t *testing.T) {
	agg := NewAggregator(1.0, 10)
	ch := make(chan Event, 4)
	updates := make(chan AggregatedStateUpdate, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agg.Run(ctx, "s1", ch, func(u AggregatedStateUpdate) {
		updates <- u
	})

	ch <- Event{Kind: KindTaskSucceeded}
	ch <- Event{Kind: KindTaskSucceeded}
	ch <- Event{Kind: KindTaskFailed}

	select {
	case u := <-updates:
		if u.SuccessCount != 2 {
			t.Errorf("expected 2 successes, got %d", u.SuccessCount)
		}
		if u.FailureCount != 1 {
			t.Errorf("expected 1 failure, got %d", u.FailureCount)
		}
		if u.RemainingTasks != 7 {
			t.Errorf("expected 7 remaining out of 10, got %d", u.RemainingTasks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an aggregated state update")
	}
}

func TestAggregatorDefaultsInvalidAlpha(t *testing.T) {
	agg := NewAggregator(0, 10)
	if agg.alpha != 0.2 {
		t.Errorf("expected default alpha 0.2 for an invalid input, got %f", agg.alpha)
	}
	agg = NewAggregator(1.5, 10)
	if agg.alpha != 0.2 {
		t.Errorf("expected default alpha 0.2 for an out-of-range input, got %f", agg.alpha)
	}
}
