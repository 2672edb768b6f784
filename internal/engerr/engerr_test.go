package engerr

import (
	"errors"
	"fmt"
	"testing"

	"mattercrawl/internal/domain"
)

func TestErrorStringIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(domain.ErrNetworkTransient, "fetch failed", cause)
	want := fmt.Sprintf("%s: fetch failed: connection reset", domain.ErrNetworkTransient)
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorStringOmitsCauseWhenAbsent(t *testing.T) {
	err := New(domain.ErrParseMalformed, "missing vendor id")
	want := fmt.Sprintf("%s: missing vendor id", domain.ErrParseMalformed)
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(domain.ErrPersistenceFatal, "upsert failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestClassifyFindsWrappedKindThroughMultipleLayers(t *testing.T) {
	inner := New(domain.ErrNetworkTransient, "503")
	outer := fmt.Errorf("attempt 2: %w", inner)
	if got := Classify(outer); got != domain.ErrNetworkTransient {
		t.Errorf("expected NetworkTransient through fmt.Errorf wrapping, got %v", got)
	}
}

func TestClassifyDefaultsToNetworkPermanentForUnclassifiedErrors(t *testing.T) {
	if got := Classify(errors.New("plain error")); got != domain.ErrNetworkPermanent {
		t.Errorf("expected NetworkPermanent default, got %v", got)
	}
}

func TestRetryableOnlyTrueForNetworkTransient(t *testing.T) {
	if !Retryable(New(domain.ErrNetworkTransient, "timeout")) {
		t.Error("expected NetworkTransient to be retryable")
	}
	if Retryable(New(domain.ErrNetworkPermanent, "404")) {
		t.Error("expected NetworkPermanent to not be retryable")
	}
	if Retryable(errors.New("plain error")) {
		t.Error("expected an unclassified error to not be retryable")
	}
}

func TestIsCancelledOnlyTrueForCancelledKind(t *testing.T) {
	if !IsCancelled(New(domain.ErrCancelled, "context done")) {
		t.Error("expected Cancelled kind to report true")
	}
	if IsCancelled(New(domain.ErrTimeout, "stalled")) {
		t.Error("expected Timeout kind to not report true for IsCancelled")
	}
}
