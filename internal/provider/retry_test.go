package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return NewError(CodeTransient, errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_FatalNotRetried(t *testing.T) {
	calls := 0
	fatal := NewError(CodeAuth, errors.New("bad key"))
	err := Retry(context.Background(), 3, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the original error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_BudgetExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, func() error {
		calls++
		return NewError(CodeTransient, errors.New("still down"))
	})
	if err == nil {
		t.Fatal("expected error after exhausted budget")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
	if CodeOf(err) != CodeTransient {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeTransient)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, 5, func() error {
		return NewRateLimitedError(errors.New("slow down"), 10*time.Second)
	})
	if CodeOf(err) != CodeCanceled {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeCanceled)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"typed error", NewError(CodeInvalidRequest, errors.New("bad")), CodeInvalidRequest},
		{"wrapped typed error", errorsJoin(NewError(CodeAuth, errors.New("no"))), CodeAuth},
		{"plain cancellation", context.Canceled, CodeCanceled},
		{"deadline", context.DeadlineExceeded, CodeCanceled},
		{"unclassified", errors.New("mystery"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func errorsJoin(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestRetryable(t *testing.T) {
	if !Retryable(NewError(CodeTransient, errors.New("x"))) {
		t.Error("transient should be retryable")
	}
	if !Retryable(NewRateLimitedError(errors.New("x"), time.Second)) {
		t.Error("rate-limited should be retryable")
	}
	if Retryable(NewError(CodeCanceled, errors.New("x"))) {
		t.Error("canceled should not be retryable")
	}
	if Retryable(NewError(CodeInvalidRequest, errors.New("x"))) {
		t.Error("invalid request should not be retryable")
	}
}
