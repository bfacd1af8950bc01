package opibuild

import (
	"context"
	"testing"
)

// stubRunner fails a fixed number of times before succeeding.
type stubRunner struct {
	calls    int
	failures int
	kind     ErrKind
}

func (s *stubRunner) Run(ctx context.Context, cmd Command, echo bool) *ErrorContext {
	s.calls++
	if s.calls <= s.failures {
		return Errorf(s.kind, "attempt %d failed", s.calls)
	}
	return nil
}

func (s *stubRunner) Output(ctx context.Context, cmd Command) (string, *ErrorContext) {
	return "", s.Run(ctx, cmd, false)
}

func TestRunWithRetrySucceedsEventually(t *testing.T) {
	runner := &stubRunner{failures: 2, kind: NetworkFailure}
	ec := RunWithRetry(context.Background(), runner, nil, Command{Program: "git"}, 3, false)
	if ec != nil {
		t.Fatalf("unexpected error: %v", ec)
	}
	if runner.calls != 3 {
		t.Errorf("calls = %d, want 3", runner.calls)
	}
}

func TestRunWithRetryExhausts(t *testing.T) {
	runner := &stubRunner{failures: 99, kind: ProcessExitedNonZero}
	ec := RunWithRetry(context.Background(), runner, nil, Command{Program: "apt-get"}, 2, false)
	if ec == nil || ec.Kind != RetriesExhausted {
		t.Fatalf("got %v, want RetriesExhausted", ec)
	}
	if runner.calls != 2 {
		t.Errorf("calls = %d, want exactly 2 attempts", runner.calls)
	}
}

func TestRunWithRetryCancelledFailsFast(t *testing.T) {
	runner := &stubRunner{failures: 99, kind: Cancelled}
	ec := RunWithRetry(context.Background(), runner, nil, Command{Program: "x"}, 5, false)
	if ec == nil || ec.Kind != Cancelled {
		t.Fatalf("got %v, want Cancelled", ec)
	}
	if runner.calls != 1 {
		t.Errorf("calls = %d, want 1", runner.calls)
	}
}

func TestRunWithRetryUsesFullBudget(t *testing.T) {
	// Every failure except cancellation is retried until the budget runs out.
	for _, kind := range []ErrKind{ConfigurationError, PreconditionMissing, PermissionDenied} {
		runner := &stubRunner{failures: 99, kind: kind}
		ec := RunWithRetry(context.Background(), runner, nil, Command{Program: "x"}, 2, false)
		if ec == nil || ec.Kind != RetriesExhausted {
			t.Fatalf("kind %v: got %v, want RetriesExhausted", kind, ec)
		}
		if runner.calls != 2 {
			t.Errorf("kind %v: calls = %d, want 2", kind, runner.calls)
		}
	}
}

func TestRunWithRetryCancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &stubRunner{failures: 99, kind: NetworkFailure}
	ec := RunWithRetry(ctx, runner, nil, Command{Program: "wget"}, 3, false)
	if ec == nil || ec.Kind != Cancelled {
		t.Fatalf("got %v, want Cancelled from the pause", ec)
	}
	if runner.calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation stopped the loop", runner.calls)
	}
}

func TestRunWithRetryClampsAttempts(t *testing.T) {
	runner := &stubRunner{failures: 0}
	if ec := RunWithRetry(context.Background(), runner, nil, Command{Program: "true"}, 0, false); ec != nil {
		t.Fatalf("unexpected error: %v", ec)
	}
	if runner.calls != 1 {
		t.Errorf("calls = %d, want 1 even with a zero attempt budget", runner.calls)
	}
}
