package opibuild

import (
	"context"
	"testing"
	"time"
)

func TestRunBlankCommand(t *testing.T) {
	e := &Executor{}
	ec := e.Run(context.Background(), Command{Program: "  "}, false)
	if ec == nil || ec.Kind != ConfigurationError {
		t.Fatalf("blank command: got %v, want ConfigurationError", ec)
	}
}

func TestRunClassification(t *testing.T) {
	e := &Executor{}
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
		want ErrKind
	}{
		{"success", Command{Program: "true"}, 0},
		{"nonzero exit", Command{Program: "false"}, ProcessExitedNonZero},
		{"missing binary", Command{Program: "definitely-not-a-real-binary-422"}, PreconditionMissing},
		{"killed by signal", Command{Program: "sh", Args: []string{"-c", "kill -TERM $$"}}, ProcessSignaled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := e.Run(ctx, tt.cmd, false)
			if tt.want == 0 {
				if ec != nil {
					t.Fatalf("unexpected error: %v", ec)
				}
				return
			}
			if ec == nil || ec.Kind != tt.want {
				t.Fatalf("got %v, want kind %v", ec, tt.want)
			}
		})
	}
}

func TestRunCancellation(t *testing.T) {
	e := &Executor{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ec := e.Run(ctx, Command{Program: "sleep", Args: []string{"30"}}, false)
	if ec == nil || ec.Kind != Cancelled {
		t.Fatalf("got %v, want Cancelled", ec)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s, process group kill did not land", elapsed)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	e := &Executor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ec := e.Run(ctx, Command{Program: "true"}, false)
	if ec == nil || ec.Kind != Cancelled {
		t.Fatalf("got %v, want Cancelled without spawning", ec)
	}
}

func TestOutputTrims(t *testing.T) {
	e := &Executor{}
	out, ec := e.Output(context.Background(), Command{
		Program: "sh", Args: []string{"-c", "echo '  /dev/loop7  '"},
	})
	if ec != nil {
		t.Fatalf("unexpected error: %v", ec)
	}
	if out != "/dev/loop7" {
		t.Errorf("Output() = %q, want trimmed /dev/loop7", out)
	}
}

func TestOutputFailurePropagates(t *testing.T) {
	e := &Executor{}
	_, ec := e.Output(context.Background(), Command{Program: "false"})
	if ec == nil || ec.Kind != ProcessExitedNonZero {
		t.Fatalf("got %v, want ProcessExitedNonZero", ec)
	}
}
