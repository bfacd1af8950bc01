package opibuild

import (
	"fmt"
	"time"
)

// ErrKind classifies a failure into the closed taxonomy used across the
// pipeline. Stages and the executor only ever report one of these kinds;
// anything that cannot be classified is Unknown.
type ErrKind int

const (
	ConfigurationError ErrKind = iota + 1
	PermissionDenied
	ResourceUnavailable
	NetworkFailure
	ProcessExitedNonZero
	ProcessSignaled
	RetriesExhausted
	PreconditionMissing
	Cancelled
	Unknown
)

func (k ErrKind) String() string {
	switch k {
	case ConfigurationError:
		return "ConfigurationError"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceUnavailable:
		return "ResourceUnavailable"
	case NetworkFailure:
		return "NetworkFailure"
	case ProcessExitedNonZero:
		return "ProcessExitedNonZero"
	case ProcessSignaled:
		return "ProcessSignaled"
	case RetriesExhausted:
		return "RetriesExhausted"
	case PreconditionMissing:
		return "PreconditionMissing"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ExitCode maps a kind to the process exit code. Cancelled gets the
// conventional 128+SIGINT value so callers can tell a user abort from an
// ordinary failure.
func (k ErrKind) ExitCode() int {
	switch k {
	case Cancelled:
		return 130
	case ConfigurationError:
		return 2
	case PermissionDenied:
		return 3
	case ResourceUnavailable:
		return 4
	case NetworkFailure:
		return 5
	case ProcessExitedNonZero:
		return 6
	case ProcessSignaled:
		return 7
	case RetriesExhausted:
		return 8
	case PreconditionMissing:
		return 9
	default:
		return 1
	}
}

// ErrorContext is the structured failure record that flows from the point
// of failure up to the pipeline controller and the logger. It is created
// where the failure happens and not retained beyond the failing operation.
type ErrorContext struct {
	Kind    ErrKind
	Message string
	Stage   string
	Time    time.Time
}

func (e *ErrorContext) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an ErrorContext with a formatted message. The stage name is
// filled in by the pipeline controller when the error crosses a stage
// boundary, so most call sites leave it empty.
func Errorf(kind ErrKind, format string, args ...any) *ErrorContext {
	return &ErrorContext{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
	}
}

// InStage returns the error with the originating stage name set. Setting it
// twice is a no-op: the innermost stage wins.
func (e *ErrorContext) InStage(stage string) *ErrorContext {
	if e != nil && e.Stage == "" {
		e.Stage = stage
	}
	return e
}
