package opibuild

import (
	"context"
	"time"
)

// retryPause is the fixed delay between failed attempts.
const retryPause = 2 * time.Second

// RunWithRetry runs cmd up to maxAttempts times through runner, pausing
// between failures. Every failure is retried until the budget runs out;
// only cancellation aborts early, both mid-command and during the pause.
func RunWithRetry(ctx context.Context, runner CommandRunner, log *Logger, cmd Command, maxAttempts int, echo bool) *ErrorContext {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *ErrorContext
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ec := runner.Run(ctx, cmd, echo)
		if ec == nil {
			if attempt > 1 && log != nil {
				log.Infof("", "command %s succeeded on attempt %d", cmd, attempt)
			}
			return nil
		}
		if ec.Kind == Cancelled {
			return ec
		}
		last = ec
		if attempt == maxAttempts {
			break
		}
		if log != nil {
			log.Warnf("", "command %s failed (attempt %d/%d), retrying in %s: %s",
				cmd, attempt, maxAttempts, retryPause, ec.Message)
		}
		select {
		case <-ctx.Done():
			return Errorf(Cancelled, "cancelled while waiting to retry %s", cmd)
		case <-time.After(retryPause):
		}
	}
	return Errorf(RetriesExhausted, "command %s failed after %d attempts: %s",
		cmd, maxAttempts, last.Message)
}
