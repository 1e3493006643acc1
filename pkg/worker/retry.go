package worker

import (
	"context"
	"errors"
)

// RetryDecision defines what happens to a message whose handler failed.
type RetryDecision struct {
	// Retry redelivers the message with the attempt counter advanced.
	Retry bool
	// Nack hands the message back to the transport unchanged.
	Nack bool
	// DeadLetter moves the message to the dead-letter destination.
	DeadLetter bool
}

// RetryPolicy defines a policy for retrying failed messages.
type RetryPolicy interface {
	OnError(ctx context.Context, evt *Event, err error) RetryDecision
}

// NoRetry is a retry policy that never retries.
type NoRetry struct{}

// OnError always returns a decision to not retry and to Nack the message.
func (NoRetry) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: true}
}

// Supervisor retries recoverable failures until the delivery attempt reaches
// MaxAttempts and dead-letters everything else.
type Supervisor struct {
	MaxAttempts int
}

// OnError classifies err for evt.
func (s Supervisor) OnError(_ context.Context, evt *Event, err error) RetryDecision {
	if IsNonRecoverable(err) {
		return RetryDecision{DeadLetter: true}
	}
	attempt := 1
	if evt != nil && evt.Attempt > 0 {
		attempt = evt.Attempt
	}
	if attempt >= s.maxAttempts() {
		return RetryDecision{DeadLetter: true}
	}
	return RetryDecision{Retry: true}
}

func (s Supervisor) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 3
	}
	return s.MaxAttempts
}

// IsNonRecoverable reports whether any error in err's chain declares itself
// non-recoverable.
func IsNonRecoverable(err error) bool {
	var nr interface{ NonRecoverable() bool }
	return errors.As(err, &nr) && nr.NonRecoverable()
}
