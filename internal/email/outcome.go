package email

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one transport attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Classify turns the error returned by Sender.Send into a Result. Errors are
// retryable unless wrapped with Permanent; timeouts are retryable too.
func Classify(err error) Result {
	if err == nil {
		return Result{Outcome: OutcomeSent}
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return Result{Outcome: OutcomeTerminal, Err: perm.Err}
	}

	return Result{Outcome: OutcomeRetryable, Err: err}
}
