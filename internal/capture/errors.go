package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob marks a job rejected at enqueue time.
	ErrInvalidJob = errors.New("invalid capture job")
	// ErrInvalidCredentials marks missing or undecryptable tenant cookies.
	ErrInvalidCredentials = errors.New("invalid tenant credentials")
	// ErrInvalidTarget marks a chart identifier that cannot be navigated to.
	ErrInvalidTarget = errors.New("invalid chart target")
	// ErrNotFound is returned by stores and queues for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState is returned when updating an alert that already finished.
	ErrTerminalState = errors.New("alert already in terminal state")
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrLeaseLost means the caller no longer holds the job's claim: the
	// stalled-job sweep reclaimed it, possibly for another worker.
	ErrLeaseLost = errors.New("job lease lost")
)

// ErrorKind classifies a capture failure for the retry decision.
type ErrorKind int

const (
	// KindRetryable failures re-queue the job while attempts remain.
	KindRetryable ErrorKind = iota
	// KindTerminal failures fail the job without consuming retry budget.
	KindTerminal
)

func (k ErrorKind) String() string {
	if k == KindTerminal {
		return "terminal"
	}
	return "retryable"
}

// Error wraps a failure with its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal wraps err as a non-retryable failure of op.
func Terminal(op string, err error) error {
	return &Error{Kind: KindTerminal, Op: op, Err: err}
}

// Retryable wraps err as a retryable failure of op.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// KindOf reports the kind of err. The outermost *Error decides; unclassified
// errors are retryable, except the credential and target sentinels which are
// always terminal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindRetryable
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidTarget) || errors.Is(err, ErrInvalidJob) {
		return KindTerminal
	}
	return KindRetryable
}

// IsTerminal reports whether err must fail the job immediately.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err) == KindTerminal
}

// FailureReason returns the tenant-visible reason recorded on a failed alert.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrInvalidJob):
		return "invalid chart"
	default:
		return "capture failed"
	}
}
