package export

import (
	"errors"
	"fmt"
	"time"
)

// Remote failure classes. RemoteSource implementations wrap one of these so
// the worker pool can decide between retry, skip and abort.
// Use errors.Is(err, export.ErrNotFound) to check.
var (
	ErrAuth        = errors.New("export: authentication required")
	ErrRateLimited = errors.New("export: rate limited")
	ErrNotFound    = errors.New("export: remote object not found")
	ErrTransientIO = errors.New("export: transient I/O failure")
	ErrPermanent   = errors.New("export: permanent failure")
)

// Consistency errors. These indicate a programming or ledger inconsistency
// and are fatal to the run; they are never retried.
var (
	ErrDuplicateNode     = errors.New("export: duplicate node")
	ErrUnknownParent     = errors.New("export: unknown parent")
	ErrUnknownNode       = errors.New("export: unknown node")
	ErrInvalidTransition = errors.New("export: invalid state transition")
)

// ErrJobFailed is returned by Orchestrator runs that end in JobFailed.
var ErrJobFailed = errors.New("export: job failed")

// RemoteError wraps a failure class with the details a remote API reported.
type RemoteError struct {
	Service    Service
	StatusCode int
	Message    string
	RetryAfter time.Duration // 0 = use computed backoff
	Err        error         // class sentinel, for errors.Is()
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// errorClass is the worker pool's decision for a failed operation.
type errorClass int

const (
	classRetryable errorClass = iota
	classPermanent
	classAuth
	classFatal
)

// classify maps an error to the action the worker pool takes. Unknown
// errors are treated as transient so a flaky adapter cannot silently drop
// content; the attempt cap bounds the cost.
func classify(err error) errorClass {
	switch {
	case errors.Is(err, ErrDuplicateNode),
		errors.Is(err, ErrUnknownParent),
		errors.Is(err, ErrUnknownNode),
		errors.Is(err, ErrInvalidTransition):
		return classFatal
	case errors.Is(err, ErrAuth):
		return classAuth
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermanent):
		return classPermanent
	default:
		return classRetryable
	}
}

// retryAfter extracts a server-requested delay from err, if any.
func retryAfter(err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.RetryAfter
	}

	return 0
}
