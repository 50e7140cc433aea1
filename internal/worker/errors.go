package worker

import "errors"

// ErrCancelled is returned by a checkpoint once cancellation has been
// requested. Handlers propagate it; the processor finalizes as cancelled.
var ErrCancelled = errors.New("job cancelled")

// RetryableError marks a transient failure eligible for backoff re-queue.
// Anything not wrapped in it is treated as permanent.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient anywhere in its chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// CodedError attaches a stable machine-readable code recorded as the job's
// last_error_code.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps err with a code.
func Coded(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// ErrorCode extracts the first code in the chain, or "" when none.
func ErrorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
