package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An existing *Error keeps its code and
// attribution; context errors map to TIMEOUT / CANCELED; anything else becomes
// INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var coordErr *Error
	if errors.As(err, &coordErr) {
		wrapped := &Error{
			code:      coordErr.code,
			category:  coordErr.category,
			message:   message,
			cause:     err,
			metadata:  coordErr.Metadata(),
			retryable: coordErr.retryable,
			timestamp: coordErr.timestamp,
			agentID:   coordErr.agentID,
			taskID:    coordErr.taskID,
			board:     coordErr.board,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsCoordinationError extracts a CoordinationError from an error chain.
// Returns nil if none is found.
func AsCoordinationError(err error) CoordinationError {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.Retryable()
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return Is(err, ErrCodeInvalidInput)
}

// IsCorruption reports whether err signals corrupted board content.
func IsCorruption(err error) bool {
	return Is(err, ErrCodeCorruption)
}

// IsLockTimeout reports whether err is a board lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return Is(err, ErrCodeLockTimeout)
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
