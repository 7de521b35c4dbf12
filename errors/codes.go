package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient covers failures where a later retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry cannot fix (bad input, missing data).
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers contention on a shared resource, such as a held board lock.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers corrupted state and bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// Permanent
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodePrecondition  ErrorCode = "PRECONDITION"
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeTaskFailed    ErrorCode = "TASK_FAILED"

	// Resource
	ErrCodeLockTimeout  ErrorCode = "LOCK_TIMEOUT"
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY"

	// Internal
	ErrCodeInternal   ErrorCode = "INTERNAL"
	ErrCodeCorruption ErrorCode = "CORRUPTION"
	ErrCodePanic      ErrorCode = "PANIC"

	// Swarm coordination
	ErrCodeCoordination ErrorCode = "COORDINATION"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeCoordination:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodePrecondition, ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent
	case ErrCodeLockTimeout, ErrCodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeInvalidInput:  "validation failed",
	ErrCodeNotFound:      "not found",
	ErrCodeAlreadyExists: "already exists",
	ErrCodePrecondition:  "deployment precondition not met",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeTaskFailed:    "task execution failed",
	ErrCodeLockTimeout:   "timed out waiting for board lock",
	ErrCodeResourceBusy:  "resource is busy",
	ErrCodeInternal:      "internal error",
	ErrCodeCorruption:    "data corruption detected",
	ErrCodePanic:         "recovered from panic",
	ErrCodeCoordination:  "coordination failure",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
