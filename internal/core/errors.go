package core

import "errors"

// Domain error taxonomy. Store and API layers wrap these with context and map
// them onto HTTP status codes; callers test with errors.Is.
var (
	// ErrNotRecurring rejects a rollover attempt on a one-time task.
	ErrNotRecurring = errors.New("task is not recurring")

	// ErrCrossUser rejects any write referencing a task owned by another
	// user. Batch writes fail as a whole before any row is touched.
	ErrCrossUser = errors.New("task belongs to another user")

	// ErrInvalidRecurrence marks a recurrence payload that fails validation
	// at write time. The read-path resolver never returns it; it fails
	// closed instead.
	ErrInvalidRecurrence = errors.New("invalid recurrence")

	// ErrRetryExhausted marks an offline mutation that used up its retry
	// budget and needs an explicit user-triggered retry.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
