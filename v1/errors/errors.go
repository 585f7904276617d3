package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUntimedLock is returned when an operation needs a lock with a
	// positive timeout.
	ErrUntimedLock = errors.New("joblock: lock has no timeout")
	// ErrUnknownJob is returned when a job name has not been registered.
	ErrUnknownJob = errors.New("joblock: unknown job")
	// ErrQueueClosed is returned when enqueueing into a closed queue.
	ErrQueueClosed = errors.New("joblock: queue closed")
	// ErrCircuitOpen is returned by a bus whose circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
