package memory

import "errors"

var (
	// ErrQueueClosed is returned when attempting to publish to a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrBrokerDown is returned when publishing while the queue is marked unavailable.
	ErrBrokerDown = errors.New("broker unavailable")
)
