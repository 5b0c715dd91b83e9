// Package memory provides an in-memory implementation of the queue interfaces.
// This is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sync"

	"courier-go/internal/queue"
)

// Queue is an in-memory implementation of the Producer, Consumer and
// HealthChecker interfaces. Messages for every topic share one channel,
// allowing for simple pub/sub within a process.
// This implementation is safe for concurrent use.
type Queue struct {
	messages   chan *queue.Message
	done       chan struct{}
	closed     bool
	available  bool
	publishErr error
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// NewQueue creates a new in-memory queue with the specified buffer size.
// The buffer size determines how many messages can be queued before
// Publish blocks (or fails if the context is canceled).
func NewQueue(bufferSize int) *Queue {
	return &Queue{
		messages:  make(chan *queue.Message, bufferSize),
		done:      make(chan struct{}),
		available: true,
	}
}

// SetAvailable controls what IsAvailable reports.
// An unavailable queue also rejects Publish with ErrBrokerDown.
func (q *Queue) SetAvailable(available bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.available = available
}

// SetPublishError makes every Publish fail with err until it is reset with nil.
// The health probe keeps reporting available, which simulates a broker nack.
func (q *Queue) SetPublishError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishErr = err
}

// IsAvailable reports the availability set with SetAvailable.
func (q *Queue) IsAvailable(ctx context.Context) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.available && !q.closed
}

// Publish sends a message to the in-memory queue.
// This method blocks if the queue is full until space is available
// or the context is canceled.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	closed, available, publishErr := q.closed, q.available, q.publishErr
	q.mu.RUnlock()

	if closed {
		return ErrQueueClosed
	}
	if !available {
		return ErrBrokerDown
	}
	if publishErr != nil {
		return publishErr
	}

	// The messages channel is never closed, so a send racing Close is safe.
	select {
	case q.messages <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins consuming messages and calls the handler for each one.
// This blocks until the context is canceled or the queue is closed.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case msg := <-q.messages:
			// There is no offset to hold back in memory, so a failed message is dropped.
			_ = handler(ctx, msg)
		}
	}
}

// TryReceive pops the next message without blocking.
// Useful for testing to inspect what was published.
func (q *Queue) TryReceive() (*queue.Message, bool) {
	select {
	case msg := <-q.messages:
		return msg, true
	default:
		return nil, false
	}
}

// Close shuts down the queue, stopping all consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Len returns the current number of messages in the queue.
// Useful for testing to verify queue state.
func (q *Queue) Len() int {
	return len(q.messages)
}
