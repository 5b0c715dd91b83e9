// Package store defines the persistence interfaces used by the delivery pipeline.
package store

import (
	"context"
	"time"

	"courier-go/internal/domain"
)

// OutboxStore defines the interface for the durable outbox.
// Rows exist only while delivery has not succeeded; success deletes them.
// Every mutating call that takes a version is optimistic and returns
// domain.ErrVersionConflict when the row changed in between.
type OutboxStore interface {
	// Create stores a new envelope.
	Create(ctx context.Context, env *domain.Envelope) error

	// Get retrieves an envelope by ID.
	Get(ctx context.Context, id string) (*domain.Envelope, error)

	// List retrieves envelopes matching the filter, newest first.
	List(ctx context.Context, filter domain.EnvelopeFilter) ([]*domain.Envelope, error)

	// ListRetryable returns up to limit envelopes the scheduler may resend at now:
	// status NEW or FAILED, not manual-only, fewer than maxAttempts attempts
	// (no bound when maxAttempts <= 0) and NextAttemptAt not after now.
	// Oldest due first.
	ListRetryable(ctx context.Context, now time.Time, limit, maxAttempts int) ([]*domain.Envelope, error)

	// Claim takes an envelope for one resend attempt. It bumps the version,
	// sets LastAttemptAt to now and hides the row until leaseUntil.
	Claim(ctx context.Context, id string, version int64, now, leaseUntil time.Time) (*domain.Envelope, error)

	// Delete removes a delivered envelope.
	Delete(ctx context.Context, id string, version int64) error

	// MarkFailed records a failed attempt: status FAILED, one more attempt,
	// the failure reason and the next eligible time.
	MarkFailed(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (*domain.Envelope, error)

	// Postpone hands a claimed envelope back without counting an attempt:
	// status and attempts stay as they are, the reason and the next eligible
	// time are recorded. Used when the broker itself is down.
	Postpone(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (*domain.Envelope, error)

	// Requeue resets an envelope for another round of automatic retries,
	// regardless of attempts or the manual-only flag.
	Requeue(ctx context.Context, id string, now time.Time) (*domain.Envelope, error)

	// Count returns the number of stored envelopes.
	Count(ctx context.Context) (int, error)
}
