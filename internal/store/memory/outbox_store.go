// Package memory provides in-memory implementations of store interfaces.
// These are useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier-go/internal/domain"
)

// OutboxStore is an in-memory implementation of store.OutboxStore.
// It keeps copies of envelopes so callers can never mutate stored state.
type OutboxStore struct {
	mu        sync.RWMutex
	envelopes map[string]*domain.Envelope

	// createErr makes Create fail, to exercise the lost-message path.
	createErr error
}

// NewOutboxStore creates a new in-memory outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		envelopes: make(map[string]*domain.Envelope),
	}
}

// SetCreateError makes every Create fail with err until reset with nil.
func (s *OutboxStore) SetCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// Create stores a new envelope.
func (s *OutboxStore) Create(ctx context.Context, env *domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	if !env.Status.IsValid() {
		return domain.ErrInvalidStatus
	}
	s.envelopes[env.ID] = copyEnvelope(env)
	return nil
}

// Get retrieves an envelope by ID.
func (s *OutboxStore) Get(ctx context.Context, id string) (*domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, domain.ErrEnvelopeNotFound
	}
	return copyEnvelope(env), nil
}

// List retrieves envelopes matching the filter, newest first.
func (s *OutboxStore) List(ctx context.Context, filter domain.EnvelopeFilter) ([]*domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Envelope
	for _, env := range s.envelopes {
		if filter.Status != "" && env.Status != filter.Status {
			continue
		}
		if filter.Type != "" && env.Type != filter.Type {
			continue
		}
		result = append(result, copyEnvelope(env))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, filter.Offset, filter.Limit), nil
}

// ListRetryable returns envelopes the scheduler may resend at now, oldest due first.
func (s *OutboxStore) ListRetryable(ctx context.Context, now time.Time, limit, maxAttempts int) ([]*domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Envelope
	for _, env := range s.envelopes {
		if env.IsRetryable(now, maxAttempts) {
			result = append(result, copyEnvelope(env))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextAttemptAt.Equal(result[j].NextAttemptAt) {
			return result[i].NextAttemptAt.Before(result[j].NextAttemptAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return paginate(result, 0, limit), nil
}

// Claim takes an envelope for one resend attempt.
func (s *OutboxStore) Claim(ctx context.Context, id string, version int64, now, leaseUntil time.Time) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.lookup(id, version)
	if err != nil {
		return nil, err
	}

	attemptAt := now
	env.LastAttemptAt = &attemptAt
	env.NextAttemptAt = leaseUntil
	env.Version++
	return copyEnvelope(env), nil
}

// Delete removes a delivered envelope.
func (s *OutboxStore) Delete(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(id, version); err != nil {
		return err
	}
	delete(s.envelopes, id)
	return nil
}

// MarkFailed records a failed attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.lookup(id, version)
	if err != nil {
		return nil, err
	}

	env.Status = domain.StatusFailed
	env.Attempts++
	env.LastError = reason
	env.NextAttemptAt = nextAttemptAt
	env.Version++
	return copyEnvelope(env), nil
}

// Postpone returns a claimed envelope to the queue without counting an attempt.
func (s *OutboxStore) Postpone(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.lookup(id, version)
	if err != nil {
		return nil, err
	}

	env.LastError = reason
	env.NextAttemptAt = nextAttemptAt
	env.Version++
	return copyEnvelope(env), nil
}

// Requeue resets an envelope for another round of automatic retries.
func (s *OutboxStore) Requeue(ctx context.Context, id string, now time.Time) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, domain.ErrEnvelopeNotFound
	}

	env.Status = domain.StatusNew
	env.Attempts = 0
	env.ManualOnly = false
	env.NextAttemptAt = now
	env.Version++
	return copyEnvelope(env), nil
}

// Count returns the number of stored envelopes.
func (s *OutboxStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.envelopes), nil
}

// lookup returns the stored envelope if it exists at the given version.
// Caller must hold the write lock.
func (s *OutboxStore) lookup(id string, version int64) (*domain.Envelope, error) {
	env, ok := s.envelopes[id]
	if !ok {
		return nil, domain.ErrEnvelopeNotFound
	}
	if env.Version != version {
		return nil, domain.ErrVersionConflict
	}
	return env, nil
}

func copyEnvelope(env *domain.Envelope) *domain.Envelope {
	c := *env
	if env.LastAttemptAt != nil {
		t := *env.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

func paginate(envs []*domain.Envelope, offset, limit int) []*domain.Envelope {
	if offset > 0 {
		if offset >= len(envs) {
			return nil
		}
		envs = envs[offset:]
	}
	if limit > 0 && limit < len(envs) {
		envs = envs[:limit]
	}
	return envs
}
