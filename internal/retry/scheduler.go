// Package retry drains the outbox back into the broker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier-go/internal/config"
	"courier-go/internal/domain"
	"courier-go/internal/metrics"
	"courier-go/internal/publisher"
	"courier-go/internal/registry"
	"courier-go/internal/store"
)

// Deliverer publishes a stored payload synchronously.
type Deliverer interface {
	Deliver(ctx context.Context, topic string, typ domain.EnvelopeType, payload []byte) error
}

// RunResult summarizes one scheduler run.
type RunResult struct {
	Skipped      bool
	Listed       int
	Delivered    int
	Failed       int
	DeadLettered int
	Conflicts    int

	// Postponed counts envelopes handed back because the broker was down.
	// The run stops at the first one.
	Postponed         int
	BrokerUnavailable bool

	// Truncated is set when the run stopped early to stay inside the lock TTL.
	Truncated bool
}

// Scheduler periodically resends outbox envelopes.
// Runs never overlap, neither inside one process nor across instances
// sharing the same Locker.
type Scheduler struct {
	outbox    store.OutboxStore
	locker    store.Locker
	registry  *registry.Registry
	deliverer Deliverer
	cfg       config.SchedulerConfig
	logger    *slog.Logger

	running sync.Mutex
	now     func() time.Time
}

// NewScheduler creates a new retry scheduler.
func NewScheduler(
	outbox store.OutboxStore,
	locker store.Locker,
	reg *registry.Registry,
	deliverer Deliverer,
	cfg *config.SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		outbox:    outbox,
		locker:    locker,
		registry:  reg,
		deliverer: deliverer,
		cfg:       *cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the scheduler every cfg.Interval until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting retry scheduler",
		"interval", s.cfg.Interval,
		"batchSize", s.cfg.BatchSize,
		"maxAttempts", s.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry run failed", "error", err)
			}
		}
	}
}

// RunOnce resends one batch of due envelopes.
// A run that finds another run in progress is skipped, not queued.
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	var result RunResult

	if !s.running.TryLock() {
		s.logger.Debug("retry run already in progress, skipping")
		metrics.RetryRunsTotal.WithLabelValues("skipped").Inc()
		result.Skipped = true
		return result, nil
	}
	defer s.running.Unlock()

	// The lock TTL counts from here. Every claim must be taken while the lock
	// still has a full lease to run.
	runStart := s.now()
	budget := s.cfg.LockTTL - s.cfg.ClaimLease

	unlock, acquired, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		metrics.RetryRunsTotal.WithLabelValues("failed").Inc()
		return result, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("retry scheduler lock held elsewhere, skipping")
		metrics.RetryRunsTotal.WithLabelValues("skipped").Inc()
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release scheduler lock", "error", err)
		}
	}()

	start := time.Now()
	defer func() {
		metrics.RetryRunDuration.Observe(time.Since(start).Seconds())
	}()

	envs, err := s.outbox.ListRetryable(ctx, runStart, s.cfg.BatchSize, s.cfg.MaxAttempts)
	if err != nil {
		metrics.RetryRunsTotal.WithLabelValues("failed").Inc()
		return result, fmt.Errorf("failed to list retryable envelopes: %w", err)
	}
	result.Listed = len(envs)

	for i, env := range envs {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.now().Sub(runStart) > budget {
			s.logger.Warn("retry run stopped before its lock expires",
				"processed", i,
				"remaining", len(envs)-i,
			)
			result.Truncated = true
			break
		}
		if !s.process(ctx, env, &result) {
			break
		}
	}

	s.updateDepth(ctx)
	metrics.RetryRunsTotal.WithLabelValues("completed").Inc()

	if result.Listed > 0 {
		s.logger.Info("retry run completed",
			"listed", result.Listed,
			"delivered", result.Delivered,
			"failed", result.Failed,
			"deadLettered", result.DeadLettered,
			"conflicts", result.Conflicts,
			"postponed", result.Postponed,
			"truncated", result.Truncated,
		)
	}

	return result, nil
}

// process claims and resends one envelope. Failures are recorded on the
// envelope and never abort the batch; it returns false only when the broker
// is down and the rest of the batch would fail the same way.
func (s *Scheduler) process(ctx context.Context, env *domain.Envelope, result *RunResult) bool {
	now := s.now()
	claimed, err := s.outbox.Claim(ctx, env.ID, env.Version, now, now.Add(s.cfg.ClaimLease))
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrEnvelopeNotFound) {
			s.logger.Debug("envelope claimed elsewhere", "envelopeID", env.ID)
			metrics.RetryEnvelopesTotal.WithLabelValues(string(env.Type), "conflict").Inc()
			result.Conflicts++
			return true
		}
		s.logger.Error("failed to claim envelope", "error", err, "envelopeID", env.ID)
		result.Failed++
		return true
	}

	// The send must not outlive the claim, or another instance could take the row.
	sendCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.ClaimLease > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, s.cfg.ClaimLease)
	}
	err = s.resend(sendCtx, claimed)
	cancel()

	if errors.Is(err, publisher.ErrBrokerUnavailable) {
		s.postpone(ctx, claimed, err, now, result)
		return false
	}
	if err != nil {
		s.fail(ctx, claimed, err, now, result)
		return true
	}

	if err := s.outbox.Delete(ctx, claimed.ID, claimed.Version); err != nil {
		// The message is out; leaving the row means it is sent again after the lease.
		s.logger.Error("failed to delete delivered envelope", "error", err, "envelopeID", claimed.ID)
	}

	metrics.RetryEnvelopesTotal.WithLabelValues(string(claimed.Type), "delivered").Inc()
	s.logger.Debug("envelope delivered", "envelopeID", claimed.ID, "type", claimed.Type)
	result.Delivered++
	return true
}

// postpone hands the envelope back after a broker outage. Attempts are left
// unchanged so an outage never dead-letters anything.
func (s *Scheduler) postpone(ctx context.Context, env *domain.Envelope, cause error, now time.Time, result *RunResult) {
	result.BrokerUnavailable = true
	next := now.Add(Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, 0))

	if _, err := s.outbox.Postpone(ctx, env.ID, env.Version, cause.Error(), next); err != nil {
		s.logger.Error("failed to postpone envelope", "error", err, "envelopeID", env.ID)
		return
	}

	s.logger.Info("broker unavailable, ending retry run", "envelopeID", env.ID, "nextAttemptAt", next)
	metrics.RetryEnvelopesTotal.WithLabelValues(string(env.Type), "postponed").Inc()
	result.Postponed++
}

func (s *Scheduler) resend(ctx context.Context, env *domain.Envelope) error {
	entry, err := s.registry.Lookup(env.Type)
	if err != nil {
		return err
	}

	payload := []byte(env.Payload)
	if _, err := entry.Decode(payload); err != nil {
		return err
	}

	return s.deliverer.Deliver(ctx, entry.Topic, env.Type, payload)
}

func (s *Scheduler) fail(ctx context.Context, env *domain.Envelope, cause error, now time.Time, result *RunResult) {
	next := now.Add(Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, env.Attempts))

	failed, err := s.outbox.MarkFailed(ctx, env.ID, env.Version, cause.Error(), next)
	if err != nil {
		s.logger.Error("failed to record failed attempt", "error", err, "envelopeID", env.ID)
		result.Failed++
		return
	}

	if failed.IsDeadLettered(s.cfg.MaxAttempts) {
		s.logger.Warn("envelope dead-lettered",
			"envelopeID", failed.ID,
			"type", failed.Type,
			"attempts", failed.Attempts,
			"lastError", failed.LastError,
		)
		metrics.RetryEnvelopesTotal.WithLabelValues(string(failed.Type), "dead_lettered").Inc()
		result.DeadLettered++
		return
	}

	s.logger.Info("envelope resend failed",
		"error", cause,
		"envelopeID", failed.ID,
		"attempts", failed.Attempts,
		"nextAttemptAt", failed.NextAttemptAt,
	)
	metrics.RetryEnvelopesTotal.WithLabelValues(string(failed.Type), "failed").Inc()
	result.Failed++
}

// Requeue makes an envelope eligible for automatic retry again, clearing
// its attempts and manual-only flag.
func (s *Scheduler) Requeue(ctx context.Context, id string) (*domain.Envelope, error) {
	env, err := s.outbox.Requeue(ctx, id, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("envelope requeued", "envelopeID", env.ID, "type", env.Type)
	return env, nil
}

func (s *Scheduler) updateDepth(ctx context.Context) {
	count, err := s.outbox.Count(ctx)
	if err != nil {
		s.logger.Warn("failed to count outbox envelopes", "error", err)
		return
	}
	metrics.OutboxDepth.Set(float64(count))
}
