package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"courier-go/internal/domain"
	"courier-go/internal/metrics"
)

const envelopeColumns = `
	id, payload, type, status, source, attempts, last_error,
	manual_only, version, created_at, last_attempt_at, next_attempt_at
`

// OutboxRepository implements store.OutboxStore using PostgreSQL.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new PostgreSQL-backed outbox store.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create stores a new envelope.
func (r *OutboxRepository) Create(ctx context.Context, env *domain.Envelope) (err error) {
	defer observe("create", time.Now(), &err)

	if !env.Status.IsValid() {
		return domain.ErrInvalidStatus
	}

	query := `
		INSERT INTO outbox_envelopes (
			id, payload, type, status, source, attempts, last_error,
			manual_only, version, created_at, last_attempt_at, next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.pool.Exec(ctx, query,
		env.ID,
		env.Payload,
		env.Type,
		env.Status,
		env.Source,
		env.Attempts,
		env.LastError,
		env.ManualOnly,
		env.Version,
		env.CreatedAt,
		env.LastAttemptAt,
		env.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create envelope: %w", err)
	}

	return nil
}

// Get retrieves an envelope by ID.
func (r *OutboxRepository) Get(ctx context.Context, id string) (env *domain.Envelope, err error) {
	defer observe("get", time.Now(), &err)

	query := `SELECT ` + envelopeColumns + ` FROM outbox_envelopes WHERE id = $1`

	env, err = scanEnvelope(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}

	return env, nil
}

// List retrieves envelopes matching the filter, newest first.
func (r *OutboxRepository) List(ctx context.Context, filter domain.EnvelopeFilter) (envs []*domain.Envelope, err error) {
	defer observe("list", time.Now(), &err)

	query := `SELECT ` + envelopeColumns + ` FROM outbox_envelopes WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argNum)
		args = append(args, filter.Type)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// ListRetryable returns envelopes the scheduler may resend at now, oldest due first.
func (r *OutboxRepository) ListRetryable(ctx context.Context, now time.Time, limit, maxAttempts int) (envs []*domain.Envelope, err error) {
	defer observe("list_retryable", time.Now(), &err)

	query := `SELECT ` + envelopeColumns + ` FROM outbox_envelopes
		WHERE status IN ('NEW', 'FAILED')
		  AND manual_only = FALSE
		  AND next_attempt_at <= $1
		  AND ($2 <= 0 OR attempts < $2)
		ORDER BY next_attempt_at, created_at`
	args := []interface{}{now, maxAttempts}

	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable envelopes: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// Claim takes an envelope for one resend attempt.
func (r *OutboxRepository) Claim(ctx context.Context, id string, version int64, now, leaseUntil time.Time) (env *domain.Envelope, err error) {
	defer observe("claim", time.Now(), &err)

	query := `
		UPDATE outbox_envelopes SET
			version = version + 1,
			last_attempt_at = $3,
			next_attempt_at = $4
		WHERE id = $1 AND version = $2
		RETURNING ` + envelopeColumns

	env, err = scanEnvelope(r.db.pool.QueryRow(ctx, query, id, version, now, leaseUntil))
	if err != nil {
		return nil, r.resolveMiss(ctx, id, "claim", err)
	}

	return env, nil
}

// Delete removes a delivered envelope.
func (r *OutboxRepository) Delete(ctx context.Context, id string, version int64) (err error) {
	defer observe("delete", time.Now(), &err)

	result, err := r.db.pool.Exec(ctx,
		`DELETE FROM outbox_envelopes WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.resolveMiss(ctx, id, "delete", pgx.ErrNoRows)
	}

	return nil
}

// MarkFailed records a failed attempt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (env *domain.Envelope, err error) {
	defer observe("mark_failed", time.Now(), &err)

	query := `
		UPDATE outbox_envelopes SET
			status = 'FAILED',
			attempts = attempts + 1,
			last_error = $3,
			next_attempt_at = $4,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + envelopeColumns

	env, err = scanEnvelope(r.db.pool.QueryRow(ctx, query, id, version, reason, nextAttemptAt))
	if err != nil {
		return nil, r.resolveMiss(ctx, id, "mark envelope failed", err)
	}

	return env, nil
}

// Postpone returns a claimed envelope to the queue without counting an attempt.
func (r *OutboxRepository) Postpone(ctx context.Context, id string, version int64, reason string, nextAttemptAt time.Time) (env *domain.Envelope, err error) {
	defer observe("postpone", time.Now(), &err)

	query := `
		UPDATE outbox_envelopes SET
			last_error = $3,
			next_attempt_at = $4,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + envelopeColumns

	env, err = scanEnvelope(r.db.pool.QueryRow(ctx, query, id, version, reason, nextAttemptAt))
	if err != nil {
		return nil, r.resolveMiss(ctx, id, "postpone envelope", err)
	}

	return env, nil
}

// Requeue resets an envelope for another round of automatic retries.
func (r *OutboxRepository) Requeue(ctx context.Context, id string, now time.Time) (env *domain.Envelope, err error) {
	defer observe("requeue", time.Now(), &err)

	query := `
		UPDATE outbox_envelopes SET
			status = 'NEW',
			attempts = 0,
			manual_only = FALSE,
			next_attempt_at = $2,
			version = version + 1
		WHERE id = $1
		RETURNING ` + envelopeColumns

	env, err = scanEnvelope(r.db.pool.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to requeue envelope: %w", err)
	}

	return env, nil
}

// Count returns the number of stored envelopes.
func (r *OutboxRepository) Count(ctx context.Context) (count int, err error) {
	defer observe("count", time.Now(), &err)

	err = r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_envelopes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}

	return count, nil
}

// resolveMiss turns a versioned write that matched no row into
// ErrEnvelopeNotFound or ErrVersionConflict.
func (r *OutboxRepository) resolveMiss(ctx context.Context, id, op string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var exists bool
	if err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox_envelopes WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	if exists {
		return domain.ErrVersionConflict
	}
	return domain.ErrEnvelopeNotFound
}

// observe records latency and outcome of one storage operation.
func observe(operation string, start time.Time, err *error) {
	metrics.StorageOperationLatency.WithLabelValues("postgres", operation).Observe(time.Since(start).Seconds())

	status := "success"
	if *err != nil && !errors.Is(*err, domain.ErrEnvelopeNotFound) && !errors.Is(*err, domain.ErrVersionConflict) {
		status = "failure"
	}
	metrics.StorageOperationsTotal.WithLabelValues("postgres", operation, status).Inc()
}

// scanEnvelope scans a single row into an Envelope.
func scanEnvelope(row pgx.Row) (*domain.Envelope, error) {
	var env domain.Envelope

	err := row.Scan(
		&env.ID,
		&env.Payload,
		&env.Type,
		&env.Status,
		&env.Source,
		&env.Attempts,
		&env.LastError,
		&env.ManualOnly,
		&env.Version,
		&env.CreatedAt,
		&env.LastAttemptAt,
		&env.NextAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	return &env, nil
}

// scanEnvelopes scans multiple rows into a slice of Envelopes.
func scanEnvelopes(rows pgx.Rows) ([]*domain.Envelope, error) {
	var envs []*domain.Envelope

	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		envs = append(envs, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate envelopes: %w", err)
	}

	return envs, nil
}
