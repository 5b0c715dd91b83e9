// Package domain contains the core entities and value objects for Courier.
// These models represent the language of the notification delivery pipeline.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors returned by outbox stores and the pipeline.
var (
	ErrEnvelopeNotFound = errors.New("envelope not found")
	ErrVersionConflict  = errors.New("envelope was modified concurrently")
	ErrUnknownType      = errors.New("unsupported envelope type")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidStatus    = errors.New("status must be 'NEW' or 'FAILED'")
)

// EnvelopeType selects the topic and request shape used when an envelope is replayed.
type EnvelopeType string

const (
	TypeInApp        EnvelopeType = "IN_APP"
	TypeEmail        EnvelopeType = "EMAIL"
	TypeSMS          EnvelopeType = "SMS"
	TypeOTPEmail     EnvelopeType = "OTP_EMAIL"
	TypeNotification EnvelopeType = "NOTIFICATION"
)

// EnvelopeTypes lists every known type in a stable order.
var EnvelopeTypes = []EnvelopeType{
	TypeInApp,
	TypeEmail,
	TypeSMS,
	TypeOTPEmail,
	TypeNotification,
}

// IsValid returns true if the type is a known value.
func (t EnvelopeType) IsValid() bool {
	switch t {
	case TypeInApp, TypeEmail, TypeSMS, TypeOTPEmail, TypeNotification:
		return true
	default:
		return false
	}
}

// EnvelopeStatus is the delivery state of a stored envelope.
// Successful delivery deletes the envelope, so there is no success status.
type EnvelopeStatus string

const (
	// StatusNew marks an envelope that has not been retried yet, or was requeued manually.
	StatusNew EnvelopeStatus = "NEW"
	// StatusFailed marks an envelope whose last delivery attempt failed.
	StatusFailed EnvelopeStatus = "FAILED"
)

// IsValid returns true if the status is a known value.
func (s EnvelopeStatus) IsValid() bool {
	return s == StatusNew || s == StatusFailed
}

// Source records which component wrote an envelope.
type Source string

const (
	SourcePublisher Source = "publisher"
	SourceConsumer  Source = "consumer"
)

// Envelope is a pending or failed message stored in the outbox.
type Envelope struct {
	// ID is assigned at creation and never changes.
	ID string `json:"id"`

	// Payload is the serialized message body. The business layer owns its schema.
	Payload string `json:"payload"`

	// Type determines the topic and decoder used on replay. Immutable.
	Type EnvelopeType `json:"type"`

	// Status is NEW or FAILED.
	Status EnvelopeStatus `json:"status"`

	// Source is the component that created the envelope.
	Source Source `json:"source"`

	// Attempts counts failed resend attempts made by the retry scheduler.
	Attempts int `json:"attempts"`

	// LastError holds the most recent failure reason.
	LastError string `json:"last_error,omitempty"`

	// ManualOnly marks payloads that automated retry cannot repair
	// (degraded serialization, malformed input). They wait for a manual requeue.
	ManualOnly bool `json:"manual_only"`

	// Version is bumped on every claim or update and guards against concurrent resends.
	Version int64 `json:"version"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt is the earliest time the scheduler may claim this envelope.
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// NewEnvelope creates an envelope that is immediately eligible for retry.
func NewEnvelope(typ EnvelopeType, payload string, status EnvelopeStatus, source Source) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		ID:            uuid.New().String(),
		Payload:       payload,
		Type:          typ,
		Status:        status,
		Source:        source,
		Version:       1,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// WithError records a failure reason on a freshly created envelope.
func (e *Envelope) WithError(err error) *Envelope {
	if err != nil {
		e.LastError = err.Error()
	}
	return e
}

// IsDeadLettered returns true once the envelope has used up its automatic attempts.
func (e *Envelope) IsDeadLettered(maxAttempts int) bool {
	return maxAttempts > 0 && e.Attempts >= maxAttempts
}

// IsRetryable reports whether the scheduler may pick this envelope up at the given time.
func (e *Envelope) IsRetryable(now time.Time, maxAttempts int) bool {
	if e.ManualOnly || e.IsDeadLettered(maxAttempts) {
		return false
	}
	if !e.Status.IsValid() {
		return false
	}
	return !e.NextAttemptAt.After(now)
}

// EnvelopeFilter provides filtering options for listing envelopes.
type EnvelopeFilter struct {
	Status EnvelopeStatus
	Type   EnvelopeType
	Limit  int
	Offset int
}
