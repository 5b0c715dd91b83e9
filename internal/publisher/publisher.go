// Package publisher sends messages to the broker and falls back to the outbox
// whenever the broker cannot take them.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier-go/internal/config"
	"courier-go/internal/domain"
	"courier-go/internal/metrics"
	"courier-go/internal/queue"
	"courier-go/internal/store"
)

// Errors returned by the publisher.
var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrOutboxWrite       = errors.New("failed to write envelope to outbox")
)

// Publisher is the single entry point business code uses to emit messages.
// It is responsible for:
// - Checking broker health before every send
// - Publishing asynchronously when the broker is healthy
// - Writing an outbox envelope whenever a message cannot be published
type Publisher struct {
	producer queue.Producer
	health   queue.HealthChecker
	outbox   store.OutboxStore
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher creates a new publisher.
func NewPublisher(
	producer queue.Producer,
	health queue.HealthChecker,
	outbox store.OutboxStore,
	cfg *config.KafkaConfig,
	logger *slog.Logger,
) *Publisher {
	return &Publisher{
		producer: producer,
		health:   health,
		outbox:   outbox,
		timeout:  cfg.PublishTimeout,
		logger:   logger,
	}
}

// Send emits payload on topic as an envelope of type typ.
//
// The flow:
// 1. Serialize the payload. If that fails, store a degraded FAILED envelope for manual handling.
// 2. Ask the health probe. If the broker is down, store a NEW envelope and stop.
// 3. Publish in the background. A failed acknowledgment stores a FAILED envelope.
//
// Send returns an error only when a synchronous outbox write failed,
// which means the message is lost.
func (p *Publisher) Send(ctx context.Context, topic string, payload any, typ domain.EnvelopeType) error {
	body, err := serialize(payload)
	if err != nil {
		p.logger.Warn("failed to serialize payload, storing for manual handling",
			"error", err,
			"type", typ,
			"topic", topic,
		)
		env := domain.NewEnvelope(typ, fmt.Sprintf("%+v", payload), domain.StatusFailed, domain.SourcePublisher).WithError(err)
		env.ManualOnly = true
		return p.store(ctx, env)
	}

	if !p.health.IsAvailable(ctx) {
		p.logger.Warn("broker unavailable, storing message in outbox", "type", typ, "topic", topic)
		env := domain.NewEnvelope(typ, string(body), domain.StatusNew, domain.SourcePublisher).WithError(ErrBrokerUnavailable)
		return p.store(ctx, env)
	}

	id := uuid.New().String()
	msg := newMessage(id, topic, typ, body)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		env := domain.NewEnvelope(typ, string(body), domain.StatusNew, domain.SourcePublisher).WithError(errors.New("publisher closed"))
		env.ID = id
		return p.store(ctx, env)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		// The caller's request may finish before the broker answers.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		if err := p.publish(sendCtx, msg, typ); err != nil {
			p.logger.Error("failed to publish message, storing in outbox",
				"error", err,
				"envelopeID", id,
				"type", typ,
				"topic", topic,
			)
			env := domain.NewEnvelope(typ, string(body), domain.StatusFailed, domain.SourcePublisher).WithError(err)
			env.ID = id
			_ = p.store(sendCtx, env)
		}
	}()

	return nil
}

// Deliver publishes an already serialized payload and waits for the result.
// It never writes to the outbox; the caller owns the envelope.
func (p *Publisher) Deliver(ctx context.Context, topic string, typ domain.EnvelopeType, payload []byte) error {
	if !p.health.IsAvailable(ctx) {
		return ErrBrokerUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.publish(ctx, newMessage(uuid.New().String(), topic, typ, payload), typ)
}

// Close waits for in-flight background publishes. Later sends go straight to the outbox.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Publisher) publish(ctx context.Context, msg *queue.Message, typ domain.EnvelopeType) error {
	start := time.Now()
	if err := p.producer.Publish(ctx, msg); err != nil {
		metrics.MessagesPublishedTotal.WithLabelValues(msg.Topic, string(typ), "failure").Inc()
		return err
	}
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesPublishedTotal.WithLabelValues(msg.Topic, string(typ), "success").Inc()

	p.logger.Debug("message published",
		"envelopeID", msg.Header(queue.HeaderEnvelopeID),
		"type", typ,
		"topic", msg.Topic,
	)
	return nil
}

// store writes env to the outbox. A failure here has no further fallback.
func (p *Publisher) store(ctx context.Context, env *domain.Envelope) error {
	if err := p.outbox.Create(ctx, env); err != nil {
		metrics.OutboxWriteFailuresTotal.WithLabelValues(string(domain.SourcePublisher), string(env.Type)).Inc()
		p.logger.Error("message lost",
			"error", err,
			"envelopeID", env.ID,
			"type", env.Type,
			"payload", env.Payload,
		)
		return fmt.Errorf("%w: %w", ErrOutboxWrite, err)
	}

	metrics.OutboxWritesTotal.WithLabelValues(string(domain.SourcePublisher), string(env.Type), string(env.Status)).Inc()
	p.logger.Info("envelope stored in outbox",
		"envelopeID", env.ID,
		"type", env.Type,
		"status", env.Status,
	)
	return nil
}

func newMessage(id, topic string, typ domain.EnvelopeType, body []byte) *queue.Message {
	return &queue.Message{
		Topic: topic,
		Value: body,
		Headers: map[string]string{
			queue.HeaderEnvelopeType: string(typ),
			queue.HeaderEnvelopeID:   id,
		},
	}
}

// serialize encodes payload as JSON. Raw bytes are passed through untouched.
func serialize(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return body, nil
}
