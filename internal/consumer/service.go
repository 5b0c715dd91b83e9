// Package consumer reads messages from every registered topic and dispatches
// them to the notification handlers. Anything that cannot be delivered is
// written to the outbox; the offset is committed either way.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier-go/internal/domain"
	"courier-go/internal/metrics"
	"courier-go/internal/notification"
	"courier-go/internal/queue"
	"courier-go/internal/registry"
	"courier-go/internal/store"
)

var errHandlerPanic = errors.New("handler panicked")

// Service processes messages from the broker.
// It is responsible for:
// - Resolving the envelope type of each message
// - Decoding and validating the payload
// - Fanning notification requests out to the in-app and email handlers
// - Writing every failed delivery to the outbox
type Service struct {
	consumer queue.Consumer
	registry *registry.Registry
	handlers notification.Handlers
	outbox   store.OutboxStore
	logger   *slog.Logger
}

// NewService creates a new consumer service.
func NewService(
	consumer queue.Consumer,
	reg *registry.Registry,
	handlers notification.Handlers,
	outbox store.OutboxStore,
	logger *slog.Logger,
) *Service {
	return &Service{
		consumer: consumer,
		registry: reg,
		handlers: handlers,
		outbox:   outbox,
		logger:   logger,
	}
}

// Start begins consuming messages from the queue and processing them.
// This is a blocking call that runs until the context is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting consumer service", "topics", s.registry.Topics())
	return s.consumer.Start(ctx, s.handleMessage)
}

// handleMessage is the callback for processing each message from the queue.
// It always returns nil: a message is either dispatched or outboxed, and in
// both cases its offset may be committed.
func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) error {
	start := time.Now()
	defer func() {
		metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	typ := s.resolveType(msg)

	decoded, err := s.registry.Decode(typ, msg.Value)
	if err != nil {
		s.logger.Warn("failed to decode message, storing for manual handling",
			"error", err,
			"topic", msg.Topic,
			"type", typ,
			"envelopeID", msg.Header(queue.HeaderEnvelopeID),
		)
		metrics.HandlerFailuresTotal.WithLabelValues(string(typ), "decode").Inc()

		env := domain.NewEnvelope(typ, string(msg.Value), domain.StatusNew, domain.SourceConsumer).WithError(err)
		env.ManualOnly = true
		s.store(ctx, env)
		metrics.MessagesConsumedTotal.WithLabelValues(msg.Topic, string(typ), "outboxed").Inc()
		return nil
	}

	result := "dispatched"
	if !s.dispatch(ctx, typ, decoded) {
		result = "outboxed"
	}
	metrics.MessagesConsumedTotal.WithLabelValues(msg.Topic, string(typ), result).Inc()

	return nil
}

// resolveType prefers the type header and falls back to the topic's default type.
func (s *Service) resolveType(msg *queue.Message) domain.EnvelopeType {
	if h := domain.EnvelopeType(msg.Header(queue.HeaderEnvelopeType)); h != "" {
		if _, err := s.registry.Lookup(h); err == nil {
			return h
		}
		s.logger.Warn("unknown envelope type header, using topic default", "type", h, "topic", msg.Topic)
	}

	if typ, ok := s.registry.DefaultType(msg.Topic); ok {
		return typ
	}
	return domain.EnvelopeType(msg.Header(queue.HeaderEnvelopeType))
}

// dispatch hands a decoded request to its handlers and reports whether every
// handler succeeded.
func (s *Service) dispatch(ctx context.Context, typ domain.EnvelopeType, decoded any) bool {
	switch req := decoded.(type) {
	case *domain.NotificationRequest:
		return s.fanOut(ctx, req)

	case *domain.InAppNotificationRequest:
		return s.run(ctx, domain.TypeInApp, req, func(ctx context.Context) error {
			return s.handlers.SaveInAppNotification(ctx, req)
		})

	case *domain.EmailRequest:
		return s.run(ctx, domain.TypeEmail, req, func(ctx context.Context) error {
			return s.handlers.SendEmail(ctx, req)
		})

	case *domain.OtpEmailRequest:
		return s.run(ctx, domain.TypeOTPEmail, req, func(ctx context.Context) error {
			return s.handlers.SendEmail(ctx, req.Render())
		})

	case *domain.SmsRequest:
		return s.run(ctx, domain.TypeSMS, req, func(ctx context.Context) error {
			return s.handlers.SendSMS(ctx, req)
		})

	default:
		err := fmt.Errorf("%w: no handler for %T", domain.ErrUnknownType, decoded)
		s.logger.Error("no handler for decoded message", "error", err, "type", typ)
		env := domain.NewEnvelope(typ, encode(decoded), domain.StatusNew, domain.SourceConsumer).WithError(err)
		env.ManualOnly = true
		s.store(ctx, env)
		return false
	}
}

// fanOut runs the in-app and email halves of a notification independently.
// A failed half is stored as its own envelope so a retry never repeats the half that succeeded.
func (s *Service) fanOut(ctx context.Context, req *domain.NotificationRequest) bool {
	ok := true

	if req.Channel.IncludesInApp() {
		inApp := req.InApp()
		ok = s.run(ctx, domain.TypeInApp, inApp, func(ctx context.Context) error {
			return s.handlers.SaveInAppNotification(ctx, inApp)
		}) && ok
	}

	if req.Channel.IncludesEmail() {
		email := req.EmailMessage()
		ok = s.run(ctx, domain.TypeEmail, email, func(ctx context.Context) error {
			return s.handlers.SendEmail(ctx, email)
		}) && ok
	}

	return ok
}

// run calls one handler and outboxes payload as an envelope of type typ if it fails.
func (s *Service) run(ctx context.Context, typ domain.EnvelopeType, payload any, fn func(context.Context) error) bool {
	err := safeCall(ctx, fn)
	if err == nil {
		return true
	}

	reason := "error"
	if errors.Is(err, errHandlerPanic) {
		reason = "panic"
	}
	metrics.HandlerFailuresTotal.WithLabelValues(string(typ), reason).Inc()

	s.logger.Error("handler failed, storing in outbox", "error", err, "type", typ)

	env := domain.NewEnvelope(typ, encode(payload), domain.StatusNew, domain.SourceConsumer).WithError(err)
	s.store(ctx, env)
	return false
}

// store writes env to the outbox. The offset is committed even when this fails.
func (s *Service) store(ctx context.Context, env *domain.Envelope) {
	if err := s.outbox.Create(ctx, env); err != nil {
		metrics.OutboxWriteFailuresTotal.WithLabelValues(string(domain.SourceConsumer), string(env.Type)).Inc()
		s.logger.Error("message lost",
			"error", err,
			"envelopeID", env.ID,
			"type", env.Type,
			"payload", env.Payload,
		)
		return
	}

	metrics.OutboxWritesTotal.WithLabelValues(string(domain.SourceConsumer), string(env.Type), string(env.Status)).Inc()
	s.logger.Info("envelope stored in outbox", "envelopeID", env.ID, "type", env.Type)
}

// safeCall runs fn and turns a panic into an error.
func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return fn(ctx)
}

func encode(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%+v", payload)
	}
	return string(data)
}
