// Package notification defines the business handlers the consumer dispatches to.
// The shipped implementation is a stub that logs what it would deliver.
package notification

import (
	"context"
	"log/slog"

	"courier-go/internal/domain"
	"courier-go/internal/metrics"
)

// Handlers performs the actual delivery of decoded requests.
// An error means the request was not delivered and should be retried later.
type Handlers interface {
	// SaveInAppNotification stores a notification for display in the application.
	SaveInAppNotification(ctx context.Context, req *domain.InAppNotificationRequest) error

	// SendEmail sends a transactional email.
	SendEmail(ctx context.Context, req *domain.EmailRequest) error

	// SendSMS sends a text message.
	SendSMS(ctx context.Context, req *domain.SmsRequest) error
}

// StubHandlers is a no-op implementation that logs deliveries.
type StubHandlers struct {
	logger *slog.Logger
}

// NewStubHandlers creates new stub handlers.
func NewStubHandlers(logger *slog.Logger) *StubHandlers {
	return &StubHandlers{
		logger: logger,
	}
}

// SaveInAppNotification logs the in-app notification.
func (h *StubHandlers) SaveInAppNotification(ctx context.Context, req *domain.InAppNotificationRequest) error {
	h.logger.Info("STUB: would save in-app notification",
		"userID", req.UserID,
		"title", req.Title,
	)
	metrics.NotificationsDispatchedTotal.WithLabelValues("in_app").Inc()
	return nil
}

// SendEmail logs the email.
func (h *StubHandlers) SendEmail(ctx context.Context, req *domain.EmailRequest) error {
	h.logger.Info("STUB: would send email",
		"to", req.To,
		"subject", req.Subject,
	)
	metrics.NotificationsDispatchedTotal.WithLabelValues("email").Inc()
	return nil
}

// SendSMS logs the text message.
func (h *StubHandlers) SendSMS(ctx context.Context, req *domain.SmsRequest) error {
	h.logger.Info("STUB: would send sms",
		"phoneNumber", req.PhoneNumber,
	)
	metrics.NotificationsDispatchedTotal.WithLabelValues("sms").Inc()
	return nil
}
