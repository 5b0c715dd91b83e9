package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"courier-go/internal/domain"
	"courier-go/internal/registry"
)

// Sender emits a payload through the reliable delivery path.
type Sender interface {
	Send(ctx context.Context, topic string, payload any, typ domain.EnvelopeType) error
}

// SendMessageRequest is the body of POST /v1/messages.
type SendMessageRequest struct {
	Type    domain.EnvelopeType `json:"type"`
	Payload json.RawMessage     `json:"payload"`
}

// MessageHandler handles HTTP requests for sending messages.
type MessageHandler struct {
	sender   Sender
	registry *registry.Registry
	logger   *slog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sender Sender, reg *registry.Registry, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		sender:   sender,
		registry: reg,
		logger:   logger,
	}
}

// Send handles POST /v1/messages
// Validates the payload for its type and hands it to the publisher.
// Returns 202 Accepted: the message is either on its way to the broker or in the outbox.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse message body", "error", err)
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := h.registry.Lookup(req.Type)
	if err != nil {
		return invalid(c, err.Error())
	}

	if len(req.Payload) == 0 {
		return invalid(c, "payload is required")
	}
	if _, err := entry.Decode(req.Payload); err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			return invalid(c, err.Error())
		}
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.sender.Send(c.UserContext(), entry.Topic, req.Payload, req.Type); err != nil {
		h.logger.Error("failed to send message", "error", err, "type", req.Type)
		return fail(c, fiber.StatusInternalServerError, "failed to send message")
	}

	return reply(c, fiber.StatusAccepted, map[string]string{
		"status": "accepted",
		"type":   string(req.Type),
		"topic":  entry.Topic,
	})
}
