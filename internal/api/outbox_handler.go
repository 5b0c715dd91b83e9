package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"courier-go/internal/domain"
	"courier-go/internal/store"
)

// Requeuer resets an envelope for automatic retry.
type Requeuer interface {
	Requeue(ctx context.Context, id string) (*domain.Envelope, error)
}

// OutboxHandler handles HTTP requests for outbox inspection and manual retry.
type OutboxHandler struct {
	outbox   store.OutboxStore
	requeuer Requeuer
	logger   *slog.Logger
}

// NewOutboxHandler creates a new outbox handler.
func NewOutboxHandler(outbox store.OutboxStore, requeuer Requeuer, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{
		outbox:   outbox,
		requeuer: requeuer,
		logger:   logger,
	}
}

// List handles GET /v1/outbox
// Returns envelopes matching query parameters, newest first.
func (h *OutboxHandler) List(c *fiber.Ctx) error {
	filter := domain.EnvelopeFilter{}

	if status := c.Query("status"); status != "" {
		filter.Status = domain.EnvelopeStatus(status)
		if !filter.Status.IsValid() {
			return invalid(c, domain.ErrInvalidStatus.Error())
		}
	}

	if typ := c.Query("type"); typ != "" {
		filter.Type = domain.EnvelopeType(typ)
		if !filter.Type.IsValid() {
			return invalid(c, domain.ErrUnknownType.Error())
		}
	}

	// Parse pagination
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	if filter.Limit == 0 {
		filter.Limit = 100
	}

	envs, err := h.outbox.List(c.UserContext(), filter)
	if err != nil {
		h.logger.Error("failed to list envelopes", "error", err)
		return fail(c, fiber.StatusInternalServerError, "failed to list envelopes")
	}
	if envs == nil {
		envs = []*domain.Envelope{}
	}

	return reply(c, fiber.StatusOK, envs)
}

// GetByID handles GET /v1/outbox/:id
func (h *OutboxHandler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return fail(c, fiber.StatusBadRequest, "id is required")
	}

	env, err := h.outbox.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, domain.ErrEnvelopeNotFound) {
			return fail(c, fiber.StatusNotFound, "envelope not found")
		}
		h.logger.Error("failed to get envelope", "envelopeID", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "failed to get envelope")
	}

	return reply(c, fiber.StatusOK, env)
}

// Retry handles POST /v1/outbox/:id/retry
// Puts the envelope back in line for the retry scheduler, including
// dead-lettered and manual-only envelopes.
func (h *OutboxHandler) Retry(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return fail(c, fiber.StatusBadRequest, "id is required")
	}

	env, err := h.requeuer.Requeue(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, domain.ErrEnvelopeNotFound) {
			return fail(c, fiber.StatusNotFound, "envelope not found")
		}
		h.logger.Error("failed to requeue envelope", "envelopeID", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "failed to requeue envelope")
	}

	return reply(c, fiber.StatusAccepted, env)
}
