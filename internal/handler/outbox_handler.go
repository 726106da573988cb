package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/repository"
	"github.com/larderbook/parcel-notify/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

// OutboxAdminService is the slice of the outbox service the operator
// surface needs.
type OutboxAdminService interface {
	GetByID(ctx context.Context, id string) (*domain.OutboxMessage, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.OutboxMessage, int64, error)
	ResendManual(ctx context.Context, id string) (*domain.OutboxMessage, error)
	Dismiss(ctx context.Context, id string, userID string) error
	Restore(ctx context.Context, id string) error
	RequeueBalanceFailures(ctx context.Context) (int64, error)
	NotifyPickupUpdated(ctx context.Context, params service.PickupUpdatedParams) (*domain.OutboxMessage, error)
}

type HealthStatsService interface {
	Stats(ctx context.Context) (domain.HealthStats, error)
}

type OutboxHandler struct {
	service OutboxAdminService
	health  HealthStatsService
}

func NewOutboxHandler(service OutboxAdminService, health HealthStatsService) (*OutboxHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("outbox service is required")
	}
	if health == nil {
		return nil, fmt.Errorf("health service is required")
	}
	return &OutboxHandler{service: service, health: health}, nil
}

func RegisterOutboxRoutes(router fiber.Router, service OutboxAdminService, health HealthStatsService) error {
	h, err := NewOutboxHandler(service, health)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/outbox", h.ListMessages)
	// Static paths before the :id wildcard, fiber matches in
	// registration order.
	v1.Get("/outbox/health", h.GetHealth)
	v1.Post("/outbox/requeue-balance-failures", h.RequeueBalanceFailures)
	v1.Get("/outbox/:id", h.GetMessage)
	v1.Post("/outbox/:id/resend", h.ResendMessage)
	v1.Post("/outbox/:id/dismiss", h.DismissMessage)
	v1.Post("/outbox/:id/restore", h.RestoreMessage)
	// Entry point for the case-management app when a pickup is rescheduled.
	v1.Post("/parcels/:id/pickup-updated", h.NotifyPickupUpdated)

	return nil
}

type dismissRequest struct {
	UserID string `json:"userId"`
}

type messageResponse struct {
	ID                string     `json:"id"`
	Intent            string     `json:"intent"`
	TargetEntityID    string     `json:"targetEntityId"`
	HouseholdID       string     `json:"householdId"`
	Recipient         string     `json:"recipient"`
	Body              string     `json:"body"`
	IdempotencyKey    string     `json:"idempotencyKey"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	IsBalanceFailure  bool       `json:"isBalanceFailure"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	ProviderStatus    *string    `json:"providerStatus,omitempty"`
	ProviderStatusAt  *time.Time `json:"providerStatusAt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DismissedAt       *time.Time `json:"dismissedAt,omitempty"`
	DismissedByUserID *string    `json:"dismissedByUserId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *OutboxHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	messages, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: toMessageResponses(messages),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *OutboxHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	message, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageResponse(message))
}

func (h *OutboxHandler) ResendMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	resent, err := h.service.ResendManual(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(resent))
}

func (h *OutboxHandler) DismissMessage(c *fiber.Ctx) error {
	var req dismissRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Dismiss(c.UserContext(), id, strings.TrimSpace(req.UserID)); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": id,
		"dismissed": true,
	})
}

func (h *OutboxHandler) RestoreMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Restore(c.UserContext(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": id,
		"dismissed": false,
	})
}

type pickupUpdatedRequest struct {
	HouseholdID string    `json:"householdId"`
	Recipient   string    `json:"recipient"`
	PickupAt    time.Time `json:"pickupAt"`
}

func (h *OutboxHandler) NotifyPickupUpdated(c *fiber.Ctx) error {
	var req pickupUpdatedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	message, err := h.service.NotifyPickupUpdated(c.UserContext(), service.PickupUpdatedParams{
		ParcelID:    strings.TrimSpace(c.Params("id")),
		HouseholdID: req.HouseholdID,
		Recipient:   req.Recipient,
		PickupAt:    req.PickupAt,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(message))
}

func (h *OutboxHandler) RequeueBalanceFailures(c *fiber.Ctx) error {
	count, err := h.service.RequeueBalanceFailures(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"requeued": count,
	})
}

func (h *OutboxHandler) GetHealth(c *fiber.Ctx) error {
	stats, err := h.health.Stats(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"stats":     stats,
		"hasIssues": stats.HasIssues(),
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:             c.QueryInt("page", defaultPage),
		PageSize:         c.QueryInt("pageSize", defaultPageSize),
		IncludeDismissed: c.QueryBool("includeDismissed", false),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawIntent := strings.TrimSpace(c.Query("intent")); rawIntent != "" {
		intent, err := domain.ParseIntentFromString(rawIntent)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Intent = &intent
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toMessageResponses(messages []domain.OutboxMessage) []messageResponse {
	responses := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		m := message
		responses = append(responses, toMessageResponse(&m))
	}
	return responses
}

func toMessageResponse(m *domain.OutboxMessage) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	var providerStatus *string
	if m.ProviderStatus != nil {
		s := m.ProviderStatus.String()
		providerStatus = &s
	}

	return messageResponse{
		ID:                m.ID,
		Intent:            m.Intent.String(),
		TargetEntityID:    m.TargetEntityID,
		HouseholdID:       m.HouseholdID,
		Recipient:         m.Recipient,
		Body:              m.Body,
		IdempotencyKey:    m.IdempotencyKey,
		Status:            m.Status.String(),
		AttemptCount:      m.AttemptCount,
		NextAttemptAt:     m.NextAttemptAt,
		LastError:         m.LastErrorMessage,
		IsBalanceFailure:  m.IsBalanceFailure,
		ProviderMessageID: m.ProviderMessageID,
		ProviderStatus:    providerStatus,
		ProviderStatusAt:  m.ProviderStatusUpdatedAt,
		SentAt:            m.SentAt,
		DismissedAt:       m.DismissedAt,
		DismissedByUserID: m.DismissedByUserID,
		CreatedAt:         m.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
