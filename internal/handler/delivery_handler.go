package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/larderbook/parcel-notify/internal/service"
)

// DeliveryReportApplier consumes provider delivery callbacks.
type DeliveryReportApplier interface {
	Apply(ctx context.Context, report service.DeliveryReport) error
}

type DeliveryHandler struct {
	reconciler DeliveryReportApplier
}

func NewDeliveryHandler(reconciler DeliveryReportApplier) (*DeliveryHandler, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("status reconciler is required")
	}
	return &DeliveryHandler{reconciler: reconciler}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, reconciler DeliveryReportApplier) error {
	h, err := NewDeliveryHandler(reconciler)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/delivery-reports", h.ReceiveReport)

	return nil
}

type deliveryReportRequest struct {
	MessageID string     `json:"messageId"`
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp"`
}

// ReceiveReport accepts a provider delivery callback. The provider retries
// on non-2xx, so anything other than a malformed payload is answered 200
// even when the report matched nothing.
func (h *DeliveryHandler) ReceiveReport(c *fiber.Ctx) error {
	var req deliveryReportRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	report := service.DeliveryReport{
		ProviderMessageID: strings.TrimSpace(req.MessageID),
		Status:            strings.TrimSpace(req.Status),
	}
	if req.Timestamp != nil {
		report.At = *req.Timestamp
	}

	if err := h.reconciler.Apply(c.UserContext(), report); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"accepted": true,
	})
}
