package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/quicklink/internal/app/model"
	"go.uber.org/zap"
)

// TriggerDispatcher handles one raw dashboard trigger.
type TriggerDispatcher interface {
	Handle(ctx context.Context, raw []byte) (model.Result, error)
}

// DashboardHandler accepts change batches and connection signals pushed by
// external producers.
type DashboardHandler struct {
	logger     *zap.Logger
	dispatcher TriggerDispatcher
}

// NewDashboardHandler creates the trigger ingest handler.
func NewDashboardHandler(logger *zap.Logger, dispatcher TriggerDispatcher) *DashboardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardHandler{logger: logger, dispatcher: dispatcher}
}

// Register wires POST /api/dashboard/events. mw runs before the handler.
func (h *DashboardHandler) Register(router fiber.Router, mw ...fiber.Handler) {
	router.Post("/api/dashboard/events", append(mw, h.Ingest)...)
}

// Ingest answers with the trigger result. Store outages return 503 so the
// producer retries the same trigger.
func (h *DashboardHandler) Ingest(c *fiber.Ctx) error {
	result, err := h.dispatcher.Handle(requestContext(c), c.Body())
	if err != nil {
		h.logger.Error("dashboard trigger failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "dashboard temporarily unavailable",
		})
	}
	return c.JSON(fiber.Map{"result": result})
}
