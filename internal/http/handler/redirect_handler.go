package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/quicklink/internal/app/repository"
	"github.com/sifan077/quicklink/internal/app/service"
	"go.uber.org/zap"
)

// AccessRecorder records a redirect without blocking it.
type AccessRecorder interface {
	FireAndForget(ctx context.Context, code string)
}

// RedirectDeps groups dependencies required by redirect handlers.
type RedirectDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
	Recorder    AccessRecorder
}

// RedirectHandler resolves short codes.
type RedirectHandler struct {
	logger   *zap.Logger
	links    service.LinkService
	recorder AccessRecorder
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger:   logger,
		links:    deps.LinkService,
		recorder: deps.Recorder,
	}
}

// Register wires the catch-all redirect route. It must be registered last.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/:code", h.Resolve)
}

// Resolve handles GET /:code and records the access.
func (h *RedirectHandler) Resolve(c *fiber.Ctx) error {
	// The recorder outlives the request; fiber reuses the params buffer.
	code := utils.CopyString(c.Params("code"))

	rec, err := h.links.GetLink(requestContext(c), code)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "short link not found",
			})
		}
		h.logger.Error("failed to load link", zap.Error(err), zap.String("code", code))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	if h.recorder != nil {
		h.recorder.FireAndForget(requestContext(c), code)
	}
	h.logger.Debug("redirecting short link", zap.String("code", code), zap.String("target", rec.OriginalURL))
	return c.Redirect(rec.OriginalURL, fiber.StatusFound)
}
