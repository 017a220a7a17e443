package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/sifan077/quicklink/internal/app/repository"
	"github.com/sifan077/quicklink/internal/app/service"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
	BaseURL     string
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger      *zap.Logger
	linkService service.LinkService
	baseURL     string
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:      logger,
		linkService: deps.LinkService,
		baseURL:     strings.TrimRight(deps.BaseURL, "/"),
	}
}

// Register wires API routes onto the provided router. create is applied to
// link creation only.
func (h *APIHandler) Register(router fiber.Router, create ...fiber.Handler) {
	links := router.Group("/api/links")
	links.Post("/", append(create, h.CreateLink)...)
	links.Get("/", h.ListLinks)
	links.Get("/:code", h.GetLink)
}

// CreateLinkRequest represents the request body for creating a link.
type CreateLinkRequest struct {
	Code string `json:"code,omitempty"`
	URL  string `json:"url"`
}

// LinkResponse is the API view of a link.
type LinkResponse struct {
	ShortCode   string    `json:"shortCode"`
	ShortURL    string    `json:"shortUrl"`
	OriginalURL string    `json:"originalUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Clicks      int64     `json:"clicks"`
}

func (h *APIHandler) toResponse(rec model.LinkRecord) LinkResponse {
	return LinkResponse{
		ShortCode:   rec.ShortCode,
		ShortURL:    h.baseURL + "/" + rec.ShortCode,
		OriginalURL: rec.OriginalURL,
		CreatedAt:   rec.CreatedAt,
		Clicks:      rec.Clicks,
	}
}

// CreateLink handles POST /api/links
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url is required",
		})
	}

	rec, err := h.linkService.CreateLink(requestContext(c), service.CreateLinkInput{
		Code: req.Code,
		URL:  req.URL,
	})
	switch {
	case err == nil:
		return c.Status(fiber.StatusCreated).JSON(h.toResponse(*rec))
	case errors.Is(err, service.ErrInvalidURL):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url must be an absolute http or https url",
		})
	case errors.Is(err, repository.ErrLinkExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "short code already taken",
		})
	default:
		h.logger.Error("failed to create link", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create link",
		})
	}
}

// ListLinks handles GET /api/links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	links, err := h.linkService.ListLinks(requestContext(c), limit, offset)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list links",
		})
	}

	response := make([]LinkResponse, len(links))
	for i, rec := range links {
		response[i] = h.toResponse(rec)
	}
	return c.JSON(fiber.Map{
		"links":  response,
		"limit":  limit,
		"offset": offset,
		"count":  len(response),
	})
}

// GetLink handles GET /api/links/:code
func (h *APIHandler) GetLink(c *fiber.Ctx) error {
	code := c.Params("code")

	rec, err := h.linkService.GetLink(requestContext(c), code)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "link not found",
			})
		}
		h.logger.Error("failed to get link", zap.Error(err), zap.String("code", code))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get link",
		})
	}
	return c.JSON(h.toResponse(*rec))
}

func requestContext(c *fiber.Ctx) context.Context {
	if ctx := c.UserContext(); ctx != nil {
		return ctx
	}
	return context.Background()
}
