package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/quicklink/internal/app/service"
	"github.com/sifan077/quicklink/internal/http/handler"
	"github.com/sifan077/quicklink/internal/http/middleware"
	"go.uber.org/zap"
)

const serviceName = "quicklink"

// Dependencies bundles what the HTTP server routes to.
type Dependencies struct {
	Logger       *zap.Logger
	Redis        redis.UniversalClient
	Links        service.LinkService
	Recorder     handler.AccessRecorder
	Dispatcher   handler.TriggerDispatcher
	HealthChecks map[string]handler.HealthCheck
	BaseURL      string
	RateLimit    middleware.RateLimitConfig
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates the HTTP server with every route registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RateLimit.MaxRequests == 0 {
		deps.RateLimit = middleware.DefaultRateLimitConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}
	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	log := s.deps.Logger
	s.app.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log, "/", "/health"),
		middleware.CORS(),
	)

	var limited []fiber.Handler
	if s.deps.Redis != nil {
		limited = append(limited, middleware.RateLimit(s.deps.Redis, s.deps.RateLimit, log))
	}

	handler.NewHealthHandler(serviceName, s.deps.HealthChecks).Register(s.app)

	handler.NewAPIHandler(handler.APIDeps{
		Logger:      log.Named("api"),
		LinkService: s.deps.Links,
		BaseURL:     s.deps.BaseURL,
	}).Register(s.app, limited...)

	if s.deps.Dispatcher != nil {
		handler.NewDashboardHandler(log.Named("dashboard"), s.deps.Dispatcher).Register(s.app, limited...)
	}

	handler.NewRedirectHandler(handler.RedirectDeps{
		Logger:      log.Named("redirect"),
		LinkService: s.deps.Links,
		Recorder:    s.deps.Recorder,
	}).Register(s.app)
}
