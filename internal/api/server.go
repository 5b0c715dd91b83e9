package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier-go/internal/config"
	"courier-go/internal/queue"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger
	broker queue.HealthChecker

	messageHandler *MessageHandler
	outboxHandler  *OutboxHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config         *config.ServerConfig
	Logger         *slog.Logger
	Broker         queue.HealthChecker
	MessageHandler *MessageHandler
	OutboxHandler  *OutboxHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		WriteTimeout:          deps.Config.WriteTimeout,
		IdleTimeout:           deps.Config.IdleTimeout,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:            app,
		config:         deps.Config,
		logger:         deps.Logger,
		broker:         deps.Broker,
		messageHandler: deps.MessageHandler,
		outboxHandler:  deps.OutboxHandler,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
		Next: func(c *fiber.Ctx) bool {
			// Probes and scrapes would drown the request log.
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
	}))
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	v1.Post("/messages", s.messageHandler.Send)

	// Outbox inspection and manual retry
	v1.Get("/outbox", s.outboxHandler.List)
	v1.Get("/outbox/:id", s.outboxHandler.GetByID)
	v1.Post("/outbox/:id/retry", s.outboxHandler.Retry)
}

// healthCheck reports service health and broker reachability.
// An unreachable broker degrades the service but does not fail the check:
// sends still succeed by way of the outbox.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	status, broker := "healthy", "available"
	if !s.broker.IsAvailable(c.UserContext()) {
		status, broker = "degraded", "unavailable"
	}

	return reply(c, fiber.StatusOK, map[string]string{
		"status": status,
		"broker": broker,
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler renders errors returned from handlers and routing.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return fail(c, e.Code, e.Message)
	}

	return fail(c, fiber.StatusInternalServerError, fmt.Sprintf("unexpected error: %v", err))
}
