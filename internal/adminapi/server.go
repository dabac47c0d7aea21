// Copyright (c) 2025 Justin Cranford

// Package adminapi is the daemon's loopback-only HTTP surface: a read-only
// /healthz, /statusz, /metricsz for operators and monitoring agents that
// can't speak the Unix-socket IPC protocol, plus a Swagger UI over the same
// OpenAPI document fiber-middleware validates requests against. Disabled by
// default (management.admin_http_port == 0).
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"

	"license-agent/internal/types"
)

// StatusProvider is the narrow slice of ipc.CommandHandler the admin surface
// needs; defined here (rather than importing ipc) to keep this package
// import-cycle-free the same way ipc.CommandHandler keeps ipc free of engine.
type StatusProvider interface {
	Status() (types.SystemStatus, error)
	Metrics() (map[string]any, error)
}

// Config is the `[management]` subset the admin surface reads.
type Config struct {
	BindHost string
	Port     int
}

// Server is the loopback-only admin HTTP surface.
type Server struct {
	cfg      Config
	provider StatusProvider
	logger   *slog.Logger
	app      *fiber.App
	spec     []byte
}

// New builds the fiber app and registers routes, but does not bind a socket;
// see Start.
func New(cfg Config, provider StatusProvider, logger *slog.Logger) *Server {
	spec := buildSpec()
	specJSON, _ := json.Marshal(spec)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "license-agent-admin",
	})
	app.Use(otelfiber.Middleware())

	s := &Server{cfg: cfg, provider: provider, logger: logger, app: app, spec: specJSON}

	// The document and its UI are not paths of the document itself, so they
	// are registered ahead of the request validator.
	app.Get("/openapi.json", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).Type("json").Send(s.spec)
	})
	app.Get("/swagger/*", swagger.New(swagger.Config{URL: "/openapi.json"}))

	openapiCfg := NewDefaultOpenAPIConfig(spec)
	for _, mw := range openapiCfg.Middlewares() {
		app.Use(mw)
	}

	app.Get("/healthz", s.handleHealthz)
	app.Get("/statusz", s.handleStatusz)
	app.Get("/metricsz", s.handleMetricsz)

	return s
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	status, err := s.provider.Status()
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	health := "ok"
	if status.DegradedMode.Active {
		health = "degraded"
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": health, "degraded_mode": status.DegradedMode.Active})
}

func (s *Server) handleStatusz(c *fiber.Ctx) error {
	status, err := s.provider.Status()
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(http.StatusOK).JSON(status)
}

func (s *Server) handleMetricsz(c *fiber.Ctx) error {
	metrics, err := s.provider.Metrics()
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(http.StatusOK).JSON(metrics)
}

// Start binds the configured loopback address and serves until ctx is
// cancelled. A Port of 0 disables the surface entirely: Start returns nil
// immediately without binding anything.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Port == 0 {
		return nil
	}
	host := s.cfg.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	select {
	case <-ctx.Done():
		_ = s.app.ShutdownWithContext(ctx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
