// Package server exposes the dashboard broadcast layer over HTTP: the
// WebSocket upgrade endpoint, JSON info/stats routes, the internal publish
// entry point used by mutation handlers, and the Prometheus scrape target.
package server

import (
	"encoding/json"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/pulseboard/socket/config"
	"github.com/pulseboard/socket/metrics"
	"github.com/pulseboard/socket/src/service"
	"github.com/pulseboard/socket/src/types"
)

// Server owns the fiber app and the raw fasthttp endpoints.
type Server struct {
	app      *fiber.App
	svc      *service.Dashboard
	verifier TokenVerifier
	upgrader websocket.FastHTTPUpgrader
	logger   zerolog.Logger
}

// New builds the server and registers its routes.
func New(cfg *config.SocketConfig, svc *service.Dashboard, verifier TokenVerifier, logger zerolog.Logger) *Server {
	s := &Server{
		app:      fiber.New(),
		svc:      svc,
		verifier: verifier,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s
}

// Handler returns the root fasthttp handler: /ws and /metrics are served
// raw, everything else goes through the fiber app.
func (s *Server) Handler() fasthttp.RequestHandler {
	wsHandler := s.WSHandler()
	metricsHandler := metrics.Handler()
	appHandler := s.app.Handler()

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			wsHandler(ctx)
		case "/metrics":
			metricsHandler(ctx)
		default:
			appHandler(ctx)
		}
	}
}

// Listen serves until the listener fails or is closed.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("listening")
	return fasthttp.ListenAndServe(addr, s.Handler())
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/ws/info", s.handleInfo)
	s.app.Get("/stats", s.handleStats)
	s.app.Post("/internal/publish", s.handlePublish)
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	stats := s.svc.Stats()
	return c.JSON(fiber.Map{
		"websocket":   true,
		"endpoint":    "/ws",
		"users":       len(stats.Users),
		"connections": stats.ActiveConnections,
	})
}

func (s *Server) handleStats(c fiber.Ctx) error {
	return c.JSON(s.svc.Stats())
}

// publishRequest is the body of POST /internal/publish, the entry point
// mutation handlers use to notify a user's live sockets on any instance.
type publishRequest struct {
	UserID string            `json:"user_id"`
	Event  types.MessageType `json:"event"`
	Data   map[string]any    `json:"data,omitempty"`
}

func (s *Server) handlePublish(c fiber.Ctx) error {
	var req publishRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON body",
		})
	}
	if req.UserID == "" || req.Event == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and event are required",
		})
	}

	if err := s.svc.PublishUserEvent(c.RequestCtx(), req.UserID, req.Event, req.Data); err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("publish failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "publish failed",
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"published": true,
		"user_id":   req.UserID,
		"event":     req.Event,
	})
}
