// Package ops provides the operator HTTP surface: build status, the event
// log, escalation records, and agent health. It is read-only; builds are
// driven through the CLI, not over HTTP.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/checkpoint"
	"github.com/fyrsmithlabs/buildd/internal/config"
	"github.com/fyrsmithlabs/buildd/internal/eventlog"
	"github.com/fyrsmithlabs/buildd/internal/retry"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Server serves the operator endpoints.
type Server struct {
	echo        *echo.Echo
	agents      *agent.Registry
	checkpoints *checkpoint.Store
	events      *eventlog.Log
	escalations *retry.Store
	logger      *zap.Logger
	cfg         config.OpsConfig
}

// NewServer creates the operator server.
func NewServer(
	agents *agent.Registry,
	checkpoints *checkpoint.Store,
	events *eventlog.Log,
	escalations *retry.Store,
	logger *zap.Logger,
	cfg config.OpsConfig,
) (*Server, error) {
	if checkpoints == nil || events == nil || escalations == nil {
		return nil, fmt.Errorf("ops server requires the checkpoint store, event log, and escalation store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8377"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:        e,
		agents:      agents,
		checkpoints: checkpoints,
		events:      events,
		escalations: escalations,
		logger:      logger,
		cfg:         cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/builds/:id", s.handleBuild)
	v1.GET("/builds/:id/events", s.handleEvents)
	v1.GET("/builds/:id/escalations", s.handleEscalations)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`

	// Capabilities maps each registered capability to "ok" or the health
	// check failure.
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.agents != nil {
		resp.Capabilities = make(map[string]string)
		for _, capability := range s.agents.Capabilities() {
			if err := s.agents.Healthy(c.Request().Context(), capability); err != nil {
				resp.Status = "degraded"
				resp.Capabilities[string(capability)] = err.Error()
				continue
			}
			resp.Capabilities[string(capability)] = "ok"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// BuildResponse is the response body for GET /api/v1/builds/:id.
type BuildResponse struct {
	CheckpointID string           `json:"checkpoint_id"`
	CapturedAt   time.Time        `json:"captured_at"`
	Build        *taskgraph.Build `json:"build"`
}

func (s *Server) handleBuild(c echo.Context) error {
	cp, err := s.checkpoints.Latest(c.Request().Context(), c.Param("id"))
	if errors.Is(err, checkpoint.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "build not found")
	}
	if err != nil {
		s.logger.Error("failed to load build", zap.String("build_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load build")
	}
	return c.JSON(http.StatusOK, BuildResponse{
		CheckpointID: cp.ID,
		CapturedAt:   cp.CreatedAt,
		Build:        cp.Build,
	})
}

// EventsResponse is the response body for GET /api/v1/builds/:id/events.
type EventsResponse struct {
	BuildID string            `json:"build_id"`
	Events  []*eventlog.Event `json:"events"`
}

func (s *Server) handleEvents(c echo.Context) error {
	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
		since = v
	}
	events, err := s.events.Query(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		s.logger.Error("failed to query events", zap.String("build_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to query events")
	}
	if events == nil {
		events = []*eventlog.Event{}
	}
	return c.JSON(http.StatusOK, EventsResponse{BuildID: c.Param("id"), Events: events})
}

// EscalationsResponse is the response body for GET /api/v1/builds/:id/escalations.
type EscalationsResponse struct {
	BuildID     string                    `json:"build_id"`
	Escalations []*retry.EscalationRecord `json:"escalations"`
}

func (s *Server) handleEscalations(c echo.Context) error {
	records, err := s.escalations.ByBuild(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("failed to query escalations", zap.String("build_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to query escalations")
	}
	if records == nil {
		records = []*retry.EscalationRecord{}
	}
	return c.JSON(http.StatusOK, EscalationsResponse{BuildID: c.Param("id"), Escalations: records})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("addr", s.cfg.Addr))
	return s.echo.Start(s.cfg.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops server")
	return s.echo.Shutdown(ctx)
}
