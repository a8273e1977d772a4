// Package api serves the agent and operator HTTP interfaces.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/fleet/internal/liveness"
	"github.com/ShayCichocki/fleet/internal/queue"
	"github.com/ShayCichocki/fleet/internal/registry"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/tracker"
	"github.com/ShayCichocki/fleet/internal/vault"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Registry is the agent registry as used over HTTP.
type Registry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (string, error)
	Get(ctx context.Context, agentID string) (*models.Agent, error)
	List(ctx context.Context, tenantID string, statuses ...models.AgentStatus) ([]models.Agent, error)
	Drain(ctx context.Context, agentID string) error
	Deactivate(ctx context.Context, agentID string) error
}

// Liveness accepts heartbeats.
type Liveness interface {
	Heartbeat(ctx context.Context, agentID string, req liveness.HeartbeatRequest) (*liveness.HeartbeatResponse, error)
}

// Dispatcher hands leased jobs to agents.
type Dispatcher interface {
	PollJobs(ctx context.Context, agentID string) ([]models.Assignment, error)
}

// Tracker accepts reports from lease holders.
type Tracker interface {
	ReportProgress(ctx context.Context, token string, p tracker.ProgressReport) error
	ReportResult(ctx context.Context, token string, o models.Outcome) (*tracker.ResultAck, error)
	ResolveCredential(ctx context.Context, token, asset string) (*vault.Credential, error)
}

// Queue is the job queue as used by operators.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, f state.JobFilter) ([]models.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// EventLog reads audit history.
type EventLog interface {
	ListEvents(ctx context.Context, subject string) ([]models.Event, error)
}

// Services are the components the server exposes.
type Services struct {
	Registry   Registry
	Liveness   Liveness
	Dispatcher Dispatcher
	Tracker    Tracker
	Queue      Queue
	Events     EventLog
}

// Server routes HTTP requests to the control plane.
type Server struct {
	svc               Services
	engine            *gin.Engine
	adminToken        string
	heartbeatInterval time.Duration
	metrics           http.Handler
	logger            *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken requires "Authorization: Bearer <token>" on operator routes.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHeartbeatInterval sets the interval announced to registering agents.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeatInterval = d }
}

// NewServer creates a Server with all routes installed.
func NewServer(svc Services, opts ...Option) *Server {
	s := &Server{
		svc:               svc,
		heartbeatInterval: liveness.DefaultHeartbeatInterval,
		logger:            slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(s.requestLogger())
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic in handler", "path", c.FullPath(), "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
	}))
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.engine.Group("/v1")

	// Agent routes. Agents identify by id and prove lease possession with the token.
	v1.POST("/agents/register", s.register)
	v1.POST("/agents/:id/heartbeat", s.heartbeat)
	v1.GET("/agents/:id/jobs", s.pollJobs)
	leases := v1.Group("/leases/:token")
	{
		leases.POST("/progress", s.reportProgress)
		leases.POST("/result", s.reportResult)
		leases.POST("/credentials", s.resolveCredential)
	}

	ops := v1.Group("", s.requireAdmin())
	{
		ops.POST("/jobs", s.enqueue)
		ops.GET("/jobs", s.listJobs)
		ops.GET("/jobs/:id", s.getJob)
		ops.POST("/jobs/:id/cancel", s.cancelJob)
		ops.GET("/jobs/:id/events", s.jobEvents)

		ops.GET("/agents", s.listAgents)
		ops.GET("/agents/:id", s.getAgent)
		ops.POST("/agents/:id/drain", s.drainAgent)
		ops.POST("/agents/:id/deactivate", s.deactivateAgent)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Route templates keep lease tokens out of the log.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "admin token required"})
			return
		}
		c.Next()
	}
}
