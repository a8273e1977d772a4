package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/fleet/internal/liveness"
	"github.com/ShayCichocki/fleet/internal/queue"
	"github.com/ShayCichocki/fleet/internal/registry"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/tracker"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// IdempotencyHeader may carry the enqueue idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// RegisterResponse is returned to a registering agent.
type RegisterResponse struct {
	AgentID                  string  `json:"agent_id"`
	HeartbeatIntervalSeconds float64 `json:"heartbeat_interval_seconds"`
}

// CredentialRequest names the asset a lease holder needs.
type CredentialRequest struct {
	AssetName string `json:"asset_name"`
}

// CancelRequest optionally explains a cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// bindOptional decodes a JSON body if one was sent.
func bindOptional(c *gin.Context, v any) error {
	err := c.ShouldBindJSON(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) register(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.svc.Registry.Register(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RegisterResponse{
		AgentID:                  id,
		HeartbeatIntervalSeconds: s.heartbeatInterval.Seconds(),
	})
}

func (s *Server) heartbeat(c *gin.Context) {
	var req liveness.HeartbeatRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.svc.Liveness.Heartbeat(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if resp.Commands == nil {
		resp.Commands = []models.Command{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pollJobs(c *gin.Context) {
	assignments, err := s.svc.Dispatcher.PollJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if assignments == nil {
		assignments = []models.Assignment{}
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func (s *Server) reportProgress(c *gin.Context) {
	var req tracker.ProgressReport
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.svc.Tracker.ReportProgress(c.Request.Context(), c.Param("token"), req); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reportResult(c *gin.Context) {
	var outcome models.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		badRequest(c, err)
		return
	}
	ack, err := s.svc.Tracker.ReportResult(c.Request.Context(), c.Param("token"), outcome)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) resolveCredential(c *gin.Context) {
	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cred, err := s.svc.Tracker.ResolveCredential(c.Request.Context(), c.Param("token"), req.AssetName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, cred)
}

func (s *Server) enqueue(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if key := c.GetHeader(IdempotencyHeader); key != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			badRequest(c, fmt.Errorf("%s header and idempotency_key differ", IdempotencyHeader))
			return
		}
		req.IdempotencyKey = key
	}

	ctx := c.Request.Context()
	id, err := s.svc.Queue.Enqueue(ctx, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	j, err := s.svc.Queue.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) listJobs(c *gin.Context) {
	f := state.JobFilter{
		TenantID: c.Query("tenant"),
		AgentID:  c.Query("agent"),
	}
	for _, st := range splitQuery(c, "status") {
		f.Statuses = append(f.Statuses, models.JobStatus(st))
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("limit %q must be a non-negative integer", raw))
			return
		}
		f.Limit = n
	}

	jobs, err := s.svc.Queue.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.svc.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) cancelJob(c *gin.Context) {
	var req CancelRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.svc.Queue.Cancel(ctx, c.Param("id"), req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	j, err := s.svc.Queue.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) jobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.svc.Queue.Get(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	evs, err := s.svc.Events.ListEvents(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if evs == nil {
		evs = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) listAgents(c *gin.Context) {
	var statuses []models.AgentStatus
	for _, st := range splitQuery(c, "status") {
		statuses = append(statuses, models.AgentStatus(st))
	}
	agents, err := s.svc.Registry.List(c.Request.Context(), c.Query("tenant"), statuses...)
	if err != nil {
		s.fail(c, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.svc.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) drainAgent(c *gin.Context) {
	s.agentAction(c, s.svc.Registry.Drain)
}

func (s *Server) deactivateAgent(c *gin.Context) {
	s.agentAction(c, s.svc.Registry.Deactivate)
}

func (s *Server) agentAction(c *gin.Context, action func(ctx context.Context, agentID string) error) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := action(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	a, err := s.svc.Registry.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// splitQuery collects a repeatable, comma-separated query parameter.
func splitQuery(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
