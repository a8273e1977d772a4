package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ShayCichocki/fleet/internal/queue"
	"github.com/ShayCichocki/fleet/pkg/models"
)

const clientTimeout = 30 * time.Second

// adminClient calls the operator routes of a running control plane.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *adminClient {
	return &adminClient{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// apiError is an error response from the control plane.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *adminClient) listAgents(ctx context.Context, tenant string, statuses []string) ([]models.Agent, error) {
	q := url.Values{}
	if tenant != "" {
		q.Set("tenant", tenant)
	}
	for _, s := range statuses {
		q.Add("status", s)
	}
	var out struct {
		Agents []models.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents"+encodeQuery(q), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (c *adminClient) agentAction(ctx context.Context, agentID, action string) (*models.Agent, error) {
	var a models.Agent
	path := "/v1/agents/" + url.PathEscape(agentID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *adminClient) submitJob(ctx context.Context, req queue.EnqueueRequest) (*models.Job, error) {
	var j models.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *adminClient) listJobs(ctx context.Context, tenant string, statuses []string, limit int) ([]models.Job, error) {
	q := url.Values{}
	if tenant != "" {
		q.Set("tenant", tenant)
	}
	for _, s := range statuses {
		q.Add("status", s)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs"+encodeQuery(q), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *adminClient) cancelJob(ctx context.Context, jobID, reason string) (*models.Job, error) {
	var j models.Job
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
