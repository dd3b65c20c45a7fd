package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoPlanner is returned when no planning service is configured.
var ErrNoPlanner = errors.New("no planner configured")

// Planner turns a goal into a plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// Executor runs one plan step.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (StepResult, error)
}

// Pipeline is an Agent built from a separate planner and executor.
type Pipeline struct {
	Planner  Planner
	Executor Executor
}

func (p Pipeline) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	if p.Planner == nil {
		return PlanResult{}, ErrNoPlanner
	}
	return p.Planner.Plan(ctx, req)
}

func (p Pipeline) Execute(ctx context.Context, req ExecRequest) (StepResult, error) {
	return p.Executor.Execute(ctx, req)
}

// HTTPPlanner asks an external planning service for a plan. The service
// receives a PlanRequest as JSON and answers with {"plan": [...], "logs": [...]}.
type HTTPPlanner struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPPlanner(url, token string, timeout time.Duration) *HTTPPlanner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPPlanner{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPlanner) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PlanResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return PlanResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return PlanResult{}, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PlanResult{}, fmt.Errorf("planner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res PlanResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PlanResult{}, fmt.Errorf("decode plan: %w", err)
	}
	return res, nil
}
