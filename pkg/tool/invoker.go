// Package tool executes remediation tools over HTTP. The tool stage asks for
// an invocation and reports the outcome as a ToolCompleted event; whether a
// failed invocation is a tool outcome or a transport problem is decided here.
package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	retryBaseDelay  = 500 * time.Millisecond
	retryMaxBackoff = 8 * time.Second
	maxOutputBytes  = 4096
)

// Request identifies one tool invocation.
type Request struct {
	TenantID    string            `json:"tenant_id"`
	ExceptionID string            `json:"exception_id"`
	Tool        string            `json:"tool"`
	Params      map[string]string `json:"params,omitempty"`
}

// Result is the tool-level outcome. A failed Result is a valid outcome the
// pipeline records; transport-level trouble surfaces as an error instead.
type Result struct {
	Status         string
	Output         string
	DurationMillis int64
}

// Invoker executes remediation tools. Implementations must be safe for use
// from multiple worker goroutines.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// HTTPInvoker posts invocations to per-tool endpoints. 2xx is a succeeded
// outcome, 4xx a failed outcome (the tool rejected the request; retrying the
// same request cannot help), everything else is a transport error left to the
// caller's retry budget. 5xx/429/408 retry inside the client first.
type HTTPInvoker struct {
	client    *resty.Client
	endpoints map[string]string
	baseURL   string
	log       *logger.Entry
}

func NewHTTPInvoker(cfg config.ToolSettings) *HTTPInvoker {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(retryBaseDelay).
		SetRetryMaxWaitTime(retryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &HTTPInvoker{
		client:    client,
		endpoints: cfg.Endpoints,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		log:       logger.WithField("component", "tool-invoker"),
	}
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return (code >= 500 && code <= 599) || code == 429 || code == 408
}

func (h *HTTPInvoker) endpoint(tool string) (string, error) {
	if url, ok := h.endpoints[tool]; ok {
		return url, nil
	}
	if h.baseURL != "" {
		return h.baseURL + "/" + tool, nil
	}
	return "", fmt.Errorf("no endpoint configured for tool %q", tool)
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	url, err := h.endpoint(req.Tool)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(url)
	duration := time.Since(start)

	if err != nil {
		telemetry.RecordToolInvocation(req.Tool, "error", duration)
		return Result{}, fmt.Errorf("invoke %s: %w", req.Tool, err)
	}

	result := Result{
		Output:         truncate(string(resp.Body()), maxOutputBytes),
		DurationMillis: duration.Milliseconds(),
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		result.Status = StatusSucceeded
	case code >= 400 && code < 500:
		result.Status = StatusFailed
	default:
		telemetry.RecordToolInvocation(req.Tool, "error", duration)
		return Result{}, fmt.Errorf("invoke %s: HTTP %d: %s", req.Tool, code, result.Output)
	}

	telemetry.RecordToolInvocation(req.Tool, result.Status, duration)
	h.log.WithFields(logger.Fields{
		"tenant_id":    req.TenantID,
		"exception_id": req.ExceptionID,
		"tool":         req.Tool,
		"status":       result.Status,
		"duration_ms":  result.DurationMillis,
	}).Info("tool invoked")
	return result, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
