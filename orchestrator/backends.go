// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// errNotFound signals a well-formed "no data" backend response, as
// opposed to a failure. The memory service returns it when a tenant has
// no stored context for the query.
var errNotFound = errors.New("not found")

// defaultCallTimeout is the per-call ceiling for backend requests. The
// cross-service latency goal is sub-100ms median; a call an order of
// magnitude slower is treated as failed.
const defaultCallTimeout = 2 * time.Second

// GuardrailCheckRequest is the payload sent to the guardrail service.
type GuardrailCheckRequest struct {
	ExecutionID string     `json:"execution_id"`
	TenantID    string     `json:"tenant_id"`
	ActionKind  ActionKind `json:"action_kind"`
	Files       []string   `json:"files,omitempty"`
}

// ContextQuery scopes a memory-service fetch to one tenant and intent.
type ContextQuery struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Workspace string `json:"workspace,omitempty"`
	Intent    string `json:"intent,omitempty"`
}

// PatternQuery carries the context summary handed to the pattern service.
type PatternQuery struct {
	TenantID       string     `json:"tenant_id"`
	ActionKind     ActionKind `json:"action_kind"`
	ContextSummary string     `json:"context_summary"`
}

// GuardrailService is the contract of the external guardrail evaluator.
type GuardrailService interface {
	CheckGuardrails(ctx context.Context, req GuardrailCheckRequest) (*GuardrailResult, error)
	Acknowledge(ctx context.Context, executionID, ackToken string) error
	ValidateCommit(ctx context.Context, executionID string, files []string) (*GuardrailResult, error)
	ValidateIcons(ctx context.Context, executionID string, files []string) (*GuardrailResult, error)
}

// MemoryService is the contract of the external context store.
type MemoryService interface {
	FetchContext(ctx context.Context, query ContextQuery) (*ContextBundle, error)
}

// PatternService is the contract of the external recommendation backend.
// It returns a ranked candidate set; plan-based filtering happens in the
// orchestrator before any candidate is presented.
type PatternService interface {
	SelectPattern(ctx context.Context, query PatternQuery) ([]Pattern, error)
}

// AnalyticsService receives fire-and-forget usage events. Failures are
// logged, never propagated.
type AnalyticsService interface {
	LogPatternUsage(executionID, pattern string, outcome Outcome)
}

// postJSON issues a JSON POST with the per-call timeout and decodes the
// response. Connection failures and 5xx map to ServiceUnavailable (and
// are therefore retryable); 4xx responses are caller errors and are not.
func postJSON(ctx context.Context, client *http.Client, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewWorkflowError(KindInternal, "failed to encode backend request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewWorkflowError(KindInternal, "failed to build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return NewWorkflowError(KindServiceUnavailable,
			fmt.Sprintf("backend call to %s failed", url), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return NewWorkflowError(KindServiceUnavailable,
			fmt.Sprintf("backend %s returned status %d", url, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewWorkflowError(KindInternal,
			fmt.Sprintf("backend %s rejected request (%d): %s", url, resp.StatusCode, string(msg)), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewWorkflowError(KindServiceUnavailable,
			fmt.Sprintf("failed to decode response from %s", url), err)
	}
	return nil
}

// HTTPGuardrailClient talks to the guardrail service over HTTP.
type HTTPGuardrailClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGuardrailClient creates a client for the given base URL.
func NewHTTPGuardrailClient(baseURL string) *HTTPGuardrailClient {
	return &HTTPGuardrailClient{baseURL: baseURL, client: &http.Client{}}
}

func (c *HTTPGuardrailClient) CheckGuardrails(ctx context.Context, req GuardrailCheckRequest) (*GuardrailResult, error) {
	var result GuardrailResult
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/guardrails/check", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPGuardrailClient) Acknowledge(ctx context.Context, executionID, ackToken string) error {
	payload := map[string]string{
		"execution_id": executionID,
		"ack_token":    ackToken,
	}
	err := postJSON(ctx, c.client, c.baseURL+"/v1/guardrails/acknowledge", payload, nil)
	if err != nil && KindOf(err) == KindInternal {
		// The guardrail service owns acknowledgement validity; its
		// rejection keeps the block in place.
		return NewWorkflowError(KindGuardrailBlocked, "acknowledgement rejected", err)
	}
	return err
}

func (c *HTTPGuardrailClient) ValidateCommit(ctx context.Context, executionID string, files []string) (*GuardrailResult, error) {
	return c.postCheck(ctx, "/v1/guardrails/validate-commit", executionID, files)
}

func (c *HTTPGuardrailClient) ValidateIcons(ctx context.Context, executionID string, files []string) (*GuardrailResult, error) {
	return c.postCheck(ctx, "/v1/guardrails/validate-icons", executionID, files)
}

func (c *HTTPGuardrailClient) postCheck(ctx context.Context, path, executionID string, files []string) (*GuardrailResult, error) {
	payload := map[string]interface{}{
		"execution_id": executionID,
		"files":        files,
	}
	var result GuardrailResult
	if err := postJSON(ctx, c.client, c.baseURL+path, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HTTPMemoryClient talks to the memory service over HTTP.
type HTTPMemoryClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMemoryClient creates a client for the given base URL.
func NewHTTPMemoryClient(baseURL string) *HTTPMemoryClient {
	return &HTTPMemoryClient{baseURL: baseURL, client: &http.Client{}}
}

func (c *HTTPMemoryClient) FetchContext(ctx context.Context, query ContextQuery) (*ContextBundle, error) {
	var bundle ContextBundle
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/context/fetch", query, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// HTTPPatternClient talks to the pattern service over HTTP.
type HTTPPatternClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPatternClient creates a client for the given base URL.
func NewHTTPPatternClient(baseURL string) *HTTPPatternClient {
	return &HTTPPatternClient{baseURL: baseURL, client: &http.Client{}}
}

func (c *HTTPPatternClient) SelectPattern(ctx context.Context, query PatternQuery) ([]Pattern, error) {
	var resp struct {
		Candidates []Pattern `json:"candidates"`
	}
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/patterns/select", query, &resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

// HTTPAnalyticsClient posts usage events to the analytics collaborator.
type HTTPAnalyticsClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAnalyticsClient creates a client for the given base URL.
func NewHTTPAnalyticsClient(baseURL string) *HTTPAnalyticsClient {
	return &HTTPAnalyticsClient{baseURL: baseURL, client: &http.Client{}}
}

// LogPatternUsage is fire-and-forget: it runs in its own goroutine with
// its own deadline, and a failure never fails the workflow.
func (c *HTTPAnalyticsClient) LogPatternUsage(executionID, pattern string, outcome Outcome) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		defer cancel()

		payload := map[string]string{
			"execution_id": executionID,
			"pattern":      pattern,
			"outcome":      string(outcome),
		}
		if err := postJSON(ctx, c.client, c.baseURL+"/v1/analytics/pattern-usage", payload, nil); err != nil {
			log.Printf("[Analytics] pattern usage event dropped for %s: %v", executionID, err)
		}
	}()
}

// NoopAnalyticsClient is used when no analytics endpoint is configured.
type NoopAnalyticsClient struct{}

func (NoopAnalyticsClient) LogPatternUsage(executionID, pattern string, outcome Outcome) {}
