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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"flowgate/platform/shared/logger"
)

// syncResponseWindow is how long a workflow submission waits for a
// terminal result before the API answers 202 with a pollable handle.
// The Executing phase usually outlives an HTTP round trip.
const syncResponseWindow = 5 * time.Second

// Server is the HTTP front of the orchestrator.
type Server struct {
	orchestrator *Orchestrator
	validator    *TokenValidator
	limiter      *RateLimiter
	audit        *AuditLogger
	metrics      *MetricsCollector
	log          *logger.Logger
	httpServer   *http.Server
	syncWindow   time.Duration
}

// getEnv returns the environment value for key, or fallback when unset.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Run boots the orchestrator service from the environment and blocks
// until SIGINT/SIGTERM.
func Run() error {
	validator := NewTokenValidatorFromEnv()
	limiter := NewRateLimiterFromEnv()
	audit := NewAuditLogger(getEnv("DATABASE_URL", ""))
	metrics := NewMetricsCollector()

	policy := NewDefaultFallbackPolicy()
	if path := getEnv("FALLBACK_POLICY_FILE", ""); path != "" {
		loaded, err := LoadFallbackPolicy(path)
		if err != nil {
			return fmt.Errorf("fallback policy: %w", err)
		}
		policy = loaded
	}

	var analytics AnalyticsService = NoopAnalyticsClient{}
	if url := getEnv("ANALYTICS_SERVICE_URL", ""); url != "" {
		analytics = NewHTTPAnalyticsClient(url)
	}

	orch, err := NewOrchestrator(DefaultConfig(), Deps{
		Guardrails: NewHTTPGuardrailClient(getEnv("GUARDRAIL_SERVICE_URL", "http://localhost:8081")),
		Memory:     NewHTTPMemoryClient(getEnv("MEMORY_SERVICE_URL", "http://localhost:8082")),
		Patterns:   NewHTTPPatternClient(getEnv("PATTERN_SERVICE_URL", "http://localhost:8083")),
		Analytics:  analytics,
		Limiter:    limiter,
		Cache:      NewContextCache(0),
		Policy:     policy,
		Audit:      audit,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	server := NewServer(orch, validator, limiter, audit, metrics)
	port := getEnv("PORT", "8080")

	go func() {
		log.Printf("[Server] orchestrator listening on :%s", port)
		if err := server.ListenAndServe(":" + port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] listen failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[Server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown error: %v", err)
	}
	audit.Close()
	limiter.Close()
	return nil
}

// NewServer assembles the HTTP server around an orchestrator.
func NewServer(orch *Orchestrator, validator *TokenValidator, limiter *RateLimiter, audit *AuditLogger, metrics *MetricsCollector) *Server {
	return &Server{
		orchestrator: orch,
		validator:    validator,
		limiter:      limiter,
		audit:        audit,
		metrics:      metrics,
		log:          logger.New("api"),
		syncWindow:   syncResponseWindow,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/workflows", s.handleSubmitWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/workflows/{executionId}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/workflows/{executionId}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/workflows/{executionId}/complete", s.handleComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tenants/{tenantId}/quota", s.handleQuota).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tenants/{tenantId}/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// ListenAndServe starts the HTTP listener.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authenticate extracts and validates the bearer token.
func (s *Server) authenticate(r *http.Request) (*AccessClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, NewWorkflowError(KindTokenMalformed, "missing Authorization header", nil)
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header {
		return nil, NewWorkflowError(KindTokenMalformed, "Authorization header must use the Bearer scheme", nil)
	}
	return s.validator.Validate(raw)
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, NewWorkflowError(KindInvalidRequest, "invalid JSON body", err))
		return
	}

	// Assign the execution ID here so a workflow that outlives the sync
	// window can still hand back a resumable handle.
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	// The workflow outlives the HTTP exchange when the Executing phase
	// waits on an external completion signal, so run it detached and
	// answer with whatever is known inside the sync window.
	done := make(chan *ExecutionResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := s.orchestrator.RunWorkflow(context.Background(), req, claims)
		if result != nil {
			done <- result
			return
		}
		errCh <- err
	}()

	select {
	case result := <-done:
		s.sendResult(w, result)
	case err := <-errCh:
		s.sendError(w, err)
	case <-time.After(s.syncWindow):
		// Still running; hand back the pollable handle.
		if result, ok := s.orchestrator.GetExecution(req.ExecutionID); ok {
			s.sendJSON(w, http.StatusAccepted, result)
			return
		}
		s.sendJSON(w, http.StatusAccepted, map[string]string{
			"execution_id": req.ExecutionID,
			"status":       string(OutcomeRunning),
		})
	}
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	executionID := mux.Vars(r)["executionId"]

	// Cross-tenant probing gets the same answer as a missing ID.
	state, ok := s.orchestrator.store.Get(executionID)
	if !ok || state.Request.TenantID != claims.TenantID {
		s.sendError(w, NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("unknown execution %s", executionID), nil))
		return
	}

	result, _ := s.orchestrator.GetExecution(executionID)
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	executionID := mux.Vars(r)["executionId"]

	var body struct {
		AckToken string `json:"ack_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AckToken == "" {
		s.sendError(w, NewWorkflowError(KindInvalidRequest, "ack_token is required", err))
		return
	}

	done := make(chan *ExecutionResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := s.orchestrator.ResumeWorkflow(context.Background(), executionID, body.AckToken, claims)
		if result != nil {
			done <- result
			return
		}
		errCh <- err
	}()

	select {
	case result := <-done:
		s.sendResult(w, result)
	case err := <-errCh:
		s.sendError(w, err)
	case <-time.After(s.syncWindow):
		if result, ok := s.orchestrator.GetExecution(executionID); ok {
			s.sendJSON(w, http.StatusAccepted, result)
			return
		}
		s.sendJSON(w, http.StatusAccepted, map[string]string{"status": string(OutcomeRunning)})
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	executionID := mux.Vars(r)["executionId"]

	if state, ok := s.orchestrator.store.Get(executionID); !ok || state.Request.TenantID != claims.TenantID {
		s.sendError(w, NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("unknown execution %s", executionID), nil))
		return
	}

	var sig ExecutionSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.sendError(w, NewWorkflowError(KindInvalidRequest, "invalid JSON body", err))
		return
	}
	if err := s.orchestrator.CompleteExecution(executionID, sig); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	tenantID := mux.Vars(r)["tenantId"]
	if tenantID != claims.TenantID {
		s.sendError(w, NewWorkflowError(KindInsufficientScope,
			"token tenant does not match requested tenant", nil))
		return
	}

	buckets := s.limiter.Snapshot(r.Context(), tenantID, claims.Plan)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"plan":      string(claims.Plan),
		"buckets":   buckets,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	tenantID := mux.Vars(r)["tenantId"]
	if tenantID != claims.TenantID {
		s.sendError(w, NewWorkflowError(KindInsufficientScope,
			"token tenant does not match requested tenant", nil))
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"workflows": s.orchestrator.ListExecutions(tenantID),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.orchestrator.IsHealthy()
	status := http.StatusOK
	text := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		text = "degraded"
	}
	s.sendJSON(w, status, map[string]interface{}{
		"status":     text,
		"audit_sink": s.audit.IsHealthy(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// sendResult maps an execution result to its HTTP shape. Blocked
// workflows answer 409 so callers can distinguish "acknowledgeable"
// from plain failure.
func (s *Server) sendResult(w http.ResponseWriter, result *ExecutionResult) {
	status := http.StatusOK
	switch result.Status {
	case OutcomeBlocked:
		status = http.StatusConflict
	case OutcomeError:
		status = statusForKind(result.FailureKind)
	case OutcomeRunning:
		status = http.StatusAccepted
	}
	s.sendJSON(w, status, result)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// sendError writes the taxonomy error shape. Rate-limit rejections carry
// a Retry-After header.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	status := statusForKind(kind)

	w.Header().Set("Content-Type", "application/json")
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) && wfErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wfErr.RetryAfter.Seconds())))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

func statusForKind(kind ErrorKind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindTokenExpired, KindTokenMalformed, KindTokenRevoked:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindGuardrailBlocked:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindExecutionTimeout, KindWorkflowTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
