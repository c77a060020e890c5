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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowgate/platform/shared/logger"
)

// Capability scopes checked per phase. Scope policy lives next to the
// phase that needs it, so new phases never require validator changes.
const (
	ScopeGuardrails      = "guardrails.validate"
	ScopeMemoryRead      = "memory.read"
	ScopePatternsRead    = "patterns.read"
	ScopeAgentsRun       = "agents.run"
	ScopePremiumPatterns = "patterns.premium"
)

// phaseScopes maps each service phase to its required capability.
var phaseScopes = map[Phase]string{
	PhaseGuardrailCheck: ScopeGuardrails,
	PhaseContextFetch:   ScopeMemoryRead,
	PhasePatternSelect:  ScopePatternsRead,
	PhaseExecuting:      ScopeAgentsRun,
}

// phaseServices maps each service phase to its rate-limited backend.
// Quota is checked before any network I/O for the phase.
var phaseServices = map[Phase]string{
	PhaseGuardrailCheck: ServiceGuardrail,
	PhaseContextFetch:   ServiceMemory,
	PhasePatternSelect:  ServicePattern,
	PhaseExecuting:      ServiceExecute,
}

// OutcomeRunning labels a non-terminal execution in caller-facing
// results; it never appears in audit records.
const OutcomeRunning Outcome = "running"

// Config tunes the orchestrator's timeouts and retry behavior.
type Config struct {
	// ExecutionTimeout bounds the Executing phase's wait for the
	// caller's completion signal.
	ExecutionTimeout time.Duration

	// WorkflowTimeout is the total wall-clock budget for one execution.
	WorkflowTimeout time.Duration

	// Retry configures the bounded intra-phase retry loop.
	Retry RetryConfig

	// PostChecks enables the optional guardrail post-checks
	// (commit/icon validation) after a successful Executing phase.
	PostChecks bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 60 * time.Second,
		WorkflowTimeout:  120 * time.Second,
		Retry:            DefaultRetryConfig(),
	}
}

// Deps are the collaborators consumed by the orchestrator. Guardrails,
// Memory, and Patterns are required; everything else gets a working
// default when nil.
type Deps struct {
	Guardrails GuardrailService
	Memory     MemoryService
	Patterns   PatternService
	Analytics  AnalyticsService
	Limiter    *RateLimiter
	Cache      *ContextCache
	Policy     *FallbackPolicy
	Audit      *AuditLogger
	Metrics    *MetricsCollector
}

// Orchestrator drives workflows through the fixed lifecycle
// GuardrailCheck → ContextFetch → PatternSelect → Executing → Logging,
// enforcing tenant isolation, quotas, and degradation policy at every
// step. One workflow runs per logical request; workflows share no
// mutable state except the rate limiter's tenant buckets.
type Orchestrator struct {
	cfg         Config
	guardrails  GuardrailService
	memory      MemoryService
	patterns    PatternService
	analytics   AnalyticsService
	limiter     *RateLimiter
	cache       *ContextCache
	policy      *FallbackPolicy
	audit       *AuditLogger
	metrics     *MetricsCollector
	store       *executionStore
	completions *completionRegistry
	log         *logger.Logger
}

// NewOrchestrator wires the lifecycle engine.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Guardrails == nil || deps.Memory == nil || deps.Patterns == nil {
		return nil, fmt.Errorf("guardrail, memory, and pattern services are required")
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = DefaultConfig().WorkflowTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.RetryIf == nil {
		cfg.Retry = DefaultRetryConfig()
	}
	if deps.Analytics == nil {
		deps.Analytics = NoopAnalyticsClient{}
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(nil)
	}
	if deps.Cache == nil {
		deps.Cache = NewContextCache(0)
	}
	if deps.Policy == nil {
		deps.Policy = NewDefaultFallbackPolicy()
	}
	if deps.Audit == nil {
		deps.Audit = NewAuditLoggerWithDB(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector()
	}
	return &Orchestrator{
		cfg:         cfg,
		guardrails:  deps.Guardrails,
		memory:      deps.Memory,
		patterns:    deps.Patterns,
		analytics:   deps.Analytics,
		limiter:     deps.Limiter,
		cache:       deps.Cache,
		policy:      deps.Policy,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		store:       newExecutionStore(),
		completions: newCompletionRegistry(),
		log:         logger.New("orchestrator"),
	}, nil
}

// RunWorkflow executes one workflow to a terminal state (or to a
// guardrail block awaiting acknowledgement). The request is validated
// before any side effect; auth and validation failures produce zero
// backend calls.
func (o *Orchestrator) RunWorkflow(ctx context.Context, req WorkflowRequest, claims *AccessClaims) (*ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	req.ExecutionID = executionID

	if existing, ok := o.store.Get(executionID); ok {
		if existing.AwaitingAck {
			return nil, NewWorkflowError(KindInvalidRequest,
				"execution is awaiting guardrail acknowledgement; use the acknowledgement entry", nil)
		}
		return nil, NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("execution %s already exists", executionID), nil)
	}

	state := newExecutionState(executionID, req)
	o.store.Save(state)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()

	o.log.Info(req.TenantID, executionID, "workflow started", map[string]interface{}{
		"action_kind": string(req.ActionKind),
		"user_id":     req.UserID,
	})

	if err := state.advance(PhaseAuthenticating); err != nil {
		return o.failWorkflow(state, NewWorkflowError(KindInternal, "state machine violation", err))
	}
	if err := o.authenticate(state, claims); err != nil {
		return o.failWorkflow(state, err)
	}
	state.markPhaseDone(PhaseAuthenticating, 0)

	return o.advanceThrough(ctx, state, claims)
}

// ResumeWorkflow re-enters an execution blocked on a critical guardrail.
// The acknowledgement token is opaque to the orchestrator and validated
// by the guardrail service itself. This is the only sanctioned form of
// phase skipping: GuardrailCheck is marked done and is not re-run, and
// already-completed phases are never re-charged against quota.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, executionID, ackToken string, claims *AccessClaims) (*ExecutionResult, error) {
	state, ok := o.store.Get(executionID)
	if !ok {
		return nil, NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("unknown execution %s", executionID), nil)
	}
	if claims == nil {
		return nil, NewWorkflowError(KindTokenMalformed, "missing access claims", nil)
	}
	if claims.TenantID != state.Request.TenantID {
		return nil, NewWorkflowError(KindInsufficientScope,
			"token tenant does not match execution tenant", nil)
	}
	if !state.AwaitingAck {
		return nil, NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("execution %s is not awaiting acknowledgement", executionID), nil)
	}
	if err := o.guardrails.Acknowledge(ctx, executionID, ackToken); err != nil {
		return nil, err
	}

	// Restore the suspension point. GuardrailCheck counts as completed;
	// the block plus acknowledgement stands in for a clean pass.
	state.AwaitingAck = false
	state.FailureKind = ""
	state.FailureReason = ""
	state.CompletedAt = nil
	state.Phase = PhaseGuardrailCheck
	state.markPhaseDone(PhaseGuardrailCheck, 0)
	o.store.Update(state)

	o.recordAudit(state, PhaseGuardrailCheck, OutcomeSuccess, 0, "", map[string]interface{}{
		"acknowledged": true,
	})
	o.log.Info(state.Request.TenantID, executionID, "guardrail block acknowledged, resuming", nil)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()
	return o.advanceThrough(ctx, state, claims)
}

// CompleteExecution delivers the external caller's completion signal for
// a workflow waiting in the Executing phase.
func (o *Orchestrator) CompleteExecution(executionID string, sig ExecutionSignal) error {
	return o.completions.complete(executionID, sig)
}

// GetExecution returns the caller-facing view of a stored execution.
func (o *Orchestrator) GetExecution(executionID string) (*ExecutionResult, bool) {
	state, ok := o.store.Get(executionID)
	if !ok {
		return nil, false
	}
	return o.resultFromState(state), true
}

// ListExecutions returns results for every stored execution of a tenant.
func (o *Orchestrator) ListExecutions(tenantID string) []*ExecutionResult {
	states := o.store.ListByTenant(tenantID)
	results := make([]*ExecutionResult, 0, len(states))
	for _, state := range states {
		results = append(results, o.resultFromState(state))
	}
	return results
}

// IsHealthy aggregates component health for the health endpoint.
func (o *Orchestrator) IsHealthy() bool {
	return o.audit.IsHealthy()
}

// advanceThrough drives the remaining service phases and the final
// logging phase, skipping phases already completed (acknowledgement
// re-entry is the only way any can be).
func (o *Orchestrator) advanceThrough(ctx context.Context, state *ExecutionState, claims *AccessClaims) (*ExecutionResult, error) {
	steps := []struct {
		phase Phase
		run   func(context.Context, *ExecutionState, *AccessClaims) error
	}{
		{PhaseGuardrailCheck, o.runGuardrailPhase},
		{PhaseContextFetch, o.runContextPhase},
		{PhasePatternSelect, o.runPatternPhase},
		{PhaseExecuting, o.runExecutePhase},
	}

	for _, step := range steps {
		if state.PhaseDone(step.phase) {
			continue
		}
		if err := state.advance(step.phase); err != nil {
			return o.failWorkflow(state, NewWorkflowError(KindInternal, "state machine violation", err))
		}
		o.store.Update(state)
		if err := step.run(ctx, state, claims); err != nil {
			return o.failWorkflow(state, err)
		}
		o.store.Update(state)
	}

	return o.finishWorkflow(state)
}

// authenticate is the Authenticating phase: structural claim checks and
// tenant isolation. No backend is called.
func (o *Orchestrator) authenticate(state *ExecutionState, claims *AccessClaims) error {
	if claims == nil {
		return NewWorkflowError(KindTokenMalformed, "missing access claims", nil)
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return NewWorkflowError(KindTokenExpired, "token expired before workflow start", nil)
	}
	if claims.TenantID != state.Request.TenantID {
		return NewWorkflowError(KindInsufficientScope,
			"token tenant does not match request tenant", nil)
	}
	return nil
}

// checkPhaseEntry enforces the phase's scope requirement and charges the
// tenant quota. It must run before any network I/O for the phase.
func (o *Orchestrator) checkPhaseEntry(ctx context.Context, state *ExecutionState, claims *AccessClaims, phase Phase) error {
	if scope := phaseScopes[phase]; scope != "" && !claims.HasScope(scope) {
		return NewWorkflowError(KindInsufficientScope,
			fmt.Sprintf("scope %s required for %s", scope, phase), nil)
	}
	if service := phaseServices[phase]; service != "" {
		allowed, retryAfter := o.limiter.TryAcquire(ctx, state.Request.TenantID, service, claims.Plan)
		if !allowed {
			promRateLimitRejections.WithLabelValues(service).Inc()
			return &WorkflowError{
				Kind:       KindRateLimitExceeded,
				Message:    fmt.Sprintf("tenant %s exhausted its %s quota", state.Request.TenantID, service),
				RetryAfter: retryAfter,
			}
		}
	}
	return nil
}

func (o *Orchestrator) runGuardrailPhase(ctx context.Context, state *ExecutionState, claims *AccessClaims) error {
	const phase = PhaseGuardrailCheck
	start := time.Now()

	if err := o.checkPhaseEntry(ctx, state, claims, phase); err != nil {
		return err
	}

	result, err := retryWithBackoff(ctx, o.cfg.Retry, func(ctx context.Context) (*GuardrailResult, error) {
		return o.guardrails.CheckGuardrails(ctx, GuardrailCheckRequest{
			ExecutionID: state.ExecutionID,
			TenantID:    state.Request.TenantID,
			ActionKind:  state.Request.ActionKind,
			Files:       state.Request.Files,
		})
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		// Guardrail unavailability aborts under the default policy:
		// proceeding unchecked is never a safe degradation.
		if o.decideFallback(phase, err) == ActionDegrade {
			return o.degradePhase(state, phase, latency, err)
		}
		return err
	}

	state.GuardrailOutcome = result
	switch result.Severity {
	case SeverityCritical:
		promGuardrailBlocks.Inc()
		state.AwaitingAck = true
		o.recordAudit(state, phase, OutcomeBlocked, latency, KindGuardrailBlocked, map[string]interface{}{
			"severity": string(result.Severity),
			"rules":    ruleIDs(result.Rules),
		})
		o.metrics.RecordPhase(phase, latency)
		return NewWorkflowError(KindGuardrailBlocked,
			fmt.Sprintf("critical guardrail violation: %s", describeRules(result.Rules)), nil)
	default:
		o.recordAudit(state, phase, OutcomeSuccess, latency, "", map[string]interface{}{
			"severity": string(result.Severity),
			"rules":    ruleIDs(result.Rules),
		})
	}

	o.metrics.RecordPhase(phase, latency)
	state.markPhaseDone(phase, latency)
	return nil
}

func (o *Orchestrator) runContextPhase(ctx context.Context, state *ExecutionState, claims *AccessClaims) error {
	const phase = PhaseContextFetch
	start := time.Now()

	if err := o.checkPhaseEntry(ctx, state, claims, phase); err != nil {
		return err
	}

	query := ContextQuery{
		TenantID:  state.Request.TenantID,
		UserID:    state.Request.UserID,
		Workspace: state.Request.Tags["workspace"],
		Intent:    state.Request.Intent,
	}
	payload, err := o.cache.GetOrFetch(ctx, state.ExecutionID, ResourceContextBundle, func(ctx context.Context) (interface{}, error) {
		return retryWithBackoff(ctx, o.cfg.Retry, func(ctx context.Context) (*ContextBundle, error) {
			bundle, err := o.memory.FetchContext(ctx, query)
			if errors.Is(err, errNotFound) {
				// No stored context is a clean answer, not a failure.
				return &ContextBundle{}, nil
			}
			return bundle, err
		})
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if o.decideFallback(phase, err) == ActionDegrade {
			state.ContextBundle = &ContextBundle{}
			return o.degradePhase(state, phase, latency, err)
		}
		return err
	}

	bundle, ok := payload.(*ContextBundle)
	if !ok {
		return NewWorkflowError(KindInternal, "unexpected cache payload for context bundle", nil)
	}
	state.ContextBundle = bundle
	o.recordAudit(state, phase, OutcomeSuccess, latency, "", map[string]interface{}{
		"items": len(bundle.Items),
	})
	o.metrics.RecordPhase(phase, latency)
	state.markPhaseDone(phase, latency)
	return nil
}

func (o *Orchestrator) runPatternPhase(ctx context.Context, state *ExecutionState, claims *AccessClaims) error {
	const phase = PhasePatternSelect
	start := time.Now()

	if err := o.checkPhaseEntry(ctx, state, claims, phase); err != nil {
		return err
	}

	allowPremium := claims.HasScope(ScopePremiumPatterns)
	query := PatternQuery{
		TenantID:       state.Request.TenantID,
		ActionKind:     state.Request.ActionKind,
		ContextSummary: state.ContextBundle.Summary(),
	}
	payload, err := o.cache.GetOrFetch(ctx, state.ExecutionID, ResourcePattern, func(ctx context.Context) (interface{}, error) {
		candidates, err := retryWithBackoff(ctx, o.cfg.Retry, func(ctx context.Context) ([]Pattern, error) {
			return o.patterns.SelectPattern(ctx, query)
		})
		if err != nil {
			return nil, err
		}
		// Plan gating is a hard pre-condition: premium candidates are
		// filtered before anything is presented or cached, never
		// redacted afterwards.
		rec := &PatternRecommendation{Candidates: filterPatterns(candidates, allowPremium)}
		if len(rec.Candidates) > 0 {
			selected := rec.Candidates[0]
			rec.Selected = &selected
		}
		return rec, nil
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if o.decideFallback(phase, err) == ActionDegrade {
			state.SelectedPattern = &PatternRecommendation{}
			return o.degradePhase(state, phase, latency, err)
		}
		return err
	}

	rec, ok := payload.(*PatternRecommendation)
	if !ok {
		return NewWorkflowError(KindInternal, "unexpected cache payload for pattern recommendation", nil)
	}
	state.SelectedPattern = rec
	o.recordAudit(state, phase, OutcomeSuccess, latency, "", map[string]interface{}{
		"candidates": len(rec.Candidates),
		"selected":   selectedName(rec),
	})
	o.metrics.RecordPhase(phase, latency)
	state.markPhaseDone(phase, latency)
	return nil
}

// runExecutePhase hands control to the external caller and waits for its
// completion signal, bounded by the execution timeout and the overall
// workflow budget. Cancellation is cooperative: the wait stops, the
// caller's agent is not forcibly terminated.
func (o *Orchestrator) runExecutePhase(ctx context.Context, state *ExecutionState, claims *AccessClaims) error {
	const phase = PhaseExecuting
	start := time.Now()

	if err := o.checkPhaseEntry(ctx, state, claims, phase); err != nil {
		return err
	}

	signals := o.completions.expect(state.ExecutionID)
	defer o.completions.remove(state.ExecutionID)
	o.store.Update(state)

	timer := time.NewTimer(o.cfg.ExecutionTimeout)
	defer timer.Stop()

	var sig ExecutionSignal
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewWorkflowError(KindWorkflowTimeout, "workflow wall-clock budget exceeded", ctx.Err())
		}
		return NewWorkflowError(KindInternal, "workflow canceled", ctx.Err())
	case <-timer.C:
		return NewWorkflowError(KindExecutionTimeout,
			fmt.Sprintf("no completion signal within %s", o.cfg.ExecutionTimeout), nil)
	case sig = <-signals:
	}
	latency := time.Since(start).Milliseconds()

	if !sig.Success {
		o.recordAudit(state, phase, OutcomeError, latency, KindInternal, map[string]interface{}{
			"detail": sig.Detail,
		})
		o.metrics.RecordPhase(phase, latency)
		return NewWorkflowError(KindInternal,
			fmt.Sprintf("execution reported failure: %s", sig.Detail), nil)
	}

	if o.cfg.PostChecks {
		if err := o.runPostChecks(ctx, state); err != nil {
			return err
		}
	}

	o.recordAudit(state, phase, OutcomeSuccess, latency, "", map[string]interface{}{
		"detail": sig.Detail,
	})
	o.metrics.RecordPhase(phase, latency)
	state.markPhaseDone(phase, latency)
	return nil
}

// runPostChecks invokes the optional guardrail post-checks conditioned on
// the action kind. A critical finding here fails the workflow; there is
// no acknowledgement path after execution has already happened.
func (o *Orchestrator) runPostChecks(ctx context.Context, state *ExecutionState) error {
	var result *GuardrailResult
	var err error
	switch state.Request.ActionKind {
	case ActionEditCode:
		result, err = o.guardrails.ValidateCommit(ctx, state.ExecutionID, state.Request.Files)
	case ActionGenerateDoc:
		result, err = o.guardrails.ValidateIcons(ctx, state.ExecutionID, state.Request.Files)
	default:
		return nil
	}
	if err != nil {
		// Post-checks are best effort; unavailability does not undo a
		// finished execution.
		o.log.Warn(state.Request.TenantID, state.ExecutionID, "guardrail post-check unavailable",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	if result.Severity == SeverityCritical {
		promGuardrailBlocks.Inc()
		return NewWorkflowError(KindGuardrailBlocked,
			fmt.Sprintf("post-check violation: %s", describeRules(result.Rules)), nil)
	}
	return nil
}

// finishWorkflow runs the Logging phase: one final summary audit record,
// the analytics side effect, cache eviction, and the Completed
// transition.
func (o *Orchestrator) finishWorkflow(state *ExecutionState) (*ExecutionResult, error) {
	if err := state.advance(PhaseLogging); err != nil {
		return o.failWorkflow(state, NewWorkflowError(KindInternal, "state machine violation", err))
	}

	outcome := OutcomeSuccess
	if state.Degraded {
		outcome = OutcomeDegraded
	}
	o.recordAudit(state, PhaseLogging, outcome, 0, "", map[string]interface{}{
		"pattern":            selectedName(state.SelectedPattern),
		"guardrail_severity": guardrailSeverity(state.GuardrailOutcome),
		"phase_latencies_ms": latencySummary(state),
		"degraded":           state.Degraded,
	})

	o.analytics.LogPatternUsage(state.ExecutionID, selectedName(state.SelectedPattern), outcome)

	if err := state.advance(PhaseCompleted); err != nil {
		return o.failWorkflow(state, NewWorkflowError(KindInternal, "state machine violation", err))
	}
	now := time.Now().UTC()
	state.CompletedAt = &now
	o.store.Update(state)
	o.cache.EvictExecution(state.ExecutionID)
	o.metrics.RecordWorkflow(OutcomeSuccess, state.Degraded)

	o.log.InfoWithDuration(state.Request.TenantID, state.ExecutionID, "workflow completed",
		float64(now.Sub(state.StartedAt).Milliseconds()), map[string]interface{}{
			"degraded": state.Degraded,
		})

	return o.resultFromState(state), nil
}

// failWorkflow transitions to Failed, emits the single terminal audit
// record, and evicts the execution's cache entries.
func (o *Orchestrator) failWorkflow(state *ExecutionState, err error) (*ExecutionResult, error) {
	kind := KindOf(err)
	if kind == KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind = KindWorkflowTimeout
	}

	if !state.Phase.Terminal() {
		_ = state.advance(PhaseFailed)
	}
	state.FailureKind = kind
	state.FailureReason = err.Error()
	now := time.Now().UTC()
	state.CompletedAt = &now
	o.store.Update(state)
	o.cache.EvictExecution(state.ExecutionID)

	outcome := OutcomeError
	if kind == KindGuardrailBlocked {
		outcome = OutcomeBlocked
	}
	o.recordAudit(state, PhaseFailed, outcome, 0, kind, map[string]interface{}{
		"reason":       state.FailureReason,
		"failed_phase": lastAttemptedPhase(state),
		"awaiting_ack": state.AwaitingAck,
	})
	o.metrics.RecordWorkflow(outcome, state.Degraded)

	o.log.Error(state.Request.TenantID, state.ExecutionID, "workflow failed", map[string]interface{}{
		"kind":   string(kind),
		"reason": state.FailureReason,
	})

	return o.resultFromState(state), err
}

// degradePhase records a degraded phase completion and lets the workflow
// continue with fallback data.
func (o *Orchestrator) degradePhase(state *ExecutionState, phase Phase, latencyMs int64, cause error) error {
	state.Degraded = true
	promDegradedPhases.WithLabelValues(string(phase)).Inc()
	o.recordAudit(state, phase, OutcomeDegraded, latencyMs, KindServiceUnavailable, map[string]interface{}{
		"reason": cause.Error(),
	})
	o.metrics.RecordPhase(phase, latencyMs)
	state.markPhaseDone(phase, latencyMs)
	o.log.Warn(state.Request.TenantID, state.ExecutionID, "phase degraded", map[string]interface{}{
		"phase": string(phase),
		"error": cause.Error(),
	})
	return nil
}

// decideFallback classifies a phase error and consults the policy table.
// Retries have already been exhausted by the time this runs, so a Retry
// decision resolves to Abort.
func (o *Orchestrator) decideFallback(phase Phase, err error) FallbackAction {
	failure := FailureUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		failure = FailureTimeout
	}
	severity := SeverityInfo
	if KindOf(err) == KindGuardrailBlocked {
		failure = FailureGuardrailCritical
		severity = SeverityCritical
	}
	action := o.policy.Decide(phase, failure, severity)
	if action == ActionRetry {
		action = ActionAbort
	}
	return action
}

func (o *Orchestrator) recordAudit(state *ExecutionState, phase Phase, outcome Outcome, latencyMs int64, errKind ErrorKind, detail map[string]interface{}) {
	_ = o.audit.Record(AuditRecord{
		ExecutionID: state.ExecutionID,
		TenantID:    state.Request.TenantID,
		UserID:      state.Request.UserID,
		Tool:        phaseServices[phase],
		Phase:       phase,
		Outcome:     outcome,
		LatencyMs:   latencyMs,
		ErrorKind:   errKind,
		Detail:      detail,
	})
}

func (o *Orchestrator) resultFromState(state *ExecutionState) *ExecutionResult {
	result := &ExecutionResult{
		ExecutionID:      state.ExecutionID,
		Phase:            state.Phase,
		Degraded:         state.Degraded,
		AwaitingAck:      state.AwaitingAck,
		Pattern:          state.SelectedPattern,
		FailureKind:      state.FailureKind,
		FailureReason:    state.FailureReason,
		PhaseLatenciesMs: latencySummary(state),
		StartedAt:        state.StartedAt,
		CompletedAt:      state.CompletedAt,
	}
	switch {
	case state.Phase == PhaseCompleted && state.Degraded:
		result.Status = OutcomeDegraded
	case state.Phase == PhaseCompleted:
		result.Status = OutcomeSuccess
	case state.Phase == PhaseFailed && state.FailureKind == KindGuardrailBlocked:
		result.Status = OutcomeBlocked
	case state.Phase == PhaseFailed:
		result.Status = OutcomeError
	default:
		result.Status = OutcomeRunning
	}
	if state.GuardrailOutcome != nil {
		for _, rule := range state.GuardrailOutcome.Rules {
			switch rule.Severity {
			case SeverityWarning:
				result.GuardrailWarnings = append(result.GuardrailWarnings, rule)
			case SeverityCritical:
				result.ViolatedRules = append(result.ViolatedRules, rule)
			}
		}
	}
	return result
}

// maxRetainedExecutions bounds the store. Over the cap, the oldest
// terminal executions are evicted first; live executions are never
// dropped.
const maxRetainedExecutions = 10000

// executionStore is the mutex-guarded registry of execution states. The
// store never shares memory with its callers: Save clones the state in
// and Get clones it back out, so the workflow goroutine keeps mutating
// its own instance while API readers poll the stored snapshot. Snapshots
// advance at phase boundaries, where the workflow publishes via Update.
type executionStore struct {
	mu         sync.RWMutex
	states     map[string]*ExecutionState
	maxEntries int
}

func newExecutionStore() *executionStore {
	return &executionStore{
		states:     make(map[string]*ExecutionState),
		maxEntries: maxRetainedExecutions,
	}
}

func (s *executionStore) Save(state *ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ExecutionID] = state.clone()
	s.evictLocked()
}

func (s *executionStore) Update(state *ExecutionState) {
	s.Save(state)
}

func (s *executionStore) Get(id string) (*ExecutionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return nil, false
	}
	return state.clone(), true
}

func (s *executionStore) ListByTenant(tenantID string) []*ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionState
	for _, state := range s.states {
		if state.Request.TenantID == tenantID {
			out = append(out, state.clone())
		}
	}
	return out
}

// evictLocked drops the oldest terminal executions until the store is
// back under its cap. Caller holds the write lock.
func (s *executionStore) evictLocked() {
	for len(s.states) > s.maxEntries {
		oldestID := ""
		var oldest time.Time
		for id, state := range s.states {
			if state.CompletedAt == nil {
				continue
			}
			if oldestID == "" || state.CompletedAt.Before(oldest) {
				oldestID = id
				oldest = *state.CompletedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.states, oldestID)
	}
}

// completionRegistry pairs Executing-phase waiters with the external
// completion signals delivered through the API.
type completionRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan ExecutionSignal
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{waiters: make(map[string]chan ExecutionSignal)}
}

func (r *completionRegistry) expect(executionID string) chan ExecutionSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan ExecutionSignal, 1)
	r.waiters[executionID] = ch
	return ch
}

func (r *completionRegistry) remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, executionID)
}

func (r *completionRegistry) complete(executionID string, sig ExecutionSignal) error {
	r.mu.Lock()
	ch, ok := r.waiters[executionID]
	if ok {
		delete(r.waiters, executionID)
	}
	r.mu.Unlock()
	if !ok {
		return NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("execution %s is not waiting for completion", executionID), nil)
	}
	ch <- sig
	return nil
}

// Helper accessors used by audit detail and results.

func ruleIDs(rules []GuardrailRule) []string {
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	return ids
}

func describeRules(rules []GuardrailRule) string {
	if len(rules) == 0 {
		return "unspecified rule"
	}
	desc := rules[0].ID
	for _, rule := range rules {
		if rule.Severity == SeverityCritical {
			desc = rule.ID
			break
		}
	}
	return desc
}

func filterPatterns(candidates []Pattern, allowPremium bool) []Pattern {
	if allowPremium {
		return candidates
	}
	filtered := make([]Pattern, 0, len(candidates))
	for _, p := range candidates {
		if !p.Premium {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func selectedName(rec *PatternRecommendation) string {
	if rec == nil || rec.Selected == nil {
		return ""
	}
	return rec.Selected.Name
}

func guardrailSeverity(result *GuardrailResult) string {
	if result == nil {
		return ""
	}
	return string(result.Severity)
}

func latencySummary(state *ExecutionState) map[Phase]int64 {
	out := make(map[Phase]int64, len(state.phaseLatencies))
	for phase, ms := range state.phaseLatencies {
		out[phase] = ms
	}
	return out
}

func lastAttemptedPhase(state *ExecutionState) string {
	// On failure the state machine has already moved to Failed; the first
	// incomplete phase in lifecycle order is the one that was running.
	order := []Phase{PhaseAuthenticating, PhaseGuardrailCheck, PhaseContextFetch, PhasePatternSelect, PhaseExecuting}
	for _, phase := range order {
		if !state.PhaseDone(phase) {
			return string(phase)
		}
	}
	return string(PhaseLogging)
}
