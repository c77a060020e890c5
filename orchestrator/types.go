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
	"fmt"
	"time"
)

// ActionKind classifies what the caller intends to do with the workflow.
type ActionKind string

const (
	ActionEditCode    ActionKind = "edit-code"
	ActionPlanTask    ActionKind = "plan-task"
	ActionGenerateDoc ActionKind = "generate-doc"
	ActionOther       ActionKind = "other"
)

// Valid reports whether the action kind is one of the recognized values.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionEditCode, ActionPlanTask, ActionGenerateDoc, ActionOther:
		return true
	}
	return false
}

// Plan is the subscription tier attached to a tenant's token.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// WorkflowRequest is the immutable input for one workflow execution.
// It is created once at request entry and never mutated afterwards.
type WorkflowRequest struct {
	ExecutionID string            `json:"execution_id,omitempty"`
	TenantID    string            `json:"tenant_id"`
	UserID      string            `json:"user_id"`
	ActionKind  ActionKind        `json:"action_kind"`
	Intent      string            `json:"intent,omitempty"`
	Files       []string          `json:"files,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Validate performs the structural entry checks. A request that fails here
// produces no side effects anywhere in the pipeline.
func (r *WorkflowRequest) Validate() error {
	if r.TenantID == "" {
		return NewWorkflowError(KindInvalidRequest, "tenant_id is required", nil)
	}
	if r.UserID == "" {
		return NewWorkflowError(KindInvalidRequest, "user_id is required", nil)
	}
	if !r.ActionKind.Valid() {
		return NewWorkflowError(KindInvalidRequest,
			fmt.Sprintf("unrecognized action_kind %q", r.ActionKind), nil)
	}
	return nil
}

// AccessClaims are the decoded contents of a caller's bearer token.
// Constructed per request by the token validator and discarded at
// request completion; never persisted.
type AccessClaims struct {
	SubjectID string    `json:"subject_id"`
	TenantID  string    `json:"tenant_id"`
	Plan      Plan      `json:"plan"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the claims carry the given capability string.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Phase is a named state of the workflow lifecycle.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseAuthenticating Phase = "authenticating"
	PhaseGuardrailCheck Phase = "guardrail-check"
	PhaseContextFetch   Phase = "context-fetch"
	PhasePatternSelect  Phase = "pattern-select"
	PhaseExecuting      Phase = "executing"
	PhaseLogging        Phase = "logging"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// phaseTransitions enumerates the legal forward edges of the lifecycle.
// Failed is reachable from every non-terminal phase; the only backward
// edge is the guardrail-acknowledgement re-entry, which resumes a stored
// execution at ContextFetch without revisiting GuardrailCheck.
var phaseTransitions = map[Phase][]Phase{
	PhaseInit:           {PhaseAuthenticating},
	PhaseAuthenticating: {PhaseGuardrailCheck},
	PhaseGuardrailCheck: {PhaseContextFetch},
	PhaseContextFetch:   {PhasePatternSelect},
	PhasePatternSelect:  {PhaseExecuting},
	PhaseExecuting:      {PhaseLogging},
	PhaseLogging:        {PhaseCompleted},
}

// canTransition reports whether from → to is a legal lifecycle edge.
func canTransition(from, to Phase) bool {
	if to == PhaseFailed {
		return from != PhaseCompleted && from != PhaseFailed
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends the lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// GuardrailSeverity classifies a guardrail finding.
type GuardrailSeverity string

const (
	SeverityInfo     GuardrailSeverity = "info"
	SeverityWarning  GuardrailSeverity = "warning"
	SeverityCritical GuardrailSeverity = "critical"
)

// GuardrailRule is one finding returned by the guardrail service.
type GuardrailRule struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Severity    GuardrailSeverity `json:"severity"`
}

// GuardrailResult is the guardrail service's verdict for a workflow request.
type GuardrailResult struct {
	Rules    []GuardrailRule   `json:"rules"`
	Severity GuardrailSeverity `json:"severity"`
}

// ContextItem is one retrieved memory entry.
type ContextItem struct {
	Key     string  `json:"key"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ContextBundle is the memory service's response for one workflow.
// An empty bundle (no items) is a valid degraded result.
type ContextBundle struct {
	Workspace string        `json:"workspace,omitempty"`
	Items     []ContextItem `json:"items"`
}

// Empty reports whether the bundle carries no retrieved context.
func (b *ContextBundle) Empty() bool {
	return b == nil || len(b.Items) == 0
}

// Summary derives the short description handed to the pattern service.
func (b *ContextBundle) Summary() string {
	if b.Empty() {
		return ""
	}
	s := b.Items[0].Content
	if len(s) > 280 {
		s = s[:280]
	}
	return s
}

// Pattern is one candidate returned by the pattern service.
type Pattern struct {
	Name              string   `json:"name"`
	Rationale         string   `json:"rationale,omitempty"`
	Premium           bool     `json:"premium"`
	RequiredResources []string `json:"required_resources,omitempty"`
}

// PatternRecommendation is the filtered candidate set plus the selection.
type PatternRecommendation struct {
	Selected   *Pattern  `json:"selected,omitempty"`
	Candidates []Pattern `json:"candidates"`
}

// Outcome labels an audit record or a finished workflow.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// ExecutionState is the mutable per-workflow record owned by the
// orchestrator. One instance per execution ID; retained after reaching a
// terminal phase so acknowledgement re-entry and result polling can find it.
type ExecutionState struct {
	ExecutionID      string                 `json:"execution_id"`
	Request          WorkflowRequest        `json:"request"`
	Phase            Phase                  `json:"phase"`
	GuardrailOutcome *GuardrailResult       `json:"guardrail_outcome,omitempty"`
	ContextBundle    *ContextBundle         `json:"context_bundle,omitempty"`
	SelectedPattern  *PatternRecommendation `json:"selected_pattern,omitempty"`
	FailureKind      ErrorKind              `json:"failure_kind,omitempty"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	Degraded         bool                   `json:"degraded"`
	AwaitingAck      bool                   `json:"awaiting_ack"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`

	// completedPhases records which service phases already ran, so the
	// acknowledgement re-entry never re-runs them or re-charges quota.
	completedPhases map[Phase]bool
	phaseLatencies  map[Phase]int64
}

func newExecutionState(id string, req WorkflowRequest) *ExecutionState {
	return &ExecutionState{
		ExecutionID:     id,
		Request:         req,
		Phase:           PhaseInit,
		StartedAt:       time.Now().UTC(),
		completedPhases: make(map[Phase]bool),
		phaseLatencies:  make(map[Phase]int64),
	}
}

// advance moves the state machine to the next phase, rejecting illegal
// transitions as internal invariant violations.
func (s *ExecutionState) advance(to Phase) error {
	if !canTransition(s.Phase, to) {
		return fmt.Errorf("illegal phase transition %s -> %s for execution %s",
			s.Phase, to, s.ExecutionID)
	}
	s.Phase = to
	return nil
}

// markPhaseDone records a finished phase and its latency.
func (s *ExecutionState) markPhaseDone(p Phase, latencyMs int64) {
	s.completedPhases[p] = true
	s.phaseLatencies[p] = latencyMs
}

// PhaseDone reports whether a phase already completed in this execution.
func (s *ExecutionState) PhaseDone(p Phase) bool {
	return s.completedPhases[p]
}

// clone returns a copy safe to hand to another goroutine. The pointer
// fields reference results that are never mutated once set, so they are
// shared; the phase-tracking maps are copied.
func (s *ExecutionState) clone() *ExecutionState {
	c := *s
	c.completedPhases = make(map[Phase]bool, len(s.completedPhases))
	for p, done := range s.completedPhases {
		c.completedPhases[p] = done
	}
	c.phaseLatencies = make(map[Phase]int64, len(s.phaseLatencies))
	for p, ms := range s.phaseLatencies {
		c.phaseLatencies[p] = ms
	}
	return &c
}

// ExecutionResult is the caller-facing summary of a finished (or blocked)
// workflow execution.
type ExecutionResult struct {
	ExecutionID       string                 `json:"execution_id"`
	Status            Outcome                `json:"status"`
	Phase             Phase                  `json:"phase"`
	Degraded          bool                   `json:"degraded"`
	AwaitingAck       bool                   `json:"awaiting_ack,omitempty"`
	Pattern           *PatternRecommendation `json:"pattern,omitempty"`
	GuardrailWarnings []GuardrailRule        `json:"guardrail_warnings,omitempty"`
	ViolatedRules     []GuardrailRule        `json:"violated_rules,omitempty"`
	FailureKind       ErrorKind              `json:"failure_kind,omitempty"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	PhaseLatenciesMs  map[Phase]int64        `json:"phase_latencies_ms,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionSignal is the completion notification delivered by the external
// caller while a workflow sits in the Executing phase.
type ExecutionSignal struct {
	Success bool                   `json:"success"`
	Detail  string                 `json:"detail,omitempty"`
	Output  map[string]interface{} `json:"output,omitempty"`
}

// AuditRecord is the append-only trail entry written once per service phase
// plus one final summary per terminal state.
type AuditRecord struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"execution_id"`
	TenantID    string                 `json:"tenant_id"`
	UserID      string                 `json:"user_id"`
	Tool        string                 `json:"tool"`
	Phase       Phase                  `json:"phase"`
	Outcome     Outcome                `json:"outcome"`
	LatencyMs   int64                  `json:"latency_ms"`
	ErrorKind   ErrorKind              `json:"error_kind,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
}
