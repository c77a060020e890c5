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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuardrail struct {
	mu         sync.Mutex
	checkCalls int
	ackCalls   int
	result     *GuardrailResult
	checkErr   error
	ackErr     error
}

func (f *fakeGuardrail) CheckGuardrails(ctx context.Context, req GuardrailCheckRequest) (*GuardrailResult, error) {
	f.mu.Lock()
	f.checkCalls++
	f.mu.Unlock()
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &GuardrailResult{Severity: SeverityInfo}, nil
}

func (f *fakeGuardrail) Acknowledge(ctx context.Context, executionID, ackToken string) error {
	f.mu.Lock()
	f.ackCalls++
	f.mu.Unlock()
	return f.ackErr
}

func (f *fakeGuardrail) ValidateCommit(ctx context.Context, executionID string, files []string) (*GuardrailResult, error) {
	return &GuardrailResult{Severity: SeverityInfo}, nil
}

func (f *fakeGuardrail) ValidateIcons(ctx context.Context, executionID string, files []string) (*GuardrailResult, error) {
	return &GuardrailResult{Severity: SeverityInfo}, nil
}

func (f *fakeGuardrail) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls
}

type fakeMemory struct {
	mu     sync.Mutex
	calls  int
	bundle *ContextBundle
	err    error
}

func (f *fakeMemory) FetchContext(ctx context.Context, query ContextQuery) (*ContextBundle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.bundle != nil {
		return f.bundle, nil
	}
	return &ContextBundle{Items: []ContextItem{{Key: "recent", Content: "refactored auth module", Score: 0.9}}}, nil
}

func (f *fakeMemory) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePattern struct {
	mu         sync.Mutex
	calls      int
	candidates []Pattern
	err        error
}

func (f *fakePattern) SelectPattern(ctx context.Context, query PatternQuery) ([]Pattern, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.candidates != nil {
		return f.candidates, nil
	}
	return []Pattern{{Name: "incremental-edit"}}, nil
}

type fakeAnalytics struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAnalytics) LogPatternUsage(executionID, pattern string, outcome Outcome) {
	f.mu.Lock()
	f.events = append(f.events, executionID+":"+pattern+":"+string(outcome))
	f.mu.Unlock()
}

var allTestScopes = []string{ScopeGuardrails, ScopeMemoryRead, ScopePatternsRead, ScopeAgentsRun}

func testClaims(plan Plan, scopes []string) *AccessClaims {
	return &AccessClaims{
		SubjectID: "user-1",
		TenantID:  "tenant-a",
		Plan:      plan,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func testRequest(executionID string) WorkflowRequest {
	return WorkflowRequest{
		ExecutionID: executionID,
		TenantID:    "tenant-a",
		UserID:      "user-1",
		ActionKind:  ActionEditCode,
		Intent:      "rename the session helper",
	}
}

func newTestOrchestrator(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Audit == nil {
		deps.Audit = NewAuditLoggerWithDB(nil)
	}
	cfg := Config{
		ExecutionTimeout: 2 * time.Second,
		WorkflowTimeout:  5 * time.Second,
		Retry:            fastRetryConfig(),
	}
	o, err := NewOrchestrator(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(o.audit.Close)
	return o
}

// completeWhenExecuting delivers a completion signal once the workflow
// registers its Executing-phase waiter.
func completeWhenExecuting(o *Orchestrator, executionID string, sig ExecutionSignal) {
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if err := o.CompleteExecution(executionID, sig); err == nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func TestRunWorkflowHappyPath(t *testing.T) {
	guardrail := &fakeGuardrail{}
	memory := &fakeMemory{}
	patterns := &fakePattern{}
	analytics := &fakeAnalytics{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: patterns, Analytics: analytics})

	completeWhenExecuting(o, "exec-happy", ExecutionSignal{Success: true, Detail: "edit applied"})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-happy"), testClaims(PlanPro, allTestScopes))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Status)
	assert.Equal(t, PhaseCompleted, result.Phase)
	assert.False(t, result.Degraded)
	require.NotNil(t, result.Pattern)
	assert.Equal(t, "incremental-edit", result.Pattern.Selected.Name)
	assert.NotNil(t, result.CompletedAt)

	// One record per service phase plus the terminal summary.
	records := o.audit.RecordsForExecution("exec-happy")
	require.Len(t, records, 5)
	wantPhases := []Phase{PhaseGuardrailCheck, PhaseContextFetch, PhasePatternSelect, PhaseExecuting, PhaseLogging}
	for i, rec := range records {
		assert.Equal(t, wantPhases[i], rec.Phase)
		assert.Equal(t, "tenant-a", rec.TenantID)
		if i > 0 {
			assert.False(t, rec.Timestamp.Before(records[i-1].Timestamp), "timestamps must not decrease")
		}
	}

	// Terminal phase evicts the execution's cache entries.
	assert.Equal(t, 0, o.cache.Len())

	analytics.mu.Lock()
	defer analytics.mu.Unlock()
	require.Len(t, analytics.events, 1)
	assert.Equal(t, "exec-happy:incremental-edit:success", analytics.events[0])
}

func TestInvalidRequestHasNoSideEffects(t *testing.T) {
	guardrail := &fakeGuardrail{}
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: &fakePattern{}})

	req := testRequest("exec-bad")
	req.UserID = ""
	_, err := o.RunWorkflow(context.Background(), req, testClaims(PlanPro, allTestScopes))

	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, 0, guardrail.checks())
	_, found := o.GetExecution("exec-bad")
	assert.False(t, found)
}

func TestExpiredTokenMakesNoBackendCalls(t *testing.T) {
	guardrail := &fakeGuardrail{}
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: &fakePattern{}})

	claims := testClaims(PlanPro, allTestScopes)
	claims.ExpiresAt = time.Now().Add(-time.Minute)
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-expired"), claims)

	require.Error(t, err)
	assert.Equal(t, KindTokenExpired, KindOf(err))
	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, 0, guardrail.checks())
	assert.Equal(t, 0, memory.fetches())

	// Only the terminal summary record is written.
	assert.Len(t, o.audit.RecordsForExecution("exec-expired"), 1)
}

func TestTenantMismatchIsRejected(t *testing.T) {
	guardrail := &fakeGuardrail{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	claims := testClaims(PlanPro, allTestScopes)
	claims.TenantID = "tenant-b"
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-mismatch"), claims)

	require.Error(t, err)
	assert.Equal(t, KindInsufficientScope, KindOf(err))
	assert.Equal(t, 0, guardrail.checks())
}

func TestMissingScopeFailsPhaseEntry(t *testing.T) {
	guardrail := &fakeGuardrail{}
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: &fakePattern{}})

	scopes := []string{ScopeGuardrails, ScopePatternsRead, ScopeAgentsRun} // no memory.read
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-noscope"), testClaims(PlanPro, scopes))

	require.Error(t, err)
	assert.Equal(t, KindInsufficientScope, KindOf(err))
	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, 1, guardrail.checks())
	assert.Equal(t, 0, memory.fetches())
}

func TestCriticalGuardrailBlocksThenAckResumes(t *testing.T) {
	guardrail := &fakeGuardrail{
		result: &GuardrailResult{
			Severity: SeverityCritical,
			Rules:    []GuardrailRule{{ID: "no-secrets-in-code", Severity: SeverityCritical}},
		},
	}
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: &fakePattern{}})
	claims := testClaims(PlanFree, allTestScopes)

	result, err := o.RunWorkflow(context.Background(), testRequest("exec-blocked"), claims)
	require.Error(t, err)
	assert.Equal(t, KindGuardrailBlocked, KindOf(err))
	assert.Equal(t, OutcomeBlocked, result.Status)
	assert.True(t, result.AwaitingAck)
	assert.Equal(t, 0, memory.fetches())

	// Clear the verdict so a (wrongly) repeated check would be visible.
	guardrail.result = &GuardrailResult{Severity: SeverityInfo}

	completeWhenExecuting(o, "exec-blocked", ExecutionSignal{Success: true})
	resumed, err := o.ResumeWorkflow(context.Background(), "exec-blocked", "ack-token-1", claims)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, resumed.Status)
	// The guardrail check ran exactly once; acknowledgement skips it.
	assert.Equal(t, 1, guardrail.checks())
	guardrail.mu.Lock()
	assert.Equal(t, 1, guardrail.ackCalls)
	guardrail.mu.Unlock()

	// Guardrail quota was charged once, not re-charged on resume.
	for _, status := range o.limiter.Snapshot(context.Background(), "tenant-a", PlanFree) {
		if status.Service == ServiceGuardrail {
			assert.Equal(t, o.limiter.Limit(PlanFree)-1, status.TokensRemaining)
		}
	}
}

func TestResumeRejectedWhenAckFails(t *testing.T) {
	guardrail := &fakeGuardrail{
		result: &GuardrailResult{Severity: SeverityCritical, Rules: []GuardrailRule{{ID: "r1", Severity: SeverityCritical}}},
		ackErr: NewWorkflowError(KindGuardrailBlocked, "acknowledgement rejected", nil),
	}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: &fakeMemory{}, Patterns: &fakePattern{}})
	claims := testClaims(PlanPro, allTestScopes)

	_, err := o.RunWorkflow(context.Background(), testRequest("exec-noack"), claims)
	require.Error(t, err)

	_, err = o.ResumeWorkflow(context.Background(), "exec-noack", "bad-token", claims)
	require.Error(t, err)
	assert.Equal(t, KindGuardrailBlocked, KindOf(err))

	// Still blocked and awaiting acknowledgement.
	result, found := o.GetExecution("exec-noack")
	require.True(t, found)
	assert.True(t, result.AwaitingAck)
}

func TestResumeRequiresAwaitingAck(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})
	claims := testClaims(PlanPro, allTestScopes)

	completeWhenExecuting(o, "exec-done", ExecutionSignal{Success: true})
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-done"), claims)
	require.NoError(t, err)

	_, err = o.ResumeWorkflow(context.Background(), "exec-done", "token", claims)
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = o.ResumeWorkflow(context.Background(), "exec-never-existed", "token", claims)
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestMemoryOutageDegradesWorkflow(t *testing.T) {
	memory := &fakeMemory{err: NewWorkflowError(KindServiceUnavailable, "memory service down", nil)}
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: memory, Patterns: &fakePattern{}})

	completeWhenExecuting(o, "exec-degraded", ExecutionSignal{Success: true})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-degraded"), testClaims(PlanPro, allTestScopes))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDegraded, result.Status)
	assert.True(t, result.Degraded)
	assert.Equal(t, PhaseCompleted, result.Phase)

	records := o.audit.RecordsForExecution("exec-degraded")
	require.Len(t, records, 5)
	assert.Equal(t, OutcomeDegraded, records[1].Outcome)
	assert.Equal(t, PhaseContextFetch, records[1].Phase)
}

func TestGuardrailOutageAbortsWorkflow(t *testing.T) {
	guardrail := &fakeGuardrail{checkErr: NewWorkflowError(KindServiceUnavailable, "guardrail service down", nil)}
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: memory, Patterns: &fakePattern{}})

	result, err := o.RunWorkflow(context.Background(), testRequest("exec-gr-down"), testClaims(PlanPro, allTestScopes))

	require.Error(t, err)
	assert.Equal(t, KindServiceUnavailable, KindOf(err))
	assert.Equal(t, OutcomeError, result.Status)
	// Retried before giving up.
	assert.Equal(t, 3, guardrail.checks())
	// A workflow is never executed unchecked.
	assert.Equal(t, 0, memory.fetches())
}

func TestPremiumPatternsFilteredWithoutScope(t *testing.T) {
	patterns := &fakePattern{candidates: []Pattern{
		{Name: "deep-refactor", Premium: true},
		{Name: "simple-edit"},
	}}
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: patterns})

	completeWhenExecuting(o, "exec-free", ExecutionSignal{Success: true})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-free"), testClaims(PlanFree, allTestScopes))
	require.NoError(t, err)

	require.NotNil(t, result.Pattern)
	require.Len(t, result.Pattern.Candidates, 1)
	assert.Equal(t, "simple-edit", result.Pattern.Candidates[0].Name)
	assert.Equal(t, "simple-edit", result.Pattern.Selected.Name)
}

func TestPremiumPatternsIncludedWithScope(t *testing.T) {
	patterns := &fakePattern{candidates: []Pattern{
		{Name: "deep-refactor", Premium: true},
		{Name: "simple-edit"},
	}}
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: patterns})

	scopes := append([]string{ScopePremiumPatterns}, allTestScopes...)
	completeWhenExecuting(o, "exec-premium", ExecutionSignal{Success: true})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-premium"), testClaims(PlanTeam, scopes))
	require.NoError(t, err)

	require.Len(t, result.Pattern.Candidates, 2)
	assert.Equal(t, "deep-refactor", result.Pattern.Selected.Name)
}

func TestRateLimitRejectionBeforeBackendCall(t *testing.T) {
	guardrail := &fakeGuardrail{}
	limiter := NewRateLimiter(nil)
	limiter.quotas = map[Plan]int64{PlanFree: 1}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: &fakeMemory{}, Patterns: &fakePattern{}, Limiter: limiter})
	claims := testClaims(PlanFree, allTestScopes)

	completeWhenExecuting(o, "exec-first", ExecutionSignal{Success: true})
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-first"), claims)
	require.NoError(t, err)

	result, err := o.RunWorkflow(context.Background(), testRequest("exec-second"), claims)
	require.Error(t, err)
	assert.Equal(t, KindRateLimitExceeded, KindOf(err))
	assert.Equal(t, OutcomeError, result.Status)

	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Greater(t, wfErr.RetryAfter, time.Duration(0))

	// Quota was checked before any I/O: exactly one guardrail call total.
	assert.Equal(t, 1, guardrail.checks())
}

func TestExecutionTimeout(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})
	o.cfg.ExecutionTimeout = 30 * time.Millisecond

	result, err := o.RunWorkflow(context.Background(), testRequest("exec-timeout"), testClaims(PlanPro, allTestScopes))

	require.Error(t, err)
	assert.Equal(t, KindExecutionTimeout, KindOf(err))
	assert.Equal(t, OutcomeError, result.Status)
}

func TestFailedCompletionSignal(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	completeWhenExecuting(o, "exec-agent-err", ExecutionSignal{Success: false, Detail: "agent crashed"})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-agent-err"), testClaims(PlanPro, allTestScopes))

	require.Error(t, err)
	assert.Equal(t, OutcomeError, result.Status)
	assert.Contains(t, result.FailureReason, "agent crashed")
}

func TestDuplicateExecutionIDRejected(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})
	claims := testClaims(PlanPro, allTestScopes)

	completeWhenExecuting(o, "exec-dup", ExecutionSignal{Success: true})
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-dup"), claims)
	require.NoError(t, err)

	_, err = o.RunWorkflow(context.Background(), testRequest("exec-dup"), claims)
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestNewExecutionIDFetchesFreshContext(t *testing.T) {
	memory := &fakeMemory{}
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: memory, Patterns: &fakePattern{}})
	claims := testClaims(PlanPro, allTestScopes)

	completeWhenExecuting(o, "exec-one", ExecutionSignal{Success: true})
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-one"), claims)
	require.NoError(t, err)

	// A new execution ID never sees the previous execution's cache.
	completeWhenExecuting(o, "exec-two", ExecutionSignal{Success: true})
	_, err = o.RunWorkflow(context.Background(), testRequest("exec-two"), claims)
	require.NoError(t, err)

	assert.Equal(t, 2, memory.fetches())
}

func TestCompleteExecutionUnknownID(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	err := o.CompleteExecution("exec-ghost", ExecutionSignal{Success: true})
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestListExecutionsIsTenantScoped(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	completeWhenExecuting(o, "exec-list", ExecutionSignal{Success: true})
	_, err := o.RunWorkflow(context.Background(), testRequest("exec-list"), testClaims(PlanPro, allTestScopes))
	require.NoError(t, err)

	assert.Len(t, o.ListExecutions("tenant-a"), 1)
	assert.Empty(t, o.ListExecutions("tenant-b"))
}

func TestGuardrailWarningsSurfacedInResult(t *testing.T) {
	guardrail := &fakeGuardrail{
		result: &GuardrailResult{
			Severity: SeverityWarning,
			Rules:    []GuardrailRule{{ID: "large-diff", Severity: SeverityWarning}},
		},
	}
	o := newTestOrchestrator(t, Deps{Guardrails: guardrail, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	completeWhenExecuting(o, "exec-warn", ExecutionSignal{Success: true})
	result, err := o.RunWorkflow(context.Background(), testRequest("exec-warn"), testClaims(PlanPro, allTestScopes))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Status)
	require.Len(t, result.GuardrailWarnings, 1)
	assert.Equal(t, "large-diff", result.GuardrailWarnings[0].ID)
}

func TestConcurrentPollingWhileWorkflowRuns(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Guardrails: &fakeGuardrail{}, Memory: &fakeMemory{}, Patterns: &fakePattern{}})

	var (
		result *ExecutionResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = o.RunWorkflow(context.Background(), testRequest("exec-poll"), testClaims(PlanPro, allTestScopes))
	}()

	// Hammer the read paths while the workflow mutates its live record;
	// the stored snapshots must stay independent of it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			require.NoError(t, runErr)
			assert.Equal(t, OutcomeSuccess, result.Status)
			return
		case <-deadline:
			t.Fatal("workflow did not reach a terminal state")
		default:
		}
		if snapshot, ok := o.GetExecution("exec-poll"); ok {
			assert.Equal(t, "exec-poll", snapshot.ExecutionID)
			if snapshot.Phase == PhaseExecuting {
				_ = o.CompleteExecution("exec-poll", ExecutionSignal{Success: true})
			}
		}
		o.ListExecutions("tenant-a")
	}
}

func TestExecutionStoreReturnsIsolatedCopies(t *testing.T) {
	store := newExecutionStore()
	live := newExecutionState("exec-iso", testRequest("exec-iso"))
	store.Save(live)

	// Mutations of the live record stay invisible until the next Save.
	live.Phase = PhaseExecuting
	live.markPhaseDone(PhaseGuardrailCheck, 7)

	snapshot, ok := store.Get("exec-iso")
	require.True(t, ok)
	assert.Equal(t, PhaseInit, snapshot.Phase)
	assert.False(t, snapshot.PhaseDone(PhaseGuardrailCheck))

	// Mutating a returned snapshot never touches the stored record.
	snapshot.Phase = PhaseFailed
	snapshot.markPhaseDone(PhaseExecuting, 1)
	again, _ := store.Get("exec-iso")
	assert.Equal(t, PhaseInit, again.Phase)
	assert.False(t, again.PhaseDone(PhaseExecuting))
}

func TestExecutionStoreEvictsOldestTerminalOverCap(t *testing.T) {
	store := newExecutionStore()
	store.maxEntries = 2

	makeState := func(id string, completedAt *time.Time) *ExecutionState {
		state := newExecutionState(id, testRequest(id))
		if completedAt != nil {
			state.Phase = PhaseCompleted
			state.CompletedAt = completedAt
		}
		return state
	}

	t0 := time.Now().UTC().Add(-time.Hour)
	t1 := t0.Add(time.Minute)
	store.Save(makeState("exec-old", &t0))
	store.Save(makeState("exec-newer", &t1))
	store.Save(makeState("exec-live", nil))

	// The oldest terminal execution goes first; live ones are kept.
	_, ok := store.Get("exec-old")
	assert.False(t, ok)
	_, ok = store.Get("exec-newer")
	assert.True(t, ok)
	_, ok = store.Get("exec-live")
	assert.True(t, ok)

	// With only live executions left the store exceeds its cap rather
	// than drop a running workflow.
	store.Save(makeState("exec-live2", nil))
	store.Save(makeState("exec-live3", nil))
	for _, id := range []string{"exec-live", "exec-live2", "exec-live3"} {
		_, ok = store.Get(id)
		assert.True(t, ok, id)
	}
	_, ok = store.Get("exec-newer")
	assert.False(t, ok)
}
