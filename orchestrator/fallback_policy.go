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
	"os"

	"gopkg.in/yaml.v3"
)

// FallbackAction is the orchestrator's response to a phase failure after
// local retries are exhausted.
type FallbackAction string

const (
	ActionAbort   FallbackAction = "abort"
	ActionDegrade FallbackAction = "degrade"
	ActionRetry   FallbackAction = "retry"
)

// FailureKind classifies what went wrong in a phase, independent of which
// backend produced it.
type FailureKind string

const (
	FailureUnavailable       FailureKind = "service-unavailable"
	FailureTimeout           FailureKind = "timeout"
	FailureGuardrailCritical FailureKind = "guardrail-critical"
)

type policyRuleKey struct {
	phase   Phase
	failure FailureKind
}

// FallbackPolicy is a pure decision table mapping (phase, failureKind) to
// an action. It is configuration-driven so degradation policy can change
// without touching the orchestrator.
type FallbackPolicy struct {
	rules         map[policyRuleKey]FallbackAction
	defaultAction FallbackAction
}

// policyFile is the YAML shape of a fallback policy document.
type policyFile struct {
	DefaultAction string `yaml:"default_action"`
	Rules         []struct {
		Phase   string `yaml:"phase"`
		Failure string `yaml:"failure"`
		Action  string `yaml:"action"`
	} `yaml:"rules"`
}

// NewDefaultFallbackPolicy returns the shipped decision table: backend
// unavailability degrades ContextFetch and PatternSelect (a workflow is
// still useful without perfect memory or the best pattern) and aborts
// everything else.
func NewDefaultFallbackPolicy() *FallbackPolicy {
	return &FallbackPolicy{
		defaultAction: ActionAbort,
		rules: map[policyRuleKey]FallbackAction{
			{PhaseContextFetch, FailureUnavailable}:  ActionDegrade,
			{PhasePatternSelect, FailureUnavailable}: ActionDegrade,
			{PhaseContextFetch, FailureTimeout}:      ActionDegrade,
			{PhasePatternSelect, FailureTimeout}:     ActionDegrade,
			{PhaseGuardrailCheck, FailureUnavailable}: ActionAbort,
			{PhaseExecuting, FailureUnavailable}:      ActionAbort,
			{PhaseExecuting, FailureTimeout}:          ActionAbort,
		},
	}
}

// LoadFallbackPolicy reads a decision table from a YAML file. Rules not
// present in the file fall back to default_action (abort when omitted).
func LoadFallbackPolicy(path string) (*FallbackPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback policy %s: %w", path, err)
	}
	return ParseFallbackPolicy(data)
}

// ParseFallbackPolicy builds a policy from YAML bytes.
func ParseFallbackPolicy(data []byte) (*FallbackPolicy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fallback policy: %w", err)
	}

	policy := &FallbackPolicy{
		rules:         make(map[policyRuleKey]FallbackAction),
		defaultAction: ActionAbort,
	}
	if file.DefaultAction != "" {
		action, err := parseAction(file.DefaultAction)
		if err != nil {
			return nil, err
		}
		policy.defaultAction = action
	}
	for _, rule := range file.Rules {
		action, err := parseAction(rule.Action)
		if err != nil {
			return nil, err
		}
		policy.rules[policyRuleKey{Phase(rule.Phase), FailureKind(rule.Failure)}] = action
	}
	return policy, nil
}

func parseAction(s string) (FallbackAction, error) {
	switch FallbackAction(s) {
	case ActionAbort, ActionDegrade, ActionRetry:
		return FallbackAction(s), nil
	}
	return "", fmt.Errorf("unrecognized fallback action %q", s)
}

// Decide maps a phase failure to a fallback action.
//
// A critical guardrail severity always aborts, regardless of
// configuration. This is a compliance invariant, not a tunable default.
func (p *FallbackPolicy) Decide(phase Phase, failure FailureKind, severity GuardrailSeverity) FallbackAction {
	if failure == FailureGuardrailCritical || severity == SeverityCritical {
		return ActionAbort
	}
	if action, ok := p.rules[policyRuleKey{phase, failure}]; ok {
		return action
	}
	return p.defaultAction
}
