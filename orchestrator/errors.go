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
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the stable classification of a workflow failure.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindTokenExpired       ErrorKind = "token_expired"
	KindTokenMalformed     ErrorKind = "token_malformed"
	KindTokenRevoked       ErrorKind = "token_revoked"
	KindInsufficientScope  ErrorKind = "insufficient_scope"
	KindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
	KindGuardrailBlocked   ErrorKind = "guardrail_blocked"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindExecutionTimeout   ErrorKind = "execution_timeout"
	KindWorkflowTimeout    ErrorKind = "workflow_timeout"
	KindCacheCorruption    ErrorKind = "cache_corruption"
	KindInternal           ErrorKind = "internal"
)

// WorkflowError carries a taxonomy kind alongside the underlying cause.
type WorkflowError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is set for rate-limit denials so callers get a hint.
	RetryAfter time.Duration
	cause      error
}

func (e *WorkflowError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.cause }

// NewWorkflowError builds a classified error wrapping an optional cause.
func NewWorkflowError(kind ErrorKind, message string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the taxonomy kind from any error chain.
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// IsRetryable reports whether an error may be retried. Only transient
// infrastructure failures qualify; caller and auth errors never do.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindServiceUnavailable:
		return true
	}
	return false
}
