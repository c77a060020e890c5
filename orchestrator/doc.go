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

/*
Package orchestrator coordinates multi-tenant developer-tool workflows
across the FlowGate platform services.

# Overview

Every workflow execution moves through a fixed lifecycle:

	Init → Authenticating → GuardrailCheck → ContextFetch → PatternSelect → Executing → Logging → Completed

with Failed reachable from any non-terminal phase. Along the way the
orchestrator:

  - Validates the caller's access token and per-phase capability scopes
  - Enforces per-tenant, per-service daily quotas (Redis-backed with an
    in-memory fallback)
  - Calls the guardrail service before any execution, blocking workflows
    on critical violations until explicitly acknowledged
  - Retrieves tenant context from the memory service and a pattern
    recommendation from the pattern service, caching both per execution
  - Degrades gracefully on non-essential service outages per a
    configurable fallback policy
  - Writes an append-only, redacted audit trail to PostgreSQL

# Degradation

The FallbackPolicy decides per phase whether an outage aborts the
workflow or lets it continue with fallback data (an empty context
bundle, no pattern recommendation). Guardrail failures always abort:
a workflow is never executed unchecked.

# Audit Trail

One audit record is written per service phase plus one terminal summary,
so a successful workflow leaves exactly five records. Sensitive values
(tokens, keys, secrets) are redacted before a record leaves the process.

# Entry Points

Run boots the full HTTP service from environment configuration.
NewOrchestrator wires the lifecycle engine directly for embedding and
testing.
*/
package orchestrator
