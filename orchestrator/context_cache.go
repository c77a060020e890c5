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
	"log"
	"sync"
	"time"
)

// ResourceKind names a cacheable fetch within one execution.
type ResourceKind string

const (
	ResourceContextBundle ResourceKind = "context-bundle"
	ResourcePattern       ResourceKind = "pattern-recommendation"
)

// defaultCacheTTL bounds entries to the expected lifetime of one
// workflow. Proactive eviction at terminal phases is the primary cleanup;
// the TTL is the backstop.
const defaultCacheTTL = 5 * time.Minute

type cacheKey struct {
	executionID string
	kind        ResourceKind
}

// inflightFetch lets concurrent callers of the same key share one fetch.
type inflightFetch struct {
	done    chan struct{}
	payload interface{}
	err     error
}

type cacheEntry struct {
	payload   interface{}
	fetchedAt time.Time
	expiresAt time.Time
	pending   *inflightFetch
}

// ContextCache memoizes per-execution fetches so repeated tool calls
// within one logical workflow avoid redundant network hops. Entries are
// keyed by (executionID, resourceKind) and are never visible to another
// execution, so tenant isolation cannot be broken through key collision.
//
// The cache tolerates concurrent access from phases of the same
// execution: the base lifecycle runs phases serially, but multi-agent
// extensions are expected to fan out.
type ContextCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewContextCache creates a cache with the given TTL; ttl <= 0 selects
// the default.
func NewContextCache(ttl time.Duration) *ContextCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ContextCache{
		entries: make(map[cacheKey]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetOrFetch returns the cached payload for (executionID, kind) or, on a
// miss, invokes fetchFn exactly once even under concurrent callers and
// stores the result. Fetch errors are not cached.
func (c *ContextCache) GetOrFetch(ctx context.Context, executionID string, kind ResourceKind, fetchFn func(context.Context) (interface{}, error)) (interface{}, error) {
	key := cacheKey{executionID: executionID, kind: kind}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if entry.pending != nil {
			pending := entry.pending
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-pending.done:
				return pending.payload, pending.err
			}
		}
		if c.now().Before(entry.expiresAt) {
			if entry.payload == nil {
				// Invariant violation: a stored entry must carry a payload.
				// Classified as cache corruption, counted, and treated as a
				// miss; never surfaced to the caller.
				log.Printf("[Cache] %s: entry for %s/%s has no payload, refetching",
					KindCacheCorruption, executionID, kind)
				promCacheCorruptions.Inc()
				delete(c.entries, key)
			} else {
				payload := entry.payload
				c.mu.Unlock()
				return payload, nil
			}
		} else {
			delete(c.entries, key)
		}
	}

	pending := &inflightFetch{done: make(chan struct{})}
	c.entries[key] = &cacheEntry{pending: pending}
	c.mu.Unlock()

	payload, err := fetchFn(ctx)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, key)
	} else {
		c.entries[key] = &cacheEntry{
			payload:   payload,
			fetchedAt: c.now(),
			expiresAt: c.now().Add(c.ttl),
		}
	}
	pending.payload, pending.err = payload, err
	close(pending.done)
	c.mu.Unlock()

	return payload, err
}

// Peek returns the cached payload without fetching, for observability.
func (c *ContextCache) Peek(executionID string, kind ResourceKind) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey{executionID: executionID, kind: kind}]
	if !ok || entry.pending != nil || entry.payload == nil || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}

// EvictExecution drops every entry belonging to an execution. Called when
// the workflow reaches a terminal phase, bounding memory growth
// independent of TTL.
func (c *ContextCache) EvictExecution(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.executionID == executionID {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries, for health reporting and tests.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
