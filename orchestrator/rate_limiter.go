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
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend service names charged against tenant quotas.
const (
	ServiceGuardrail = "guardrail"
	ServiceMemory    = "memory"
	ServicePattern   = "pattern"
	ServiceExecute   = "execute"
)

// rateLimitedServices is the full set of quota-tracked backends, used by
// the quota snapshot endpoint.
var rateLimitedServices = []string{
	ServiceGuardrail, ServiceMemory, ServicePattern, ServiceExecute,
}

// defaultPlanQuotas are the daily per-service call budgets per plan.
var defaultPlanQuotas = map[Plan]int64{
	PlanFree:       50,
	PlanPro:        500,
	PlanTeam:       5000,
	PlanEnterprise: 50000,
}

// acquireScript atomically initializes and decrements a daily quota
// counter. Returns the remaining tokens, or -1 when the bucket is empty.
// The counter never goes below zero: requests are rejected, not queued.
var acquireScript = redis.NewScript(`
local tokens = redis.call('GET', KEYS[1])
if not tokens then
  redis.call('SET', KEYS[1], tonumber(ARGV[1]) - 1, 'EX', tonumber(ARGV[2]))
  return tonumber(ARGV[1]) - 1
end
tokens = tonumber(tokens)
if tokens <= 0 then
  return -1
end
return redis.call('DECR', KEYS[1])
`)

// BucketStatus is the externally observable state of one rate-limit
// bucket, consumed by the quota endpoint.
type BucketStatus struct {
	TenantID        string    `json:"tenant_id"`
	Service         string    `json:"service"`
	Limit           int64     `json:"limit"`
	TokensRemaining int64     `json:"tokens_remaining"`
	WindowResetAt   time.Time `json:"window_reset_at"`
}

// memBucket is the in-process fallback bucket used when Redis is not
// configured or unreachable. Mutations happen under the limiter mutex, so
// two concurrent requests can never both succeed past the quota boundary.
type memBucket struct {
	limit     int64
	remaining int64
	resetAt   time.Time
}

// RateLimiter enforces per (tenant, service) daily quotas derived from the
// tenant's plan. Redis is the primary counter store so limits hold across
// orchestrator instances; a mutex-guarded in-memory bucket covers
// single-node deployments and Redis outages.
type RateLimiter struct {
	rdb    *redis.Client
	quotas map[Plan]int64

	mu      sync.Mutex
	buckets map[string]*memBucket

	now func() time.Time
}

// NewRateLimiter creates a limiter with the default plan quotas. rdb may
// be nil for in-memory operation.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{
		rdb:     rdb,
		quotas:  defaultPlanQuotas,
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
}

// NewRateLimiterFromEnv connects to REDIS_URL when set, otherwise runs
// in-memory only.
func NewRateLimiterFromEnv() *RateLimiter {
	redisURL := getEnv("REDIS_URL", "")
	if redisURL == "" {
		log.Printf("[RateLimit] REDIS_URL not set, using in-memory buckets")
		return NewRateLimiter(nil)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("[RateLimit] invalid REDIS_URL, using in-memory buckets: %v", err)
		return NewRateLimiter(nil)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[RateLimit] Redis unreachable, using in-memory buckets: %v", err)
		return NewRateLimiter(nil)
	}
	log.Printf("[RateLimit] Redis connected: %s", redisURL)
	return NewRateLimiter(rdb)
}

// Limit returns the daily per-service quota for a plan.
func (rl *RateLimiter) Limit(plan Plan) int64 {
	if limit, ok := rl.quotas[plan]; ok {
		return limit
	}
	return rl.quotas[PlanFree]
}

// TryAcquire consumes one token from the (tenantID, service) bucket.
// Denial returns allowed=false with a retry-after hint; no token is
// consumed past zero.
func (rl *RateLimiter) TryAcquire(ctx context.Context, tenantID, service string, plan Plan) (bool, time.Duration) {
	limit := rl.Limit(plan)
	resetAt := rl.windowResetAt()

	if rl.rdb != nil {
		remaining, err := rl.acquireRedis(ctx, tenantID, service, limit, resetAt)
		if err == nil {
			if remaining < 0 {
				return false, time.Until(resetAt)
			}
			return true, 0
		}
		// Redis trouble is an infrastructure failure, not the tenant's
		// fault: fall back to the local bucket and keep serving.
		log.Printf("[RateLimit] Redis acquire failed for %s/%s, falling back to memory: %v",
			tenantID, service, err)
	}

	return rl.acquireMemory(tenantID, service, limit, resetAt)
}

func (rl *RateLimiter) acquireRedis(ctx context.Context, tenantID, service string, limit int64, resetAt time.Time) (int64, error) {
	key := rl.bucketKey(tenantID, service)
	ttl := int64(time.Until(resetAt).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	res, err := acquireScript.Run(ctx, rl.rdb, []string{key}, limit, ttl).Int64()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (rl *RateLimiter) acquireMemory(tenantID, service string, limit int64, resetAt time.Time) (bool, time.Duration) {
	key := tenantID + ":" + service

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || rl.now().After(b.resetAt) || b.limit != limit {
		b = &memBucket{limit: limit, remaining: limit, resetAt: resetAt}
		rl.buckets[key] = b
	}
	if b.remaining <= 0 {
		return false, time.Until(b.resetAt)
	}
	b.remaining--
	return true, 0
}

// Snapshot returns the read-only bucket state for every rate-limited
// service of a tenant. Services that have not been called yet report a
// full bucket.
func (rl *RateLimiter) Snapshot(ctx context.Context, tenantID string, plan Plan) []BucketStatus {
	limit := rl.Limit(plan)
	resetAt := rl.windowResetAt()

	statuses := make([]BucketStatus, 0, len(rateLimitedServices))
	for _, service := range rateLimitedServices {
		remaining := limit
		if rl.rdb != nil {
			if val, err := rl.rdb.Get(ctx, rl.bucketKey(tenantID, service)).Int64(); err == nil {
				remaining = val
			}
		} else {
			rl.mu.Lock()
			if b, ok := rl.buckets[tenantID+":"+service]; ok && rl.now().Before(b.resetAt) {
				remaining = b.remaining
			}
			rl.mu.Unlock()
		}
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, BucketStatus{
			TenantID:        tenantID,
			Service:         service,
			Limit:           limit,
			TokensRemaining: remaining,
			WindowResetAt:   resetAt,
		})
	}
	return statuses
}

// bucketKey embeds the window date so daily rollover is a new key and
// stale counters expire on their own.
func (rl *RateLimiter) bucketKey(tenantID, service string) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, service, rl.now().UTC().Format("2006-01-02"))
}

// windowResetAt is the next UTC midnight, per the daily quota policy.
func (rl *RateLimiter) windowResetAt() time.Time {
	now := rl.now().UTC()
	return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// Close releases the Redis connection if one is held.
func (rl *RateLimiter) Close() error {
	if rl.rdb != nil {
		return rl.rdb.Close()
	}
	return nil
}
