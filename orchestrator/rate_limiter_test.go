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

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBucketExhaustion(t *testing.T) {
	rl := NewRateLimiter(nil)
	rl.quotas = map[Plan]int64{PlanFree: 3}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
		require.True(t, allowed, "acquire %d should succeed", i)
	}

	allowed, retryAfter := rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Denials past zero must not drive the counter negative.
	for i := 0; i < 5; i++ {
		rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	}
	for _, status := range rl.Snapshot(ctx, "tenant-a", PlanFree) {
		assert.GreaterOrEqual(t, status.TokensRemaining, int64(0))
	}
}

func TestBucketsAreScopedPerTenantAndService(t *testing.T) {
	rl := NewRateLimiter(nil)
	rl.quotas = map[Plan]int64{PlanFree: 1}
	ctx := context.Background()

	allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	require.True(t, allowed)
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	require.False(t, allowed)

	// Another service of the same tenant has its own bucket.
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServiceMemory, PlanFree)
	assert.True(t, allowed)

	// Another tenant is unaffected entirely.
	allowed, _ = rl.TryAcquire(ctx, "tenant-b", ServiceGuardrail, PlanFree)
	assert.True(t, allowed)
}

func TestConcurrentAcquiresNeverOversubscribe(t *testing.T) {
	rl := NewRateLimiter(nil)
	rl.quotas = map[Plan]int64{PlanFree: 10}
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceExecute, PlanFree); allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
}

func TestDailyWindowReset(t *testing.T) {
	rl := NewRateLimiter(nil)
	rl.quotas = map[Plan]int64{PlanFree: 1}

	current := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }
	ctx := context.Background()

	allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	require.True(t, allowed)
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	require.False(t, allowed)

	// Past UTC midnight the bucket starts fresh.
	current = current.Add(time.Hour)
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	assert.True(t, allowed)
}

func TestRedisBucketExhaustion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(rdb)
	rl.quotas = map[Plan]int64{PlanFree: 2}
	ctx := context.Background()

	allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServicePattern, PlanFree)
	require.True(t, allowed)
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServicePattern, PlanFree)
	require.True(t, allowed)

	allowed, retryAfter := rl.TryAcquire(ctx, "tenant-a", ServicePattern, PlanFree)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// The counter key carries a TTL so stale windows expire on their own.
	key := rl.bucketKey("tenant-a", ServicePattern)
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestRedisOutageFallsBackToMemory(t *testing.T) {
	// Points at a closed port; every Redis call fails.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	rl := NewRateLimiter(rdb)
	rl.quotas = map[Plan]int64{PlanFree: 1}
	ctx := context.Background()

	// Fail-open: the request is still served from the local bucket.
	allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	assert.True(t, allowed)
	allowed, _ = rl.TryAcquire(ctx, "tenant-a", ServiceGuardrail, PlanFree)
	assert.False(t, allowed)
}

func TestSnapshotReportsAllServices(t *testing.T) {
	rl := NewRateLimiter(nil)
	ctx := context.Background()

	allowed, _ := rl.TryAcquire(ctx, "tenant-a", ServiceMemory, PlanPro)
	require.True(t, allowed)

	statuses := rl.Snapshot(ctx, "tenant-a", PlanPro)
	require.Len(t, statuses, len(rateLimitedServices))

	byService := make(map[string]BucketStatus)
	for _, s := range statuses {
		byService[s.Service] = s
	}
	assert.Equal(t, rl.Limit(PlanPro)-1, byService[ServiceMemory].TokensRemaining)
	assert.Equal(t, rl.Limit(PlanPro), byService[ServiceGuardrail].TokensRemaining)
}

func TestLimitFallsBackToFreePlan(t *testing.T) {
	rl := NewRateLimiter(nil)
	assert.Equal(t, defaultPlanQuotas[PlanFree], rl.Limit(Plan("unknown")))
	assert.Equal(t, defaultPlanQuotas[PlanEnterprise], rl.Limit(PlanEnterprise))
}
