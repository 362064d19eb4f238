package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testCaller = "test-caller"

// TestRateLimiter_GlobalLimitEnforced verifies that the global rate limit
// is enforced across all requests regardless of caller ID.
func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 10 RPS global, 50 RPS caller (global is more restrictive)
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10, // use override value
		CallerRPS:   50,
		AnonymousRPS:   2,
	})
	defer rl.Close()

	// Test: Send 11 requests with callerID, expect 11th to fail
	// Global limit (10) should be hit before caller limit (50)
	callerID := testCaller
	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow(callerID) {
			successCount++
		}
	}

	// Expect exactly 10 to succeed (global limit)
	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_CallerLimitEnforced verifies that per-caller rate limits
// are enforced independently from the global limit.
func TestRateLimiter_CallerLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 100 RPS global, 5 RPS caller, 2 RPS anonymous
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   5,
		CallerBurst: 5, // use override value
		AnonymousRPS:   2,
	})
	defer rl.Close()

	// Test: Send 6 requests with same callerID, expect 6th to fail
	callerID := testCaller
	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(callerID) {
			successCount++
		}
	}

	// Expect exactly 5 to succeed (caller limit)
	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_AnonymousLimitEnforced verifies that requests
// without a caller ID are rate limited separately.
func TestRateLimiter_AnonymousLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 100 RPS global, 50 RPS caller, 2 RPS anonymous
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   50,
		AnonymousRPS:   2,
		AnonymousBurst: 2, // use override value
	})
	defer rl.Close()

	// Test: Send 3 requests with empty callerID, expect 3rd to fail
	successCount := 0

	for i := 0; i < 3; i++ {
		if rl.Allow("") {
			successCount++
		}
	}

	// Expect exactly 2 to succeed (anonymous limit)
	if successCount != 2 {
		t.Errorf("expected 2 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_BurstCapacityWorks verifies that burst capacity allows
// temporary bursts above the sustained rate, then throttles subsequent requests.
func TestRateLimiter_BurstCapacityWorks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 10 RPS with 20 burst capacity
	// This means 10 requests can be made instantly (burst),
	// and tokens refill at 10 per second
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10, // use override value
		CallerRPS:   5,
		CallerBurst: 5, // use override value
		AnonymousRPS:   2,
	})
	defer rl.Close()

	callerID := testCaller
	// Test: Send 10 requests instantly (should all pass due to burst)
	// Note: Global limit is 10, caller limit is 5, so we'll hit caller limit first
	successCount := 0

	for i := 0; i < 10; i++ {
		if rl.Allow(callerID) {
			successCount++
		}
	}

	// Expect 5 to succeed (caller limit, not global)
	if successCount != 5 {
		t.Errorf("expected 5 successful burst requests, got %d", successCount)
	}

	// Send 1 more immediately (should fail - burst exhausted)
	if rl.Allow(callerID) {
		t.Error("expected request to be rate limited after burst exhausted")
	}
}

// TestRateLimiter_CallerIsolation verifies that rate limits for different
// callers are tracked independently.
func TestRateLimiter_CallerIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 100 RPS global, 5 RPS caller
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   5,
		CallerBurst: 5, // use override value
		AnonymousRPS:   2,
	})
	defer rl.Close()

	caller1 := "caller-1"
	caller2 := "caller-2"

	// Caller 1 uses all 5 requests
	for i := 0; i < 5; i++ {
		if !rl.Allow(caller1) {
			t.Errorf("caller1 request %d should succeed", i+1)
		}
	}

	// Caller 1's 6th request fails
	if rl.Allow(caller1) {
		t.Error("caller1 should be rate limited")
	}

	// Caller 2 should still have 5 requests available
	for i := 0; i < 5; i++ {
		if !rl.Allow(caller2) {
			t.Errorf("caller2 request %d should succeed", i+1)
		}
	}
}

// TestRateLimiter_ConcurrentAccess verifies that the rate limiter is safe
// for concurrent use by multiple goroutines.
func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100,
		CallerRPS: 50,
		AnonymousRPS: 10,
	})
	defer rl.Close()

	// Launch 10 goroutines, each making 10 requests
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(callerID string) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				_ = rl.Allow(callerID)
			}
		}(fmt.Sprintf("caller-%d", i))
	}

	wg.Wait()
	// If we get here without panic/race, concurrent access is safe
}

// TestRateLimiter_MemoryCleanup verifies that stale caller limiters
// are removed after the idle timeout period.
func TestRateLimiter_MemoryCleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter with short idle timeout for testing
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   50,
		AnonymousRPS:   10,
		IdleTimeout: 100 * time.Millisecond, // Short timeout for test
	})
	defer rl.Close()

	// Create caller limiter by making a request
	callerID := "stale-caller"
	if !rl.Allow(callerID) {
		t.Fatal("first request should succeed")
	}

	// Verify caller limiter exists in map
	rl.mu.RLock()
	_, exists := rl.perCaller[callerID]
	rl.mu.RUnlock()

	if !exists {
		t.Fatal("caller limiter should exist after first request")
	}

	// Wait for idle timeout + buffer
	time.Sleep(150 * time.Millisecond)

	// Manually trigger cleanup (don't wait for ticker)
	rl.cleanup()

	// Verify caller limiter was removed
	rl.mu.RLock()
	_, exists = rl.perCaller[callerID]
	rl.mu.RUnlock()

	if exists {
		t.Error("stale caller limiter should have been removed after cleanup")
	}
}

// TestRateLimiter_CleanupPreservesActiveCallers verifies that cleanup
// only removes idle callers and preserves recently active ones.
func TestRateLimiter_CleanupPreservesActiveCallers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter with short idle timeout
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   50,
		AnonymousRPS:   10,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	staleCaller := "stale-caller"
	activeCaller := "active-caller"

	// Create both caller limiters
	if !rl.Allow(staleCaller) {
		t.Fatal("stale caller first request should succeed")
	}

	if !rl.Allow(activeCaller) {
		t.Fatal("active caller first request should succeed")
	}

	// Wait for stale caller to exceed idle timeout
	time.Sleep(150 * time.Millisecond)

	// Keep active caller active (update lastAccess)
	if !rl.Allow(activeCaller) {
		t.Fatal("active caller should still be allowed")
	}

	// Trigger cleanup
	rl.cleanup()

	// Verify stale caller was removed
	rl.mu.RLock()
	_, staleExists := rl.perCaller[staleCaller]
	_, activeExists := rl.perCaller[activeCaller]
	rl.mu.RUnlock()

	if staleExists {
		t.Error("stale caller should have been removed")
	}

	if !activeExists {
		t.Error("active caller should have been preserved")
	}
}

// TestRateLimitMiddleware_RequestAllowed verifies that requests under
// the rate limit are allowed to proceed to the next handler.
func TestRateLimitMiddleware_RequestAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter with high limits (request will not be blocked)
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100,
		CallerRPS: 50,
		AnonymousRPS: 10,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	// Create test handler that tracks if it was called
	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	// Wrap with rate limit middleware
	handler := RateLimit(rl, logger)(nextHandler)

	// Create test request
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	// Execute request
	handler.ServeHTTP(rec, req)

	// Verify next handler was called
	if !nextCalled {
		t.Error("expected next handler to be called when rate limit not exceeded")
	}

	// Verify response status
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

// TestRateLimitMiddleware_RequestBlocked verifies that requests exceeding
// the rate limit are rejected with 429 status.
func TestRateLimitMiddleware_RequestBlocked(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter with very low limits (requests will be blocked)
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		CallerRPS:   1,
		AnonymousRPS:   1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	// Create test handler that should NOT be called
	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	// Wrap with rate limit middleware
	handler := RateLimit(rl, logger)(nextHandler)

	// Make first request (should succeed)
	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Errorf("first request should succeed, got status %d", rec1.Code)
	}

	// Make second request immediately (should be rate limited)
	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec2 := httptest.NewRecorder()
	nextCalled = false // Reset flag

	handler.ServeHTTP(rec2, req2)

	// Verify next handler was NOT called
	if nextCalled {
		t.Error("expected next handler NOT to be called when rate limit exceeded")
	}

	// Verify 429 status
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec2.Code)
	}
}

// TestRateLimitMiddleware_RFC7807ErrorFormat verifies that rate limit
// errors return RFC 7807 compliant responses.
func TestRateLimitMiddleware_RFC7807ErrorFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter with very low limits
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		CallerRPS:   1,
		AnonymousRPS:   1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	// Exhaust rate limit
	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Make rate-limited request
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	// Verify Content-Type header
	contentType := rec2.Header().Get("Content-Type")
	if contentType != contentTypeProblemJSON {
		t.Errorf("expected Content-Type %s, got %s", contentTypeProblemJSON, contentType)
	}

	// Parse response body
	var problem map[string]interface{}
	if err := json.Unmarshal(rec2.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	// Verify RFC 7807 fields
	if problem["type"] != "https://genrelay.io/problems/429" {
		t.Errorf("expected type https://genrelay.io/problems/429, got %v", problem["type"])
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("expected title 'Too Many Requests', got %v", problem["title"])
	}

	if problem["status"] != float64(429) {
		t.Errorf("expected status 429, got %v", problem["status"])
	}

	if problem["instance"] != "/api/v1/jobs" {
		t.Errorf("expected instance /api/v1/jobs, got %v", problem["instance"])
	}
}

// TestRateLimitMiddleware_IdentifiedVsAnonymous verifies that
// identified and anonymous requests use different rate limits.
func TestRateLimitMiddleware_IdentifiedVsAnonymous(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: high global, low anonymous, medium caller
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		CallerRPS:   10,
		CallerBurst: 10,
		AnonymousRPS:   2,
		AnonymousBurst: 2,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	// Test anonymous requests (limit: 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("anonymous request %d should succeed, got status %d", i+1, rec.Code)
		}
	}

	// 3rd anonymous request should fail
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd anonymous request should be rate limited, got status %d", rec.Code)
	}

	// Test identified requests (limit: 10, separate from anonymous)
	callerCtx := CallerContext{CallerID: "test-caller", IdentifiedAt: time.Now()}

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		ctx := SetCallerContext(req.Context(), callerCtx)
		req = req.WithContext(ctx)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("identified request %d should succeed, got status %d", i+1, rec.Code)
		}
	}

	// 11th identified request should fail
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := SetCallerContext(req.Context(), callerCtx)
	req = req.WithContext(ctx)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("11th identified request should be rate limited, got status %d", rec.Code)
	}
}
