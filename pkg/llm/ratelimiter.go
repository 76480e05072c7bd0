// Package llm provides the rate-limited LLM gateway: token-aware
// admission control, a single retry policy with validation hooks, and
// provider bindings.
package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// admissionPollInterval is how long a blocked caller sleeps between
// sliding-window re-checks.
const admissionPollInterval = 250 * time.Millisecond

// windowSize is the sliding-window width for all three budgets.
const windowSize = 60 * time.Second

type windowEntry struct {
	at     time.Time
	amount int
}

// RateLimiter enforces requests/minute, input-tokens/minute, and
// output-tokens/minute over 60-second sliding windows, plus a concurrency
// gate. It is the only process-wide mutable state in the engine;
// construct it once at startup and pass it into the gateway.
type RateLimiter struct {
	maxRPM         int
	maxInputTok    int
	maxOutputTok   int
	modelMaxTokens int

	mu          sync.Mutex
	reqTimes    []windowEntry
	inTokTimes  []windowEntry
	outTokTimes []windowEntry

	sem *semaphore.Weighted

	// now is swappable for tests.
	now func() time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	MaxRequestsPerMinute     int
	MaxInputTokensPerMinute  int
	MaxOutputTokensPerMinute int
	MaxConcurrentRequests    int
	ModelMaxTokens           int
}

// NewRateLimiter creates a rate limiter with the given budgets.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		maxRPM:         cfg.MaxRequestsPerMinute,
		maxInputTok:    cfg.MaxInputTokensPerMinute,
		maxOutputTok:   cfg.MaxOutputTokensPerMinute,
		modelMaxTokens: cfg.ModelMaxTokens,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		now:            time.Now,
	}
}

// EstimateTokens returns a rough token count for text. Without a model
// tokenizer the 4-chars-per-token heuristic applies.
func (r *RateLimiter) EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Acquire blocks until one request slot plus the estimated input and
// output token budgets fit inside the sliding windows, then reserves all
// three. The output reservation is modelMaxTokens/2 — a best-effort
// estimate corrected by Release. The concurrency slot is acquired before
// the token windows are checked and held for the entire call.
//
// Returns the caller's context error if cancelled while waiting.
func (r *RateLimiter) Acquire(ctx context.Context, estInputTokens int) error {
	estOutputTokens := r.modelMaxTokens / 2

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	for {
		if r.tryReserve(estInputTokens, estOutputTokens) {
			return nil
		}

		select {
		case <-ctx.Done():
			r.sem.Release(1)
			return ctx.Err()
		case <-time.After(admissionPollInterval):
		}
	}
}

// tryReserve atomically checks all three windows and appends the
// reservations when they fit.
func (r *RateLimiter) tryReserve(estIn, estOut int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.purgeOld(now)

	if !within(r.reqTimes, r.maxRPM, 1) ||
		!within(r.inTokTimes, r.maxInputTok, estIn) ||
		!within(r.outTokTimes, r.maxOutputTok, estOut) {
		return false
	}

	r.reqTimes = append(r.reqTimes, windowEntry{now, 1})
	r.inTokTimes = append(r.inTokTimes, windowEntry{now, estIn})
	r.outTokTimes = append(r.outTokTimes, windowEntry{now, estOut})
	return true
}

// Release frees the concurrency slot and, when actual usage is known,
// rewrites the latest reservations in place. Pass a negative value to
// keep the estimate (e.g. after a transport error).
func (r *RateLimiter) Release(actualInputTokens, actualOutputTokens int) {
	r.sem.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if actualInputTokens >= 0 && len(r.inTokTimes) > 0 {
		r.inTokTimes[len(r.inTokTimes)-1].amount = actualInputTokens
	}
	if actualOutputTokens >= 0 && len(r.outTokTimes) > 0 {
		r.outTokTimes[len(r.outTokTimes)-1].amount = actualOutputTokens
	}
}

// WindowUsage returns the current sliding-window sums, mainly for tests
// and diagnostics.
func (r *RateLimiter) WindowUsage() (requests, inputTokens, outputTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeOld(r.now())
	return total(r.reqTimes), total(r.inTokTimes), total(r.outTokTimes)
}

func (r *RateLimiter) purgeOld(now time.Time) {
	cutoff := now.Add(-windowSize)
	r.reqTimes = trim(r.reqTimes, cutoff)
	r.inTokTimes = trim(r.inTokTimes, cutoff)
	r.outTokTimes = trim(r.outTokTimes, cutoff)
}

func trim(entries []windowEntry, cutoff time.Time) []windowEntry {
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	return entries[i:]
}

func within(entries []windowEntry, limit, add int) bool {
	return total(entries)+add <= limit
}

func total(entries []windowEntry) int {
	sum := 0
	for _, e := range entries {
		sum += e.amount
	}
	return sum
}
