package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrCallFailed is wrapped by errors returned after the per-call attempt
// budget is exhausted, for transport failures and validation failures
// alike.
var ErrCallFailed = errors.New("llm call failed after maximum attempts")

// ErrValidationRejected additionally marks failures where the last
// attempt produced a response the validator rejected (as opposed to a
// transport error). Callers use this to choose recovery strategies.
var ErrValidationRejected = errors.New("validation rejected response")

// ValidateFunc inspects a raw response and returns whether it is
// acceptable plus a structured diagnostic for the retry prompt when not.
// A panicking validator is treated as an invalid response.
type ValidateFunc func(response string) (bool, any)

// RetryPromptFunc rebuilds the prompt for the second attempt from the
// original prompt and the validator's diagnostic.
type RetryPromptFunc func(originalPrompt string, diagnostic any) string

// Event is the structured notification emitted to listeners on every
// attempt outcome.
type Event struct {
	// Name is "success", "attempt_error", or "error".
	Name string
	// Kind qualifies attempt_error: "transport" or "validation".
	Kind         string
	Attempt      int
	Prompt       string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	Err          error
	Diagnostic   any
	Context      map[string]any
}

// Listener receives gateway events. Listeners must not block.
type Listener func(Event)

// CallOptions parameterises one logical call through the gateway.
type CallOptions struct {
	Validate    ValidateFunc
	RetryPrompt RetryPromptFunc
	// Context is propagated to listeners and to the cache key.
	Context map[string]any
}

// Result is the outcome of a successful SafeCall.
type Result struct {
	Text    string
	Attempt int
	Latency time.Duration
	Usage   Usage
}

// Gateway is the process-wide rate-limited entry point for LLM calls.
// Each logical call goes through at most maxAttempts admissions: the
// first with the original prompt, the second with a caller-supplied
// retry prompt carrying the validator's diagnostic.
type Gateway struct {
	provider    Provider
	limiter     *RateLimiter
	maxAttempts int

	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewGateway creates a gateway over provider with the shared limiter.
// maxAttempts below 1 is clamped to 1.
func NewGateway(provider Provider, limiter *RateLimiter, maxAttempts int) *Gateway {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Gateway{
		provider:    provider,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		listeners:   make(map[string][]Listener),
	}
}

// RegisterListener subscribes fn to events with the given name
// ("success", "attempt_error", "error").
func (g *Gateway) RegisterListener(name string, fn Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners[name] = append(g.listeners[name], fn)
}

func (g *Gateway) emit(ev Event) {
	g.mu.RLock()
	listeners := g.listeners[ev.Name]
	g.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// SafeCall executes one logical LLM call with admission control, the
// single retry policy, and optional response validation. A response the
// validator accepts short-circuits the attempt loop.
func (g *Gateway) SafeCall(ctx context.Context, prompt string, opts CallOptions) (*Result, error) {
	originalPrompt := prompt
	currentPrompt := prompt
	var attemptErrs []error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		start := time.Now()
		estIn := g.limiter.EstimateTokens(currentPrompt)
		if err := g.limiter.Acquire(ctx, estIn); err != nil {
			return nil, fmt.Errorf("rate limiter admission: %w", err)
		}

		response, err := g.provider.Call(ctx, currentPrompt)
		if err != nil {
			// Reservations stay at best-estimate on transport errors.
			g.limiter.Release(-1, -1)
			attemptErrs = append(attemptErrs, err)
			slog.Error("LLM call failed", "attempt", attempt, "max_attempts", g.maxAttempts, "error", err)
			g.emit(Event{Name: "attempt_error", Kind: "transport", Attempt: attempt, Prompt: currentPrompt, Err: err, Context: opts.Context})
			if attempt == g.maxAttempts {
				g.emit(Event{Name: "error", Attempt: attempt, Prompt: originalPrompt, Err: err, Context: opts.Context})
				return nil, fmt.Errorf("%w: %w", ErrCallFailed, errors.Join(attemptErrs...))
			}
			continue
		}

		latency := time.Since(start)
		text := strings.TrimSpace(response.Text)

		actIn, actOut := estIn, len(text)/4
		if response.Usage != nil {
			actIn = response.Usage.InputTokens
			actOut = response.Usage.OutputTokens
		}
		g.limiter.Release(actIn, actOut)

		if opts.Validate != nil {
			isValid, diagnostic := g.runValidator(opts.Validate, text, attempt)
			if !isValid {
				g.emit(Event{Name: "attempt_error", Kind: "validation", Attempt: attempt, Prompt: currentPrompt, Diagnostic: diagnostic, Context: opts.Context})
				if opts.RetryPrompt == nil || attempt == g.maxAttempts {
					g.emit(Event{Name: "error", Attempt: attempt, Prompt: originalPrompt, Diagnostic: diagnostic, Context: opts.Context})
					return nil, fmt.Errorf("%w: %w", ErrCallFailed, ErrValidationRejected)
				}
				currentPrompt = opts.RetryPrompt(originalPrompt, diagnostic)
				continue
			}
		}

		g.emit(Event{
			Name:         "success",
			Attempt:      attempt,
			Prompt:       currentPrompt,
			Latency:      latency,
			InputTokens:  actIn,
			OutputTokens: actOut,
			Context:      opts.Context,
		})
		slog.Debug("LLM call succeeded", "attempt", attempt, "latency", latency)

		return &Result{
			Text:    text,
			Attempt: attempt,
			Latency: latency,
			Usage:   Usage{InputTokens: actIn, OutputTokens: actOut},
		}, nil
	}

	return nil, ErrCallFailed
}

// runValidator invokes the validator, converting a panic into an invalid
// verdict so a broken validator cannot take down the batch worker.
func (g *Gateway) runValidator(validate ValidateFunc, text string, attempt int) (isValid bool, diagnostic any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Validator panicked, treating response as invalid", "attempt", attempt, "panic", r)
			isValid = false
			diagnostic = map[string]any{"validator_panic": fmt.Sprint(r)}
		}
	}()
	return validate(text)
}
