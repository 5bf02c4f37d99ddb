// Package synthesis produces a grounded answer from retrieved evidence by
// trying an ordered chain of providers: external LLM CLIs first, HTTP
// chat-completion endpoints as fallback.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoProviders is returned when the requested order matches no configured
// provider.
var ErrNoProviders = errors.New("no synthesis provider available")

// TimeoutError reports a provider that exceeded its time budget. The
// subprocess (if any) has already been terminated when this is returned.
type TimeoutError struct {
	Provider string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Provider, e.After)
}

// ProviderError wraps a per-provider failure with a bounded snippet of the
// offending output for debugging.
type ProviderError struct {
	Provider string
	Err      error
	Snippet  string
}

func (e *ProviderError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("%s: %v (output: %s)", e.Provider, e.Err, e.Snippet)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is one way to turn a grounded prompt into an answer.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, prompt string) (string, error)
}

// Attempt records the outcome of one chain invocation.
type Attempt struct {
	Provider     string   `json:"provider_name"`
	Succeeded    bool     `json:"succeeded"`
	Answer       string   `json:"answer,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	FallbackUsed bool     `json:"fallback_used"`
	Errors       []string `json:"errors,omitempty"`
}

// Chain holds the configured providers and tries them strictly in order.
// Providers are never raced in parallel: a side-effecting subprocess must not
// be duplicated.
type Chain struct {
	providers map[string]Provider
	order     []string
	log       *zap.Logger
}

// NewChain registers providers in their default order. A nil logger falls
// back to zap.NewNop.
func NewChain(log *zap.Logger, providers ...Provider) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Chain{providers: make(map[string]Provider, len(providers)), log: log}
	for _, p := range providers {
		c.providers[p.Name()] = p
		c.order = append(c.order, p.Name())
	}
	return c
}

// Synthesize tries each provider in the given order (or the registration
// order when order is empty) and stops at the first success. Every failure is
// converted into "try the next provider"; the history is preserved on the
// returned Attempt. On exhaustion the last attempted provider's error is
// returned alongside the failed Attempt.
func (c *Chain) Synthesize(ctx context.Context, prompt string, order []string, sources []string) (*Attempt, error) {
	if len(order) == 0 {
		order = c.order
	}

	attempt := &Attempt{Sources: sources}
	var lastErr error
	attempted := 0

	for i, name := range order {
		p, ok := c.providers[name]
		if !ok {
			attempt.Errors = append(attempt.Errors, fmt.Sprintf("%s: not configured", name))
			continue
		}
		attempted++

		answer, err := p.Synthesize(ctx, prompt)
		if err != nil {
			lastErr = err
			attempt.Errors = append(attempt.Errors, err.Error())
			c.log.Warn("synthesis provider failed, trying next",
				zap.String("provider", name), zap.Error(err))
			continue
		}

		attempt.Provider = name
		attempt.Succeeded = true
		attempt.Answer = answer
		attempt.FallbackUsed = i > 0
		return attempt, nil
	}

	if attempted == 0 {
		return attempt, ErrNoProviders
	}
	return attempt, lastErr
}
