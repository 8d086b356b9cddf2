// Package retry implements the exponential-backoff-with-jitter policy
// that guards every outbound VRS call, flattening the Rust source's
// generic wrapper stack (ExponentialBackoffRetryPolicy wrapped in
// MaxAttemptsRetryPolicy wrapped in MaxTotalDelayRetryPolicy wrapped in
// JitteredRetryPolicy wrapped in FilteredRetryPolicy, see
// store_builder.rs) into one configurable Go type.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Classification describes whether a failure is worth retrying.
type Classification int

const (
	// Retryable failures are transient: transport errors, internal
	// backend errors, timeouts.
	Retryable Classification = iota
	// NonRetryable failures will never succeed on replay: NOT_FOUND,
	// INVALID_ARGUMENT, CONFLICT.
	NonRetryable
)

// Classifier decides whether an error returned by the wrapped operation
// should be retried.
type Classifier func(error) Classification

// DefaultClassifier marks any error matching one of the given sentinels
// as non-retryable (callers pass the §7 kinds that are never retried);
// everything else is retryable. With no sentinels, every error retries.
func DefaultClassifier(nonRetryable ...error) Classifier {
	return func(err error) Classification {
		for _, sentinel := range nonRetryable {
			if errors.Is(err, sentinel) {
				return NonRetryable
			}
		}
		return Retryable
	}
}

// Policy bounds retries of an operation by attempt count, total elapsed
// delay, and per-attempt jitter, doubling the base delay on each
// subsequent attempt.
type Policy struct {
	MaxAttempts    int
	MaxTotalDelay  time.Duration
	MaxJitter      time.Duration
	BaseDelay      time.Duration
	Classify       Classifier

	// rand is overridable in tests for deterministic jitter.
	rand func() time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts overrides the default of 10 attempts.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

// WithMaxTotalDelay overrides the default cap of 40s of cumulative sleep.
func WithMaxTotalDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxTotalDelay = d }
}

// WithMaxJitter overrides the default 10ms jitter ceiling.
func WithMaxJitter(d time.Duration) Option {
	return func(p *Policy) { p.MaxJitter = d }
}

// WithBaseDelay overrides the default 100ms starting delay, which
// doubles on every subsequent attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

// WithClassifier overrides the default retry/no-retry classification.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) { p.Classify = c }
}

// New builds a Policy with the spec defaults (10 attempts, 40s total
// delay cap, 10ms jitter cap, 100ms base delay), applying opts in order.
func New(opts ...Option) *Policy {
	p := &Policy{
		MaxAttempts:   10,
		MaxTotalDelay: 40 * time.Second,
		MaxJitter:     10 * time.Millisecond,
		BaseDelay:     100 * time.Millisecond,
		Classify:      DefaultClassifier(),
		rand:          func() time.Duration { return time.Duration(rand.Int63()) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs fn, retrying on retryable errors until MaxAttempts is
// exhausted, MaxTotalDelay of cumulative sleep has been spent, or ctx is
// canceled. Classification is applied before sleeping, so a
// non-retryable error returns immediately.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := p.BaseDelay
	var totalDelay time.Duration

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Classify(lastErr) == NonRetryable {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.MaxJitter > 0 {
			sleep += time.Duration(int64(p.rand()) % int64(p.MaxJitter+1))
		}
		if totalDelay+sleep > p.MaxTotalDelay {
			break
		}
		totalDelay += sleep

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}
	return lastErr
}
