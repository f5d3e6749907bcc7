package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/connwatch/reporter/internal/breaker"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassRetryable Class = iota
	ClassTerminal
)

// TerminalError marks a failure that retrying cannot fix, such as a
// rejected payload or a revoked credential.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err so Classify treats it as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Patterns that indicate the far side rejected us outright. Everything not
// matched here defaults to retryable.
var terminalPatterns = []string{
	"permission",
	"unauthorized",
	"forbidden",
	"quota",
	"invalid",
	"context invalidated",
}

// Classify buckets an error as terminal or retryable. Errors exposing a
// Terminal() bool method (transport and storage errors do) classify
// themselves; otherwise the message is matched against known terminal
// patterns.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var te *TerminalError
	if errors.As(err, &te) {
		return ClassTerminal
	}

	var self interface{ Terminal() bool }
	if errors.As(err, &self) {
		if self.Terminal() {
			return ClassTerminal
		}
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range terminalPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTerminal
		}
	}

	return ClassRetryable
}

// Policy retries an operation with exponential backoff and uniform jitter.
// The zero value is not usable; construct with New.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	jitterMax   time.Duration

	clk    clock.Clock
	logger *slog.Logger
}

type Option func(*Policy)

// WithClock replaces the wall clock used for backoff sleeps.
func WithClock(clk clock.Clock) Option {
	return func(p *Policy) {
		p.clk = clk
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = log
	}
}

// WithJitterMax bounds the uniform jitter added to every backoff delay.
// Zero disables jitter, which tests rely on for deterministic timing.
func WithJitterMax(d time.Duration) Option {
	return func(p *Policy) {
		p.jitterMax = d
	}
}

// New returns a policy that attempts an operation maxAttempts+1 times total,
// sleeping baseDelay * 2^attempt plus jitter between attempts.
func New(maxAttempts int, baseDelay time.Duration, opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		jitterMax:   time.Second,
		clk:         clock.New(),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Do runs op until it succeeds, turns terminal, or the attempt budget is
// spent, in which case the last observed error is returned. breaker.ErrOpen
// is never retried here: it propagates immediately so the caller can queue
// the work instead.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, breaker.ErrOpen) {
			return err
		}

		if Classify(err) == ClassTerminal {
			p.logger.Debug("terminal error, not retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}

		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}

		if attempt == p.maxAttempts {
			break
		}

		delay := p.backoff(attempt)
		p.logger.Debug("operation failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-p.clk.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}

	return lastErr
}

// backoff computes baseDelay * 2^attempt + uniform jitter.
func (p *Policy) backoff(attempt int) time.Duration {
	delay := p.baseDelay << uint(attempt)
	if p.jitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(p.jitterMax)))
	}
	return delay
}
