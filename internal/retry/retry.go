package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/deusflow/harvester/internal/news"
)

// Reason says why an attempt failed and picks the backoff schedule.
type Reason int

const (
	// Terminal failures are not retried.
	Terminal Reason = iota
	// Transient covers timeouts and other transport errors.
	Transient
	// RateLimited covers HTTP 429 and 503.
	RateLimited
)

// Classify maps a failure to its retry reason.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return Terminal
	case errors.Is(err, news.ErrRateLimited):
		return RateLimited
	case errors.Is(err, news.ErrTimeout), errors.Is(err, news.ErrTransport), errors.Is(err, news.ErrHeaderTooLarge):
		return Transient
	default:
		return Terminal
	}
}

// Jitter is a uniform random delay in [Min, Max].
type Jitter struct {
	Min, Max time.Duration
}

// Policy decides how often and how long to back off after a failed attempt.
// Sleep and Rand are replaceable for tests.
type Policy struct {
	MaxRetries int

	TransientBase   time.Duration
	TransientJitter Jitter

	RateLimitBase   time.Duration
	RateLimitJitter Jitter

	// BeforeBackoff runs before sleeping on a rate-limited attempt.
	BeforeBackoff func(ctx context.Context, attempt int)

	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// Default: 3 retries, 5s·2^n for transport errors and 10s·2^n with a wider
// jitter band for rate limiting.
func Default() Policy {
	return Policy{
		MaxRetries:      3,
		TransientBase:   5 * time.Second,
		TransientJitter: Jitter{0, time.Second},
		RateLimitBase:   10 * time.Second,
		RateLimitJitter: Jitter{2 * time.Second, 5 * time.Second},
	}
}

// Backoff is the delay before retry attempt+1, without jitter. attempt is
// zero based.
func (p Policy) Backoff(attempt int, reason Reason) time.Duration {
	var base time.Duration
	switch reason {
	case Transient:
		base = p.TransientBase
	case RateLimited:
		base = p.RateLimitBase
	default:
		return 0
	}
	return base * time.Duration(1<<uint(attempt))
}

// Delay is Backoff plus jitter.
func (p Policy) Delay(attempt int, reason Reason) time.Duration {
	d := p.Backoff(attempt, reason)
	if reason == Terminal {
		return 0
	}
	j := p.TransientJitter
	if reason == RateLimited {
		j = p.RateLimitJitter
	}
	if j.Max > j.Min {
		d += j.Min + time.Duration(p.rand()*float64(j.Max-j.Min))
	} else {
		d += j.Min
	}
	return d
}

func (p Policy) rand() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails terminally or the retries run out.
// fn receives the zero based attempt number.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		reason := Classify(err)
		if reason == Terminal {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		if reason == RateLimited && p.BeforeBackoff != nil {
			p.BeforeBackoff(ctx, attempt)
		}
		if err := p.sleep(ctx, p.Delay(attempt, reason)); err != nil {
			return fmt.Errorf("retry interrupted: %w", err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxRetries+1, lastErr)
}

type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     bool // Exponential backoff
}

// WithRetry retries fn on any error with a fixed or linearly growing delay.
// It is used for calls that have no failure taxonomy, such as archive writes.
func WithRetry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err

			if attempt == config.MaxAttempts {
				return fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, err)
			}

			delay := config.Delay
			if config.Backoff {
				delay = time.Duration(attempt) * config.Delay
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
		return nil
	}

	return lastErr
}
