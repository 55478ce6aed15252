// Package tor coordinates network identity rotation on the anonymity
// network and builds the SOCKS dialer used for anonymous traffic.
//
// A single Coordinator is shared by every worker in the process. Workers call
// WaitForCooldown before each request and RequestRotation when they are rate
// limited; the coordinator makes sure at most one rotation is in flight.
package tor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/metrics"
)

const (
	DefaultMinInterval    = 30 * time.Second
	DefaultStabilizeDelay = 20 * time.Second
)

// State is the coordinator's rotation phase.
type State int

const (
	Idle State = iota
	Rotating
	Stabilizing
)

func (s State) String() string {
	switch s {
	case Rotating:
		return "rotating"
	case Stabilizing:
		return "stabilizing"
	default:
		return "idle"
	}
}

// Signaler asks the anonymity network for a new identity.
type Signaler interface {
	NewIdentity(ctx context.Context) error
}

// Clock is the coordinator's time source. Sleep returns early with the
// context error when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option { return func(co *Coordinator) { co.clock = c } }

// WithMinInterval sets the shortest gap between two successful rotations.
func WithMinInterval(d time.Duration) Option { return func(co *Coordinator) { co.minInterval = d } }

// WithStabilizeDelay sets how long traffic waits after a rotation.
func WithStabilizeDelay(d time.Duration) Option { return func(co *Coordinator) { co.stabilize = d } }

// WithLogger sets the logger. nil means slog.Default().
func WithLogger(l *slog.Logger) Option { return func(co *Coordinator) { co.logger = l } }

// Coordinator serialises identity rotations and holds workers back while a
// fresh circuit settles. It is safe for concurrent use.
type Coordinator struct {
	signaler    Signaler
	clock       Clock
	minInterval time.Duration
	stabilize   time.Duration
	logger      *slog.Logger

	// rotate is held for the whole rotation; callers that cannot take it
	// return immediately.
	rotate sync.Mutex

	mu           sync.Mutex
	state        State
	lastRotation time.Time
	cleared      chan struct{} // non-nil while cooldown is active
}

// NewCoordinator returns an idle coordinator that rotates through signaler.
func NewCoordinator(signaler Signaler, opts ...Option) *Coordinator {
	c := &Coordinator{
		signaler:    signaler,
		clock:       RealClock,
		minInterval: DefaultMinInterval,
		stabilize:   DefaultStabilizeDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.Or(c.logger)
	return c
}

// RequestRotation rotates the network identity unless another rotation is in
// flight or the last successful one is younger than the minimum interval. It
// reports whether a rotation actually happened.
func (c *Coordinator) RequestRotation(ctx context.Context) bool {
	if c == nil {
		return false
	}
	if !c.rotate.TryLock() {
		metrics.Global.IncrementRotationsSkipped()
		return false
	}
	defer c.rotate.Unlock()

	c.mu.Lock()
	if !c.lastRotation.IsZero() && c.clock.Now().Sub(c.lastRotation) < c.minInterval {
		c.mu.Unlock()
		metrics.Global.IncrementRotationsSkipped()
		c.logger.Debug("rotation skipped, minimum interval not elapsed", "last", c.lastRotation)
		return false
	}
	c.state = Rotating
	c.cleared = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("rotating network identity")
	if err := c.signaler.NewIdentity(ctx); err != nil {
		metrics.Global.IncrementRotationFailures()
		c.logger.Warn("identity rotation failed, continuing with current identity", "error", err)
		c.clearCooldown()
		return false
	}

	c.mu.Lock()
	c.state = Stabilizing
	c.lastRotation = c.clock.Now()
	c.mu.Unlock()

	if err := c.clock.Sleep(ctx, c.stabilize); err != nil {
		c.logger.Debug("stabilization cut short", "error", err)
	}
	c.clearCooldown()

	metrics.Global.IncrementRotations()
	c.logger.Info("network identity rotated")
	return true
}

func (c *Coordinator) clearCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	if c.cleared != nil {
		close(c.cleared)
		c.cleared = nil
	}
}

// WaitForCooldown blocks until no rotation is in flight or stabilizing. It
// never holds the rotation lock.
func (c *Coordinator) WaitForCooldown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	ch := c.cleared
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) LastRotation() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRotation
}
