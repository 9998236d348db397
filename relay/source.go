package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Handle is one open decode handle against an upstream source.
type Handle interface {
	// ReadFrame blocks until the next decoded frame is available.
	ReadFrame(ctx context.Context) (RawFrame, error)
	// Close releases the native resources. It must be safe to call twice.
	Close() error
}

// Opener opens decode handles for camera targets.
type Opener interface {
	Open(ctx context.Context, target CameraTarget) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, target CameraTarget) (Handle, error)

func (f OpenerFunc) Open(ctx context.Context, target CameraTarget) (Handle, error) {
	return f(ctx, target)
}

// SourceState is the lifecycle state of a SourceConnection.
type SourceState int

const (
	SourceClosed SourceState = iota
	SourceOpening
	SourceOpen
	SourceReading
	SourceReconnecting
)

func (s SourceState) String() string {
	switch s {
	case SourceClosed:
		return "closed"
	case SourceOpening:
		return "opening"
	case SourceOpen:
		return "open"
	case SourceReading:
		return "reading"
	case SourceReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SourceConfig controls how a SourceConnection opens and retries.
type SourceConfig struct {
	// OpenTimeout bounds a single open attempt.
	OpenTimeout time.Duration
	// RetryBudget is the number of consecutive failures tolerated before the
	// source is declared unreachable.
	RetryBudget int
	// ReconnectDelay is slept between a failure and the next open attempt.
	ReconnectDelay time.Duration
}

// DefaultSourceConfig returns the production defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		OpenTimeout:    10 * time.Second,
		RetryBudget:    5,
		ReconnectDelay: 0,
	}
}

// SourceConnection owns the decode handle of one camera. It is not safe for
// concurrent reads; only the owning session reads from it. Close may be
// called from any goroutine.
type SourceConnection struct {
	target   CameraTarget
	opener   Opener
	cfg      SourceConfig
	observer Observer
	logger   *log.Entry

	mu         sync.Mutex
	handle     Handle
	state      SourceState
	failures   int
	reconnects int
	lastErr    error
}

// NewSourceConnection creates a closed connection for target.
func NewSourceConnection(target CameraTarget, opener Opener, cfg SourceConfig, observer Observer) *SourceConnection {
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &SourceConnection{
		target:   target,
		opener:   opener,
		cfg:      cfg,
		observer: observer,
		logger:   log.WithField("camera", target.ID),
	}
}

// Open establishes the first decode handle, retrying within the budget.
func (c *SourceConnection) Open(ctx context.Context) error {
	c.setState(SourceOpening)
	for {
		err := c.openOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			c.setState(SourceClosed)
			return ctx.Err()
		}
		if exhausted := c.recordFailure(err); exhausted != nil {
			return exhausted
		}
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *SourceConnection) openOnce(ctx context.Context) error {
	openCtx := ctx
	if c.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, c.cfg.OpenTimeout)
		defer cancel()
	}

	h, err := c.opener.Open(openCtx, c.target)
	if err != nil {
		if !errors.Is(err, ErrUnreachable) {
			err = fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return err
	}

	c.mu.Lock()
	if c.state == SourceClosed {
		// Close raced with the open attempt.
		c.mu.Unlock()
		_ = h.Close()
		return ErrSessionStopped
	}
	c.handle = h
	c.state = SourceOpen
	c.mu.Unlock()

	c.logger.WithField("uri", c.target.RedactedURI()).Info("upstream source opened")
	return nil
}

// ReadFrame returns the next decoded frame. Read failures are absorbed by
// closing the failed handle and reopening it; only an exhausted retry budget
// or a cancelled context is returned to the caller.
func (c *SourceConnection) ReadFrame(ctx context.Context) (RawFrame, error) {
	for {
		c.mu.Lock()
		h := c.handle
		if h != nil {
			c.state = SourceReading
		}
		c.mu.Unlock()

		if h == nil {
			if err := c.reopen(ctx); err != nil {
				return RawFrame{}, err
			}
			continue
		}

		raw, err := h.ReadFrame(ctx)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return RawFrame{}, ctx.Err()
		}
		if err := c.Fail(err); err != nil {
			return RawFrame{}, err
		}
	}
}

// Fail records a failure of the current handle and drops it so the next
// ReadFrame reopens the source. It returns a non-nil error once the retry
// budget is exhausted.
func (c *SourceConnection) Fail(cause error) error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	if c.state != SourceClosed {
		c.state = SourceReconnecting
	}
	c.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	return c.recordFailure(cause)
}

func (c *SourceConnection) reopen(ctx context.Context) error {
	if err := c.sleep(ctx); err != nil {
		return err
	}
	for {
		err := c.openOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			c.observer.SourceReconnected(c.target.ID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSessionStopped) {
			return err
		}
		if exhausted := c.recordFailure(err); exhausted != nil {
			return exhausted
		}
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *SourceConnection) recordFailure(cause error) error {
	c.mu.Lock()
	c.failures++
	c.lastErr = cause
	failures := c.failures
	c.mu.Unlock()

	entry := c.logger.WithError(cause).WithField("failures", failures)
	if failures > c.cfg.RetryBudget {
		entry.Error("upstream source failed beyond retry budget")
		c.Close()
		return fmt.Errorf("%w after %d consecutive failures: %v", ErrRetryBudgetExhausted, failures, cause)
	}
	entry.Warn("upstream source failed, reconnecting")
	return nil
}

func (c *SourceConnection) sleep(ctx context.Context) error {
	if c.cfg.ReconnectDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Healthy resets the consecutive failure count once a frame has made it all
// the way through the pipeline.
func (c *SourceConnection) Healthy() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// Close releases the current handle. It is idempotent.
func (c *SourceConnection) Close() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.state = SourceClosed
	c.mu.Unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

func (c *SourceConnection) setState(s SourceState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *SourceConnection) State() SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns how many times the source was reopened after a failure.
func (c *SourceConnection) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// LastError returns the most recent failure, if any.
func (c *SourceConnection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
