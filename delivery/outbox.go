// Package delivery writes relay frames to viewers over HTTP multipart
// (MJPEG) and WebSocket connections.
package delivery

import (
	"sync"
	"time"

	"camera-stream-relay/relay"
)

// Options tunes a sink.
type Options struct {
	// OutboxSize is the number of frames queued for the writer loop.
	OutboxSize int
	// PushTimeout bounds how long Push waits for outbox space.
	PushTimeout time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	// PingInterval is how often sockets are pinged.
	PingInterval time.Duration
	// PongWait is how long a socket may stay silent before it is dropped.
	PongWait time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		OutboxSize:   4,
		PushTimeout:  50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// outbox is the bounded queue between the session loop and a writer loop.
// The frames channel is never closed; closed and gone signal the two ends.
type outbox struct {
	frames  chan relay.Frame
	timeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	cause     error

	gone     chan struct{}
	goneOnce sync.Once
}

func newOutbox(size int, timeout time.Duration) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{
		frames:  make(chan relay.Frame, size),
		timeout: timeout,
		closed:  make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

func (o *outbox) push(f relay.Frame) error {
	select {
	case <-o.gone:
		return relay.ErrPeerClosed
	case <-o.closed:
		return relay.ErrPeerClosed
	default:
	}

	select {
	case o.frames <- f:
		return nil
	default:
	}

	t := time.NewTimer(o.timeout)
	defer t.Stop()
	select {
	case o.frames <- f:
		return nil
	case <-o.gone:
		return relay.ErrPeerClosed
	case <-t.C:
		return relay.ErrTimeout
	}
}

// close stops the writer loop. The first cause wins.
func (o *outbox) close(cause error) {
	o.closeOnce.Do(func() {
		o.cause = cause
		close(o.closed)
	})
}

// peerGone records that the viewer went away.
func (o *outbox) peerGone() {
	o.goneOnce.Do(func() {
		close(o.gone)
	})
}
