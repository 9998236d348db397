package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned when an upstream source cannot be opened.
	ErrUnreachable = errors.New("upstream unreachable")

	// ErrEndOfStream is returned when the upstream read returns no data.
	ErrEndOfStream = errors.New("end of stream")

	// ErrUnsupported is returned when a raw frame cannot be encoded.
	ErrUnsupported = errors.New("unsupported frame format")

	// ErrPeerClosed is returned by a sink whose client went away.
	ErrPeerClosed = errors.New("peer closed")

	// ErrTimeout is returned by a sink that could not accept a frame in time.
	ErrTimeout = errors.New("delivery timeout")

	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrSessionStopped       = errors.New("session stopped")
	ErrTargetChanged        = errors.New("camera target changed")
	ErrRegistryClosed       = errors.New("registry closed")
	ErrNotFound             = errors.New("session not found")
)

// TerminalError is handed to every subscriber of a session that stopped
// because its upstream source failed for good.
type TerminalError struct {
	CameraID string
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("camera %s: stream terminated: %v", e.CameraID, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}
