package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDecode = errors.New("decode failed")

// fakeOpener hands out in-memory handles and tracks how many are open at the
// same time.
type fakeOpener struct {
	mu sync.Mutex
	// failOpens makes the first n Open calls fail.
	failOpens int
	// alwaysFail makes every Open call fail.
	alwaysFail bool
	// frames is served by each handle before it reports end of stream, 0 for
	// unlimited.
	frames int

	opens     int
	active    int
	maxActive int
}

func (o *fakeOpener) Open(ctx context.Context, target CameraTarget) (Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.alwaysFail || o.opens <= o.failOpens {
		return nil, errors.New("connection refused")
	}
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	return &fakeHandle{opener: o, frames: o.frames}, nil
}

func (o *fakeOpener) stats() (opens, active, maxActive int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens, o.active, o.maxActive
}

type fakeHandle struct {
	opener *fakeOpener
	frames int

	mu     sync.Mutex
	served int
	closed bool
}

func (h *fakeHandle) ReadFrame(ctx context.Context) (RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return RawFrame{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || (h.frames > 0 && h.served >= h.frames) {
		return RawFrame{}, ErrEndOfStream
	}
	h.served++
	return RawFrame{
		Width:      4,
		Height:     2,
		Format:     PixelFormatGray8,
		Data:       make([]byte, 8),
		CapturedAt: time.Now(),
	}, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.opener.mu.Lock()
	h.opener.active--
	h.opener.mu.Unlock()
	return nil
}

type stubEncoder struct {
	err error
}

func (e stubEncoder) Encode(raw RawFrame, quality int) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

// recordingSink keeps every pushed frame and the close cause.
type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	cause  error
	// delay and err make Push slow or failing.
	delay time.Duration
	err   error
	calls int
}

func (s *recordingSink) Push(f Frame) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) closedWith() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.cause
}

func (s *recordingSink) pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testTarget(id string) CameraTarget {
	return CameraTarget{ID: id, Host: "10.0.0.5", Port: 554, Username: "admin", Password: "secret"}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Source: SourceConfig{
			OpenTimeout: time.Second,
			RetryBudget: 3,
		},
		FrameInterval:      time.Millisecond,
		Quality:            80,
		EncodeFailureLimit: 3,
	}
}
