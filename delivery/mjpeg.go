package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"camera-stream-relay/relay"
)

// Boundary separates the parts of an MJPEG response.
const Boundary = "frame"

// MJPEGContentType is the response content type of an MJPEG stream.
const MJPEGContentType = "multipart/x-mixed-replace; boundary=" + Boundary

var errStreamingUnsupported = errors.New("response writer does not support flushing")

// MJPEGSink streams frames as one multipart/x-mixed-replace response.
type MJPEGSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	timeout time.Duration
	box     *outbox
	logger  *log.Entry
}

// NewMJPEGSink wraps w. It fails when w cannot be flushed.
func NewMJPEGSink(w http.ResponseWriter, opts Options, logger *log.Entry) (*MJPEGSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &MJPEGSink{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		timeout: opts.WriteTimeout,
		box:     newOutbox(opts.OutboxSize, opts.PushTimeout),
		logger:  logger,
	}, nil
}

func (s *MJPEGSink) Push(f relay.Frame) error {
	return s.box.push(f)
}

func (s *MJPEGSink) Close(cause error) {
	s.box.close(cause)
}

// Closed is closed once the session let go of the sink.
func (s *MJPEGSink) Closed() <-chan struct{} {
	return s.box.closed
}

// Run writes the response headers and then every queued frame until the
// sink is closed, the request context ends or a write fails. It returns nil
// after a normal stop, the terminal cause after an upstream failure and
// relay.ErrPeerClosed when the viewer went away.
func (s *MJPEGSink) Run(ctx context.Context) error {
	h := s.w.Header()
	h.Set("Content-Type", MJPEGContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()

	// A detached viewer may be stuck in a write to a full socket; expire the
	// write so Run can return.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.box.closed:
			if s.box.cause != nil {
				s.setWriteDeadline(time.Now())
			}
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.box.peerGone()
			return relay.ErrPeerClosed
		case <-s.box.closed:
			return s.box.cause
		case f := <-s.box.frames:
			if err := s.writePart(f.Data); err != nil {
				s.logger.WithError(err).Debug("mjpeg viewer disconnected")
				s.box.peerGone()
				return relay.ErrPeerClosed
			}
		}
	}
}

func (s *MJPEGSink) writePart(jpeg []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if s.timeout > 0 {
		if err := s.setWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if _, err := s.w.Write([]byte(header)); err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	if _, err := s.w.Write(jpeg); err != nil {
		return fmt.Errorf("write part body: %w", err)
	}
	if _, err := s.w.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("write part trailer: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *MJPEGSink) setWriteDeadline(t time.Time) error {
	err := s.rc.SetWriteDeadline(t)
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
