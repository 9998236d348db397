package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camera-stream-relay/relay"
)

// Close codes sent to socket viewers in addition to the RFC 6455 ones.
const (
	CloseUnknownCamera = 4404
)

// Control frames carry at most 125 bytes, two of which hold the code.
const maxCloseReason = 123

// readLimit caps client messages; viewers only send control frames.
const readLimit = 512

// SocketSink streams frames as binary WebSocket messages.
type SocketSink struct {
	conn   *websocket.Conn
	opts   Options
	box    *outbox
	logger *log.Entry
}

// NewSocketSink wraps an upgraded connection.
func NewSocketSink(conn *websocket.Conn, opts Options, logger *log.Entry) *SocketSink {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &SocketSink{
		conn:   conn,
		opts:   opts,
		box:    newOutbox(opts.OutboxSize, opts.PushTimeout),
		logger: logger,
	}
}

func (s *SocketSink) Push(f relay.Frame) error {
	return s.box.push(f)
}

func (s *SocketSink) Close(cause error) {
	s.box.close(cause)
}

// Closed is closed once the session let go of the sink.
func (s *SocketSink) Closed() <-chan struct{} {
	return s.box.closed
}

// Run pumps frames to the viewer until the sink is closed or the viewer goes
// away. The connection is closed when Run returns. Return values follow
// MJPEGSink.Run.
func (s *SocketSink) Run(ctx context.Context) error {
	defer s.conn.Close()
	go s.readPump()

	ping := s.opts.PingInterval
	if ping <= 0 {
		ping = DefaultOptions().PingInterval
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.box.peerGone()
			WriteClose(s.conn, websocket.CloseGoingAway, "server shutting down", s.opts.WriteTimeout)
			return relay.ErrPeerClosed
		case <-s.box.gone:
			return relay.ErrPeerClosed
		case <-s.box.closed:
			code, reason := closeStatus(s.box.cause)
			WriteClose(s.conn, code, reason, s.opts.WriteTimeout)
			return s.box.cause
		case f := <-s.box.frames:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				s.logger.WithError(err).Debug("socket write failed")
				s.box.peerGone()
				return relay.ErrPeerClosed
			}
		case <-ticker.C:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.box.peerGone()
				return relay.ErrPeerClosed
			}
		}
	}
}

func (s *SocketSink) setWriteDeadline() {
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
}

// readPump discards viewer messages and notices when the viewer leaves.
func (s *SocketSink) readPump() {
	defer s.box.peerGone()

	s.conn.SetReadLimit(readLimit)
	if s.opts.PongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		})
	}

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Warn("socket read failed")
			}
			return
		}
	}
}

func closeStatus(cause error) (int, string) {
	switch {
	case cause == nil:
		return websocket.CloseGoingAway, "stream stopped"
	case errors.Is(cause, relay.ErrTimeout):
		return websocket.CloseTryAgainLater, "viewer too slow"
	default:
		return websocket.CloseInternalServerErr, cause.Error()
	}
}

// WriteClose sends a close frame and gives up after timeout.
func WriteClose(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	if len(reason) > maxCloseReason {
		reason = strings.ToValidUTF8(reason[:maxCloseReason], "")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}
