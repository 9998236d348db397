package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink receives the frames of one subscriber.
type Sink interface {
	// Push hands a frame to the subscriber. It must return within a bounded
	// time; any error detaches the subscriber.
	Push(f Frame) error
	// Close tells the subscriber no more frames will arrive. cause is nil for
	// a normal stop and a *TerminalError when the upstream failed for good.
	Close(cause error)
}

// SessionConfig controls the read-encode-publish loop.
type SessionConfig struct {
	Source SourceConfig
	// FrameInterval is the minimum time between two published frames.
	FrameInterval time.Duration
	// Quality is the JPEG quality, 1..100.
	Quality int
	// EncodeFailureLimit consecutive encode failures are treated as a
	// source failure. Zero disables the escalation.
	EncodeFailureLimit int
}

// DefaultSessionConfig returns the production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Source:             DefaultSourceConfig(),
		FrameInterval:      100 * time.Millisecond,
		Quality:            80,
		EncodeFailureLimit: 10,
	}
}

// SessionStats is a point in time view of a session.
type SessionStats struct {
	CameraID      string    `json:"camera_id"`
	SourceURI     string    `json:"source_uri"`
	State         string    `json:"state"`
	SourceState   string    `json:"source_state"`
	Subscribers   int       `json:"subscribers"`
	FramesEncoded uint64    `json:"frames_encoded"`
	FramesDropped uint64    `json:"frames_dropped"`
	LastSeq       uint64    `json:"last_seq"`
	LastFrameAt   time.Time `json:"last_frame_at,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	Reconnects    int       `json:"reconnects"`
	Error         string    `json:"error,omitempty"`
}

type subscriber struct {
	id        string
	transport string
	sink      Sink
}

// Session reads one camera and publishes encoded frames to its subscribers.
type Session struct {
	target   CameraTarget
	cfg      SessionConfig
	source   *SourceConnection
	encoder  Encoder
	observer Observer
	logger   *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	// after, when set, delays opening the source until it is closed.
	after     <-chan struct{}
	onStopped func(*Session)

	mu            sync.Mutex
	state         State
	subscribers   map[string]*subscriber
	seq           uint64
	last          *Frame
	err           error
	stopCause     error
	startedAt     time.Time
	framesEncoded uint64
	framesDropped uint64
}

// NewSession creates a session for target. It does nothing until Start.
func NewSession(target CameraTarget, opener Opener, encoder Encoder, cfg SessionConfig, observer Observer) *Session {
	if observer == nil {
		observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		target:      target,
		cfg:         cfg,
		source:      NewSourceConnection(target, opener, cfg.Source, observer),
		encoder:     encoder,
		observer:    observer,
		logger:      log.WithField("camera", target.ID),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[string]*subscriber),
	}
}

// Start launches the session goroutine.
func (s *Session) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.observer.SessionStateChanged(s.target.ID, StateStarting, nil)
	go s.run()
}

func (s *Session) run() {
	defer s.finish()

	if s.after != nil {
		select {
		case <-s.after:
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return
		}
	}

	if err := s.source.Open(s.ctx); err != nil {
		s.fail(err)
		return
	}

	encodeFailures := 0
	for {
		started := time.Now()

		raw, err := s.source.ReadFrame(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}

		data, err := s.encoder.Encode(raw, s.cfg.Quality)
		if err != nil {
			encodeFailures++
			s.dropped("encode")
			s.logger.WithError(err).Warn("dropping frame that failed to encode")
			if s.cfg.EncodeFailureLimit > 0 && encodeFailures >= s.cfg.EncodeFailureLimit {
				encodeFailures = 0
				if err := s.source.Fail(err); err != nil {
					s.fail(err)
					return
				}
			}
			continue
		}
		encodeFailures = 0

		s.publish(data, raw.CapturedAt)
		s.source.Healthy()

		if !s.pace(started) {
			s.fail(s.ctx.Err())
			return
		}
	}
}

func (s *Session) pace(started time.Time) bool {
	wait := s.cfg.FrameInterval - time.Since(started)
	if wait <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) publish(data []byte, capturedAt time.Time) {
	s.mu.Lock()
	s.seq++
	f := Frame{Seq: s.seq, CapturedAt: capturedAt, Data: data}
	s.last = &f
	s.framesEncoded++
	first := s.state == StateStarting
	if first {
		s.state = StateStreaming
	}
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if first {
		close(s.ready)
		s.logger.Info("session streaming")
		s.observer.SessionStateChanged(s.target.ID, StateStreaming, nil)
	}
	s.observer.FrameEncoded(s.target.ID, len(data))

	for _, sub := range subs {
		if err := sub.sink.Push(f); err != nil {
			s.dropped("delivery")
			s.detach(sub.id, err)
		}
	}
}

func (s *Session) dropped(reason string) {
	s.mu.Lock()
	s.framesDropped++
	s.mu.Unlock()
	s.observer.FrameDropped(s.target.ID, reason)
}

// fail records why the loop ended. A cancelled context means Stop was called
// and the stop cause wins.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		err = s.stopCause
	}
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateDraining
	err := s.err
	s.mu.Unlock()
	s.observer.SessionStateChanged(s.target.ID, StateDraining, err)

	if cerr := s.source.Close(); cerr != nil {
		s.logger.WithError(cerr).Warn("closing upstream source")
	}

	var cause error
	if err != nil && !errors.Is(err, ErrSessionStopped) {
		cause = &TerminalError{CameraID: s.target.ID, Err: err}
	}

	s.mu.Lock()
	subs := s.subscribers
	s.subscribers = make(map[string]*subscriber)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.sink.Close(cause)
		s.observer.SubscriberDetached(s.target.ID, sub.transport, cause)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.cancel()
	close(s.done)

	entry := s.logger.WithField("subscribers", len(subs))
	if cause != nil {
		entry.WithError(err).Error("session terminated")
	} else {
		entry.Info("session stopped")
	}
	s.observer.SessionStateChanged(s.target.ID, StateStopped, err)

	if s.onStopped != nil {
		s.onStopped(s)
	}
}

// Attach adds a subscriber and returns its id.
func (s *Session) Attach(sink Sink, transport string) (string, error) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateStopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", ErrSessionStopped
	}
	id := uuid.NewString()
	s.subscribers[id] = &subscriber{id: id, transport: transport, sink: sink}
	count := len(s.subscribers)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"subscriber":  id,
		"transport":   transport,
		"subscribers": count,
	}).Info("subscriber attached")
	s.observer.SubscriberAttached(s.target.ID, transport)
	return id, nil
}

// Detach removes a subscriber. Unknown ids are ignored.
func (s *Session) Detach(id string) {
	s.detach(id, nil)
}

func (s *Session) detach(id string, cause error) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	sub.sink.Close(cause)
	entry := s.logger.WithFields(log.Fields{"subscriber": id, "transport": sub.transport})
	if cause != nil {
		entry.WithError(cause).Warn("subscriber detached")
	} else {
		entry.Info("subscriber detached")
	}
	s.observer.SubscriberDetached(s.target.ID, sub.transport, cause)
}

// Ready blocks until the first frame was published. It returns the terminal
// error when the session stopped first.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session. It does not wait; use Done for that.
func (s *Session) Stop() {
	s.stop(ErrSessionStopped)
}

func (s *Session) stop(cause error) {
	s.mu.Lock()
	if s.stopCause == nil {
		s.stopCause = cause
	}
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the session reached StateStopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped, or nil while it runs.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Target() CameraTarget {
	return s.target
}

func (s *Session) CameraID() string {
	return s.target.ID
}

// LastFrame returns the most recent published frame.
func (s *Session) LastFrame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Frame{}, false
	}
	return *s.last, true
}

func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	stats := SessionStats{
		CameraID:      s.target.ID,
		SourceURI:     s.target.RedactedURI(),
		State:         s.state.String(),
		Subscribers:   len(s.subscribers),
		FramesEncoded: s.framesEncoded,
		FramesDropped: s.framesDropped,
		LastSeq:       s.seq,
		StartedAt:     s.startedAt,
	}
	if s.last != nil {
		stats.LastFrameAt = s.last.CapturedAt
	}
	if s.err != nil {
		stats.Error = s.err.Error()
	}
	s.mu.Unlock()

	stats.SourceState = s.source.State().String()
	stats.Reconnects = s.source.Reconnects()
	return stats
}
