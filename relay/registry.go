package relay

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RegistryConfig configures the sessions a Registry creates.
type RegistryConfig struct {
	Session SessionConfig
	// GracePeriod keeps an unreferenced session alive so a returning viewer
	// reuses the upstream connection.
	GracePeriod time.Duration
}

// DefaultRegistryConfig returns the production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Session:     DefaultSessionConfig(),
		GracePeriod: 5 * time.Second,
	}
}

// Registry maps camera ids to their single running session.
type Registry struct {
	opener   Opener
	encoder  Encoder
	cfg      RegistryConfig
	observer Observer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	session *Session
	refs    int
	timer   *time.Timer
	// gen invalidates grace timers that fired while Acquire held the lock.
	gen uint64
}

// Lease is one reference to a session obtained from Acquire.
type Lease struct {
	registry *Registry
	session  *Session
	once     sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() *Session {
	return l.session
}

// Release drops the reference. Calling it more than once has no effect.
func (l *Lease) Release() {
	l.registry.Release(l)
}

// NewRegistry creates an empty registry.
func NewRegistry(opener Opener, encoder Encoder, cfg RegistryConfig, observer Observer) *Registry {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		opener:   opener,
		encoder:  encoder,
		cfg:      cfg,
		observer: observer,
		entries:  make(map[string]*entry),
	}
}

// Acquire returns a lease on the session for target, creating and starting
// the session when none is running for the camera id.
func (r *Registry) Acquire(target CameraTarget) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	var after <-chan struct{}
	if e, ok := r.entries[target.ID]; ok {
		state := e.session.State()
		live := state == StateStarting || state == StateStreaming
		if live && e.session.Target() == target {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
				e.gen++
			}
			e.refs++
			return &Lease{registry: r, session: e.session}, nil
		}

		cause := ErrSessionStopped
		if e.session.Target() != target {
			cause = ErrTargetChanged
			log.WithField("camera", target.ID).Info("camera target changed, replacing session")
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.session.stop(cause)
		after = e.session.Done()
	}

	s := NewSession(target, r.opener, r.encoder, r.cfg.Session, r.observer)
	s.after = after
	s.onStopped = r.remove
	r.entries[target.ID] = &entry{session: s, refs: 1}
	s.Start()

	return &Lease{registry: r, session: s}, nil
}

// Release drops one reference. When the last reference goes, the session is
// stopped after the grace period unless it is acquired again.
func (r *Registry) Release(l *Lease) {
	l.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		id := l.session.CameraID()
		e, ok := r.entries[id]
		if !ok || e.session != l.session {
			return
		}
		e.refs--
		if e.refs > 0 {
			return
		}
		if r.cfg.GracePeriod <= 0 {
			e.session.Stop()
			return
		}

		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(r.cfg.GracePeriod, func() {
			r.expire(id, l.session, gen)
		})
		log.WithField("camera", id).WithField("grace", r.cfg.GracePeriod).Debug("last viewer left, grace period started")
	})
}

func (r *Registry) expire(id string, s *Session, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.session != s || e.gen != gen || e.refs > 0 {
		return
	}
	e.timer = nil
	log.WithField("camera", id).Info("grace period elapsed, stopping session")
	s.Stop()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.CameraID()
	if e, ok := r.entries[id]; ok && e.session == s {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, id)
	}
}

// Stop force stops the session for cameraID regardless of its references.
func (r *Registry) Stop(cameraID string) error {
	r.mu.Lock()
	e, ok := r.entries[cameraID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.session.Stop()
	return nil
}

// Lookup returns the session currently registered for cameraID.
func (r *Registry) Lookup(cameraID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cameraID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Refs returns the number of live leases on cameraID's session.
func (r *Registry) Refs(cameraID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[cameraID]; ok {
		return e.refs
	}
	return 0
}

// Sessions returns the registered sessions ordered by camera id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CameraID() < sessions[j].CameraID()
	})
	return sessions
}

// Close stops every session and waits until all of them are stopped. Acquire
// fails with ErrRegistryClosed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
	log.WithField("sessions", len(sessions)).Info("registry closed")
}
