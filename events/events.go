// Package events publishes session lifecycle events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"camera-stream-relay/relay"
)

// Event kinds, also the last topic segment.
const (
	KindState      = "state"
	KindSubscriber = "subscribers"
	KindSource     = "source"
)

// Event is the JSON payload of one lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CameraID  string    `json:"camera_id"`
	State     string    `json:"state,omitempty"`
	Action    string    `json:"action,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Emitter turns relay notifications into events. Notifications are queued
// and published by Run so the relay never waits on the broker.
type Emitter struct {
	prefix    string
	publisher Publisher
	queue     chan Event

	mu      sync.Mutex
	dropped uint64
}

// NewEmitter creates an emitter publishing under prefix.
func NewEmitter(prefix string, publisher Publisher, queueSize int) *Emitter {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Emitter{
		prefix:    prefix,
		publisher: publisher,
		queue:     make(chan Event, queueSize),
	}
}

// Topic returns the topic for a camera and event kind.
func (e *Emitter) Topic(cameraID, kind string) string {
	return fmt.Sprintf("%s/cameras/%s/%s", e.prefix, cameraID, kind)
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-e.queue:
			e.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.publish(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (e *Emitter) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("failed to marshal event")
		return
	}
	topic := e.Topic(ev.CameraID, ev.Kind)
	if err := e.publisher.Publish(topic, ev.Kind == KindState, payload); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish event")
	}
}

func (e *Emitter) enqueue(ev Event) {
	ev.ID = uuid.NewString()
	ev.Time = time.Now().UTC()
	select {
	case e.queue <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Emitter) SessionStateChanged(cameraID string, state relay.State, err error) {
	e.enqueue(Event{Kind: KindState, CameraID: cameraID, State: state.String(), Error: errString(err)})
}

func (e *Emitter) SubscriberAttached(cameraID, transport string) {
	e.enqueue(Event{Kind: KindSubscriber, CameraID: cameraID, Action: "attached", Transport: transport})
}

func (e *Emitter) SubscriberDetached(cameraID, transport string, err error) {
	e.enqueue(Event{Kind: KindSubscriber, CameraID: cameraID, Action: "detached", Transport: transport, Error: errString(err)})
}

func (e *Emitter) SourceReconnected(cameraID string) {
	e.enqueue(Event{Kind: KindSource, CameraID: cameraID, Action: "reconnected"})
}

// Per-frame notifications are left to metrics.
func (e *Emitter) FrameEncoded(string, int)    {}
func (e *Emitter) FrameDropped(string, string) {}

// LogPublisher writes events to the log. It stands in when no broker is set.
type LogPublisher struct{}

func (LogPublisher) Publish(topic string, retained bool, payload []byte) error {
	log.WithFields(log.Fields{"topic": topic, "retained": retained}).Debug(string(payload))
	return nil
}
