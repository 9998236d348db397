package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-stream-relay/relay"
)

type message struct {
	topic    string
	retained bool
	event    Event
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
}

func (p *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic: topic, retained: retained, event: ev})
	return nil
}

func (p *fakePublisher) snapshot() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.messages...)
}

func TestEmitterPublishesLifecycle(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter("relay", pub, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.SessionStateChanged("7", relay.StateStreaming, nil)
	e.SubscriberAttached("7", "socket")
	e.FrameEncoded("7", 1000)
	e.SubscriberDetached("7", "socket", relay.ErrPeerClosed)
	e.SourceReconnected("7")

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs := pub.snapshot()
	assert.Equal(t, "relay/cameras/7/state", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, "streaming", msgs[0].event.State)
	assert.NotEmpty(t, msgs[0].event.ID)

	assert.Equal(t, "relay/cameras/7/subscribers", msgs[1].topic)
	assert.False(t, msgs[1].retained)
	assert.Equal(t, "attached", msgs[1].event.Action)

	assert.Equal(t, "detached", msgs[2].event.Action)
	assert.Equal(t, relay.ErrPeerClosed.Error(), msgs[2].event.Error)

	assert.Equal(t, "relay/cameras/7/source", msgs[3].topic)
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	e := NewEmitter("relay", &fakePublisher{}, 1)
	e.SourceReconnected("1")
	e.SourceReconnected("1")
	e.SourceReconnected("1")
	assert.Equal(t, uint64(2), e.Dropped())
}

func TestEmitterFlushesOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter("relay", pub, 4)
	e.SessionStateChanged("1", relay.StateStopped, relay.ErrSessionStopped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))
	assert.Len(t, pub.snapshot(), 1)
}

func TestMQTTPublisherRequiresConnection(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "test"})
	assert.ErrorIs(t, p.Publish("relay/cameras/1/state", true, []byte("{}")), errNotConnected)
	_, failed := p.Stats()
	assert.Equal(t, uint64(1), failed)
}
