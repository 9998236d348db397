package server

import (
	"context"
	"net/http"
	"time"

	"camera-stream-relay/delivery"
	"camera-stream-relay/relay"
)

// Resolver looks up the upstream target of a camera id.
type Resolver interface {
	ResolveCamera(ctx context.Context, id string) (relay.CameraTarget, error)
}

// Prober checks whether a camera answers.
type Prober interface {
	Probe(ctx context.Context, uri string) error
}

// Config holds the gateway settings.
type Config struct {
	Addr string
	// AllowedOrigins restricts WebSocket origins; empty allows all.
	AllowedOrigins []string
	InitialTimeout time.Duration
	ProbeTimeout   time.Duration
	Delivery       delivery.Options
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		InitialTimeout: InitialTimeout,
		ProbeTimeout:   ProbeTimeout,
		Delivery:       delivery.DefaultOptions(),
	}
}

// Deps are the collaborators of the gateway. Prober and Metrics are optional.
type Deps struct {
	Registry   *relay.Registry
	Resolver   Resolver
	Authorizer Authorizer
	Prober     Prober
	Metrics    http.Handler
}

// StreamURLResponse tells a client where to open the camera socket.
type StreamURLResponse struct {
	WebsocketURL string `json:"websocket_url"`
	Status       int    `json:"status"`
}

// CameraStatusResponse reports whether a camera answers.
type CameraStatusResponse struct {
	CameraID string `json:"camera_id"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// StreamStatsResponse is one session's counters plus its lease count.
type StreamStatsResponse struct {
	relay.SessionStats
	Leases int `json:"leases"`
}

// StreamListResponse lists the registered sessions.
type StreamListResponse struct {
	Streams []relay.SessionStats `json:"streams"`
}
