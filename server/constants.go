package server

import "time"

// Server configuration defaults
const (
	// DefaultAddr is the address the relay listens on
	DefaultAddr = ":8091"

	// DefaultWidth is the decoded frame width
	DefaultWidth = 640

	// DefaultHeight is the decoded frame height
	DefaultHeight = 480

	// InitialTimeout is how long a viewer waits for the first frame
	InitialTimeout = 10 * time.Second

	// ProbeTimeout bounds the camera status check
	ProbeTimeout = 5 * time.Second

	// ShutdownTimeout is how long in-flight requests get on shutdown
	ShutdownTimeout = 5 * time.Second

	// ReadHeaderTimeout guards against slow request headers
	ReadHeaderTimeout = 10 * time.Second
)

// Transport labels reported to observers
const (
	TransportMJPEG  = "mjpeg"
	TransportSocket = "socket"
)
