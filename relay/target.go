package relay

import (
	"net"
	"net/url"
	"strconv"
)

// DefaultRTSPPort is used when a camera record carries no port.
const DefaultRTSPPort = 554

// CameraTarget identifies one upstream camera and the credentials needed to
// reach it.
type CameraTarget struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
}

func (t CameraTarget) sourceURL() *url.URL {
	port := t.Port
	if port == 0 {
		port = DefaultRTSPPort
	}
	u := &url.URL{
		Scheme:   "rtsp",
		Host:     net.JoinHostPort(t.Host, strconv.Itoa(port)),
		Path:     "/cam/realmonitor",
		RawQuery: "channel=1&subtype=0",
	}
	if t.Username != "" {
		u.User = url.UserPassword(t.Username, t.Password)
	}
	return u
}

// URI returns the RTSP source URI for the camera.
func (t CameraTarget) URI() string {
	return t.sourceURL().String()
}

// RedactedURI returns the source URI with the password masked, for logging.
func (t CameraTarget) RedactedURI() string {
	return t.sourceURL().Redacted()
}
