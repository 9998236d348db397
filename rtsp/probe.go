// Package rtsp checks that a camera answers RTSP DESCRIBE with video before
// a decoder is started for it.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
	log "github.com/sirupsen/logrus"
)

// DefaultPort is the RTSP port used when a URI names none.
const DefaultPort = "554"

var (
	// ErrUnauthorized is returned when the camera rejects the credentials.
	ErrUnauthorized = errors.New("rtsp: unauthorized")
	// ErrNoVideo is returned when the session description has no video.
	ErrNoVideo = errors.New("rtsp: no video media described")
)

// StatusError is returned when DESCRIBE is answered with neither 200 nor 401.
type StatusError struct {
	Method     string
	URI        string
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rtsp: %s %s: %d %s", e.Method, e.URI, e.StatusCode, e.Reason)
}

// Prober answers whether a camera serves video by sending DESCRIBE.
type Prober struct {
	// Timeout bounds every read and write of the exchange.
	Timeout   time.Duration
	UserAgent string
}

// Probe succeeds when uri answers DESCRIBE with a session carrying video.
func (p *Prober) Probe(ctx context.Context, uri string) error {
	desc, err := p.Describe(ctx, uri)
	if err != nil {
		return err
	}
	md := VideoMedia(desc)
	if md == nil {
		return ErrNoVideo
	}
	log.WithFields(log.Fields{
		"uri":   redact(uri),
		"codec": Codec(md),
	}).Debug("camera describes video")
	return nil
}

type describeResult struct {
	desc *description.Session
	err  error
}

// Describe fetches the session description of uri. Credentials in the URI
// user info answer a Basic or Digest challenge.
func (p *Prober) Describe(ctx context.Context, uri string) (*description.Session, error) {
	u, err := base.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	timeout := p.Timeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout = 10 * time.Second
	}

	client := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		UserAgent:    p.UserAgent,
	}

	// The client has no context; its timeouts bound the goroutine when ctx
	// ends first.
	done := make(chan describeResult, 1)
	go func() {
		if err := client.Start(u.Scheme, hostPort(u.Host)); err != nil {
			done <- describeResult{err: err}
			return
		}
		defer client.Close()
		desc, _, err := client.Describe(u)
		done <- describeResult{desc: desc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, describeError(uri, res.err)
		}
		return res.desc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func describeError(uri string, err error) error {
	var status liberrors.ErrClientBadStatusCode
	if !errors.As(err, &status) {
		return fmt.Errorf("describe %s: %w", redact(uri), err)
	}
	if status.Code == base.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, redact(uri))
	}
	return &StatusError{
		Method:     string(base.Describe),
		URI:        redact(uri),
		StatusCode: int(status.Code),
		Reason:     status.Message,
	}
}

// VideoMedia returns the first video media of desc, or nil.
func VideoMedia(desc *description.Session) *description.Media {
	for _, md := range desc.Medias {
		if md.Type == description.MediaTypeVideo {
			return md
		}
	}
	return nil
}

// Codec returns the codec of the first format of md, e.g. "H264".
func Codec(md *description.Media) string {
	if len(md.Formats) == 0 {
		return ""
	}
	return md.Formats[0].Codec()
}

func hostPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), DefaultPort)
}

func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	return u.Redacted()
}
