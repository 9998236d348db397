package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Prober checks that an RTSP URI answers before a decoder is started.
type Prober interface {
	Probe(ctx context.Context, uri string) error
}

// FFmpegOpener decodes RTSP sources by running ffmpeg as a subprocess and
// reading raw RGB24 frames from its stdout.
type FFmpegOpener struct {
	// Binary is the ffmpeg executable, "ffmpeg" when empty.
	Binary string
	Width  int
	Height int
	// StallTimeout kills the process when a single frame read takes longer.
	StallTimeout time.Duration
	// Prober, when set, is consulted before the process is started.
	Prober Prober
}

func (o *FFmpegOpener) args(uri string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", uri,
		"-vf", fmt.Sprintf("scale=%d:%d", o.Width, o.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-an",
		"-",
	}
}

// Open starts a decoder for target.
func (o *FFmpegOpener) Open(ctx context.Context, target CameraTarget) (Handle, error) {
	if o.Width <= 0 || o.Height <= 0 {
		return nil, fmt.Errorf("invalid output geometry %dx%d", o.Width, o.Height)
	}
	uri := target.URI()

	if o.Prober != nil {
		if err := o.Prober.Probe(ctx, uri); err != nil {
			return nil, fmt.Errorf("%w: probe %s: %v", ErrUnreachable, target.RedactedURI(), err)
		}
	}

	binary := o.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	// The process outlives the open context, so it is not bound to it.
	cmd := exec.Command(binary, o.args(uri)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnreachable, binary, err)
	}

	logger := log.WithFields(log.Fields{
		"camera": target.ID,
		"pid":    strconv.Itoa(cmd.Process.Pid),
	})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.WithField("source", "ffmpeg").Debug(scanner.Text())
		}
	}()

	stall := o.StallTimeout
	if stall <= 0 {
		stall = 10 * time.Second
	}

	return &ffmpegHandle{
		cmd:        cmd,
		stdout:     stdout,
		stderrDone: stderrDone,
		width:      o.Width,
		height:     o.Height,
		stall:      stall,
		logger:     logger,
		frameSize:  o.Width * o.Height * PixelFormatRGB24.BytesPerPixel(),
	}, nil
}

type ffmpegHandle struct {
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderrDone chan struct{}
	width      int
	height     int
	frameSize  int
	stall      time.Duration
	logger     *log.Entry

	stalled   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var errStalled = errors.New("decoder stalled")

func (h *ffmpegHandle) ReadFrame(ctx context.Context) (RawFrame, error) {
	watchdog := time.AfterFunc(h.stall, func() {
		h.stalled.Store(true)
		h.kill()
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(ctx, h.kill)
	defer stop()

	data := make([]byte, h.frameSize)
	_, err := io.ReadFull(h.stdout, data)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return RawFrame{}, ctx.Err()
		case h.stalled.Load():
			return RawFrame{}, fmt.Errorf("%w after %s", errStalled, h.stall)
		case errors.Is(err, io.EOF):
			return RawFrame{}, ErrEndOfStream
		default:
			return RawFrame{}, fmt.Errorf("read frame: %w", err)
		}
	}

	return RawFrame{
		Width:      h.width,
		Height:     h.height,
		Format:     PixelFormatRGB24,
		Data:       data,
		CapturedAt: time.Now(),
	}, nil
}

func (h *ffmpegHandle) kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		h.kill()
		// Wait closes the pipes, so stderr has to be drained first.
		<-h.stderrDone
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			h.closeErr = err
		}
		h.logger.Debug("ffmpeg process reaped")
	})
	return h.closeErr
}
