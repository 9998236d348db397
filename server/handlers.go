package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camera-stream-relay/camera"
	"camera-stream-relay/delivery"
	"camera-stream-relay/relay"
)

// acquire leases the camera's session. It writes the error response itself
// and returns nil when the request cannot proceed.
func (s *Server) acquire(c *gin.Context, target relay.CameraTarget) *relay.Lease {
	lease, err := s.deps.Registry.Acquire(target)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return nil
	}
	return lease
}

// releaseOnClose drops the lease as soon as the session lets go of the sink,
// without waiting for the viewer's writer loop to notice. The returned func
// ends the watch.
func releaseOnClose(lease *relay.Lease, closed <-chan struct{}) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-closed:
			lease.Release()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (s *Server) waitReady(ctx context.Context, session *relay.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InitialTimeout)
	defer cancel()
	return session.Ready(ctx)
}

func (s *Server) resolve(c *gin.Context) (relay.CameraTarget, bool) {
	id := c.Param("id")
	target, err := s.deps.Resolver.ResolveCamera(c.Request.Context(), id)
	if err == nil {
		return target, true
	}
	if errors.Is(err, camera.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not found", "status": http.StatusNotFound})
	} else {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return relay.CameraTarget{}, false
}

// handleMJPEG streams a camera as multipart/x-mixed-replace
func (s *Server) handleMJPEG(c *gin.Context) {
	target, ok := s.resolve(c)
	if !ok {
		return
	}
	lease := s.acquire(c, target)
	if lease == nil {
		return
	}
	defer lease.Release()
	session := lease.Session()

	logger := log.WithFields(log.Fields{"camera": target.ID, "transport": TransportMJPEG})
	if err := s.waitReady(c.Request.Context(), session); err != nil {
		logger.WithError(err).Warn("camera not streaming")
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "inactive",
			"message": "Unable to connect to the camera feed.",
		})
		return
	}

	sink, err := delivery.NewMJPEGSink(c.Writer, s.cfg.Delivery, logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	subID, err := session.Attach(sink, TransportMJPEG)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.Detach(subID)
	defer releaseOnClose(lease, sink.Closed())()

	err = sink.Run(c.Request.Context())
	logger.WithField("subscriber", subID).WithError(err).Debug("mjpeg viewer finished")
}

// handleSocket streams a camera as binary WebSocket messages
func (s *Server) handleSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	id := c.Param("id")
	logger := log.WithFields(log.Fields{"camera": id, "transport": TransportSocket})
	reject := func(code int, reason string) {
		delivery.WriteClose(conn, code, reason, s.cfg.Delivery.WriteTimeout)
		conn.Close()
	}

	target, err := s.deps.Resolver.ResolveCamera(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, camera.ErrNotFound) {
			reject(delivery.CloseUnknownCamera, "camera not found")
		} else {
			logger.WithError(err).Error("resolving camera")
			reject(websocket.CloseInternalServerErr, "camera lookup failed")
		}
		return
	}

	lease, err := s.deps.Registry.Acquire(target)
	if err != nil {
		reject(websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer lease.Release()
	session := lease.Session()

	if err := s.waitReady(c.Request.Context(), session); err != nil {
		logger.WithError(err).Warn("camera not streaming")
		reject(websocket.CloseInternalServerErr, "Unable to connect to camera feed.")
		return
	}

	sink := delivery.NewSocketSink(conn, s.cfg.Delivery, logger)
	subID, err := session.Attach(sink, TransportSocket)
	if err != nil {
		reject(websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer session.Detach(subID)
	defer releaseOnClose(lease, sink.Closed())()

	err = sink.Run(c.Request.Context())
	logger.WithField("subscriber", subID).WithError(err).Debug("socket viewer finished")
}

// handleStreamURL tells the client which socket to open for a camera
func (s *Server) handleStreamURL(c *gin.Context) {
	target, ok := s.resolve(c)
	if !ok {
		return
	}

	scheme := "ws"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	c.JSON(http.StatusOK, StreamURLResponse{
		WebsocketURL: fmt.Sprintf("%s://%s/stream/%s", scheme, c.Request.Host, target.ID),
		Status:       http.StatusOK,
	})
}

// handleCameraStatus reports whether the camera answers. A streaming session
// already proves it, so the probe only runs when none is live.
func (s *Server) handleCameraStatus(c *gin.Context) {
	target, ok := s.resolve(c)
	if !ok {
		return
	}

	resp := CameraStatusResponse{CameraID: target.ID, Status: "inactive"}
	if session, ok := s.deps.Registry.Lookup(target.ID); ok && session.State() == relay.StateStreaming {
		resp.Status = "active"
		c.JSON(http.StatusOK, resp)
		return
	}
	if s.deps.Prober == nil {
		resp.Message = "status probing disabled"
		c.JSON(http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	if err := s.deps.Prober.Probe(ctx, target.URI()); err != nil {
		log.WithField("camera", target.ID).WithError(err).Info("camera probe failed")
		resp.Message = err.Error()
	} else {
		resp.Status = "active"
	}
	c.JSON(http.StatusOK, resp)
}

// handleListStreams returns every registered session
func (s *Server) handleListStreams(c *gin.Context) {
	sessions := s.deps.Registry.Sessions()
	resp := StreamListResponse{Streams: make([]relay.SessionStats, 0, len(sessions))}
	for _, session := range sessions {
		resp.Streams = append(resp.Streams, session.Stats())
	}
	c.JSON(http.StatusOK, resp)
}

// handleStreamStats returns statistics about a specific session
func (s *Server) handleStreamStats(c *gin.Context) {
	id := c.Param("id")
	session, ok := s.deps.Registry.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}
	c.JSON(http.StatusOK, StreamStatsResponse{
		SessionStats: session.Stats(),
		Leases:       s.deps.Registry.Refs(id),
	})
}

// handleGetFrame returns the latest JPEG of a session
func (s *Server) handleGetFrame(c *gin.Context) {
	session, ok := s.deps.Registry.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	frame, ok := session.LastFrame()
	if !ok {
		// No frame yet; 204 keeps polling clients quiet.
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Header("X-Frame-Timestamp", strconv.FormatInt(frame.CapturedAt.UnixNano(), 10))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handleStopStream stops a session only if no viewers are attached
func (s *Server) handleStopStream(c *gin.Context) {
	id := c.Param("id")
	session, ok := s.deps.Registry.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	if n := session.Stats().Subscribers; n > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error":        fmt.Sprintf("Cannot stop stream %s: %d viewer(s) still connected", id, n),
			"client_count": n,
		})
		return
	}

	s.stop(c, id)
}

// handleForceStopStream stops a session regardless of attached viewers
func (s *Server) handleForceStopStream(c *gin.Context) {
	s.stop(c, c.Param("id"))
}

func (s *Server) stop(c *gin.Context, id string) {
	if err := s.deps.Registry.Stop(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.WithField("camera", id).Info("stream stopped by operator")
	c.JSON(http.StatusOK, gin.H{
		"message":   "Stream stopped successfully",
		"stream_id": id,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  len(s.deps.Registry.Sessions()),
	})
}
