package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stagecast/stagecast/internal/broadcast"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

// Synthetic SSE event names. Real events use their stage name.
const (
	frameKeepalive = "keepalive"
	frameError     = "error"
)

// handleStream serves GET /stream/:job_id as a server-sent event stream.
//
// The session delivers the canonical-state snapshot first, then live events,
// injecting keepalive frames on idle and terminating on: terminal event
// (normal), client disconnect (normal), or max-wait exceeded (reported to
// the client as an error frame). There is no transition back to an open
// stream once the session decides to close.
func (s *Server) handleStream(c *gin.Context) {
	jobID := c.Param("job_id")
	if len(jobID) < s.cfg.MinJobIDLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("job id must be at least %d characters", s.cfg.MinJobIDLength),
		})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	s.metrics.SessionStarted()
	log := s.log.With("job_id", jobID)

	sub, err := s.manager.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, stagelog.ErrMalformed) {
			// State exists but is unreadable; tell the client instead of
			// pretending the job is unknown.
			s.writeSSEHeaders(c)
			s.writeFrame(c, flusher, frameError, errorPayload("malformed-state"))
			return
		}
		log.Error("subscribe failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription unavailable"})
		return
	}
	defer sub.Close()

	s.writeSSEHeaders(c)

	keepalive := s.cfg.KeepaliveInterval.Std()
	deadline := time.Now().Add(s.cfg.MaxStreamWait.Std())

	for {
		event, err := sub.Next(c.Request.Context(), keepalive)
		if err != nil {
			// Closed subscription or client disconnect; both are normal
			// shutdown paths.
			if !errors.Is(err, broadcast.ErrClosed) && c.Request.Context().Err() == nil {
				log.Warn("subscription wait failed", "error", err)
			}
			return
		}

		if event == nil {
			if time.Now().After(deadline) {
				s.writeFrame(c, flusher, frameError, errorPayload("timeout"))
				return
			}
			s.writeFrame(c, flusher, frameKeepalive, keepalivePayload())
			continue
		}

		data, err := stagelog.MarshalEvent(event)
		if err != nil {
			log.Warn("failed to marshal event for stream", "error", err)
			continue
		}
		s.writeFrame(c, flusher, event.Stage, data)

		if s.client.StageSet().Terminal(event) {
			return
		}

		if time.Now().After(deadline) {
			s.writeFrame(c, flusher, frameError, errorPayload("timeout"))
			return
		}
	}
}

func (s *Server) writeSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

func (s *Server) writeFrame(c *gin.Context, flusher http.Flusher, name string, data []byte) {
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data)
	flusher.Flush()
}

func errorPayload(reason string) []byte {
	data, _ := json.Marshal(gin.H{"error": reason})
	return data
}

func keepalivePayload() []byte {
	data, _ := json.Marshal(gin.H{"ts_ms": time.Now().UnixMilli()})
	return data
}
