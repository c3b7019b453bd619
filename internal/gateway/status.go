package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecast/stagecast/pkg/stagelog"
)

// StatusResponse is the point-read view of a job's canonical state.
type StatusResponse struct {
	JobID    string               `json:"job_id"`
	Status   stagelog.CoarseStatus `json:"status"`
	Stage    string               `json:"stage,omitempty"`
	Progress int                  `json:"progress,omitempty"`
	Result   json.RawMessage      `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// handleStatus serves GET /status/:job_id. Pure read of canonical state:
// never touches the log or the notification bus, never mutates anything.
// Malformed stored state comes back as a coarse "error" status, not a 500.
func (s *Server) handleStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	event, err := s.client.GetState(c.Request.Context(), jobID)
	if err != nil {
		if stagelog.IsNotFound(err) {
			c.JSON(http.StatusOK, StatusResponse{JobID: jobID, Status: stagelog.CoarseUnknown})
			return
		}
		if errors.Is(err, stagelog.ErrMalformed) {
			c.JSON(http.StatusOK, StatusResponse{
				JobID:  jobID,
				Status: stagelog.CoarseError,
				Error:  err.Error(),
			})
			return
		}
		s.log.Error("status read failed", "job_id", jobID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		JobID:    jobID,
		Status:   s.client.StageSet().Coarse(event),
		Stage:    event.Stage,
		Progress: event.Progress,
		Result:   event.Result,
		Error:    event.Error,
	})
}
