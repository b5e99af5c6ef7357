package server

import (
	"net/http"
	"strings"

	"github.com/campuspay/fulfillment/internal/notify"
	"github.com/gin-gonic/gin"
)

// ListPendingVerifications serves the verification device's work queue.
// The poll doubles as the heartbeat: a reconnect edge is broadcast and
// the outbox drain is kicked immediately so queued state flushes while
// the device is known to be alive.
func (s *Server) ListPendingVerifications(c *gin.Context) {
	if reconnected := s.monitor.RecordPoll(); reconnected {
		s.hub.Publish(notify.Event{Type: notify.EventVerifierConnected, At: s.monitor.Snapshot().LastPollAt.UTC()})
		if s.loops != nil {
			s.loops.KickDrain()
		}
	}

	pending, err := s.txSvc.PendingManualVerifications(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pending})
}

type submitVerificationRequest struct {
	IsValid  bool           `json:"is_valid"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) SubmitVerification(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req submitVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.txSvc.SubmitVerification(c.Request.Context(), id, req.IsValid, req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}
