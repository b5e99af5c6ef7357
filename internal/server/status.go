package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/campuspay/fulfillment/internal/notify"
	"github.com/gin-gonic/gin"
)

// Status reports engine health: verifier liveness, outbox backlog, and
// the manual verification queue depth.
func (s *Server) Status(c *gin.Context) {
	ctx := c.Request.Context()

	pending, err := s.txSvc.PendingManualVerifications(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	depth, err := s.outboxSvc.Depth(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	deadLetters, err := s.outboxSvc.DeadLetterCount(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"verifier": s.monitor.Snapshot(),
		"outbox": gin.H{
			"depth":        depth,
			"dead_letters": deadLetters,
		},
		"pending_manual": len(pending),
		"remote_sync":    s.cfg.RemoteSyncEnabled(),
	}})
}

// ReplayDeadLetter re-queues a parked outbox item with a fresh retry budget.
func (s *Server) ReplayDeadLetter(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.outboxSvc.ReplayDeadLetter(c.Request.Context(), snowflake.ID(parsed)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"replayed": raw}})
}

// StreamEvents serves the engine event feed over SSE for dashboards.
func (s *Server) StreamEvents(c *gin.Context) {
	subscription, backlog, err := s.hub.Subscribe()
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
