package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/medrag/consult"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

type message struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content"`
}

type consultRequest struct {
	Question   string    `json:"question" binding:"required"`
	UserID     string    `json:"user_id"`
	History    []message `json:"history" binding:"dive"`
	Category   string    `json:"category"`
	Department string    `json:"department"`
}

func (r consultRequest) toRequest(c *gin.Context) consult.Request {
	req := consult.Request{
		Question: r.Question,
		UserID:   r.UserID,
	}
	if req.UserID == "" {
		req.UserID = c.GetHeader("X-User-ID")
	}
	for _, m := range r.History {
		req.History = append(req.History, core.Message{Role: m.Role, Content: m.Content})
	}
	if r.Category != "" || r.Department != "" {
		req.Filter = &storage.Filter{Category: r.Category, Department: r.Department}
	}
	return req
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a consultation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consult.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrGenerationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(c *gin.Context) {
	version, err := s.engine.IndexVersion(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       "medrag",
		"index_version": version,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) consult(c *gin.Context) {
	var body consultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp, err := s.engine.Consult(c.Request.Context(), body.toRequest(c))
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// consultStream answers as server-sent events, one per consult.Event,
// named after the event type.
func (s *Server) consultStream(c *gin.Context) {
	var body consultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for ev := range s.engine.ConsultStream(c.Request.Context(), body.toRequest(c)) {
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
	}
}

// ingest reads a JSON Lines corpus from the request body.
func (s *Server) ingest(c *gin.Context) {
	report, err := s.engine.Ingest(c.Request.Context(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	skipped := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		skipped = append(skipped, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"documents":     report.Documents,
		"unchanged":     report.Unchanged,
		"chunks":        report.Chunks,
		"removed":       report.Removed,
		"skipped":       report.Skipped,
		"errors":        skipped,
		"index_version": report.Version,
		"duration_ms":   report.Duration.Milliseconds(),
	})
}

func (s *Server) deleteDocument(c *gin.Context) {
	removed, err := s.engine.Delete(c.Request.Context(), c.Param("source_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed_chunks": removed})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
