// Package web exposes the inbound webhook endpoint and a read-only
// API over stored conversations.
package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nhle/mailpilot/internal/agent"
	"github.com/nhle/mailpilot/internal/mail"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/internal/thread"
)

// Server handles inbound webhook deliveries and read-only queries.
type Server struct {
	store     store.Store
	processor *agent.Processor
	logger    *slog.Logger
}

// NewServer creates a server over the given store and processor.
func NewServer(s store.Store, p *agent.Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, processor: p, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/webhooks/inbound", s.handleInbound)
	r.GET("/conversations", s.handleListConversations)
	r.GET("/conversations/:id", s.handleGetConversation)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleInbound accepts a Postmark-style inbound payload and runs the
// full unit of work. Redeliveries return 200 so the provider stops
// retrying; input errors return 422 for the same reason.
func (s *Server) handleInbound(c *gin.Context) {
	email, err := mail.ParseWebhook(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.processor.ProcessInbound(c.Request.Context(), email)
	if err != nil {
		switch {
		case errors.Is(err, thread.ErrInvalidSender),
			errors.Is(err, thread.ErrEmptyMessage):
			s.logger.Warn("rejected inbound email", "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, agent.ErrGenerationFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": "generation temporarily unavailable"})
		case errors.Is(err, store.ErrStorageUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage temporarily unavailable"})
		default:
			s.logger.Error("processing inbound email", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"conversation_id": outcome.ConversationID,
		"message_id":      outcome.MessageID,
		"duplicate":       outcome.Duplicate,
		"new_conversation": outcome.Created,
	})
}

func (s *Server) handleListConversations(c *gin.Context) {
	filter := store.ConversationFilter{Limit: 100}
	if userID := c.Query("user_id"); userID != "" {
		filter.UserID = &userID
	}
	if status := c.Query("status"); status != "" {
		st := model.ConversationStatus(status)
		filter.Status = &st
	}

	conversations, err := s.store.ListConversations(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("listing conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id := c.Param("id")

	conv, err := s.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		s.logger.Error("getting conversation", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	history, err := s.store.GetConversationHistory(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("getting conversation history", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     history,
	})
}
