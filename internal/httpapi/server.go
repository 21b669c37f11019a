// Package httpapi exposes a thin read path over the document index plus
// the reply-suggestion trigger. It never touches session state.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/internal/index"
	"github.com/brandon/mailpipe/internal/llm"
	"github.com/brandon/mailpipe/internal/vector"
)

// Server serves the HTTP query surface.
type Server struct {
	store      *index.Store
	llmClient  *llm.Client
	vectors    *vector.Store
	logger     *logrus.Logger
	httpServer *http.Server
}

// NewServer wires the routes over the given stores.
func NewServer(addr string, store *index.Store, llmClient *llm.Client, vectors *vector.Store, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		store:     store,
		llmClient: llmClient,
		vectors:   vectors,
		logger:    logger,
	}

	router.GET("/healthz", s.health)
	router.GET("/emails", s.listEmails)
	router.GET("/emails/:id", s.getEmail)
	router.POST("/emails/:id/suggest-reply", s.suggestReply)
	router.POST("/reply-context", s.putReplyContext)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("HTTP server shutdown failed")
		}
	}()

	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listEmails(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	result, err := s.store.Search(index.SearchOptions{
		Query:   c.Query("q"),
		Account: c.Query("account"),
		Folder:  c.Query("folder"),
		Page:    page,
		Size:    size,
	})
	if err != nil {
		s.logger.WithError(err).Error("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getEmail(c *gin.Context) {
	doc, err := s.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) suggestReply(c *gin.Context) {
	if s.llmClient == nil || !s.llmClient.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reply suggestion not configured"})
		return
	}

	doc, err := s.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}

	ctx := c.Request.Context()
	embedding, err := s.llmClient.Embed(ctx, doc.Body)
	if err != nil {
		s.logger.WithError(err).WithField("doc_id", doc.ID).Error("Embedding failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "embedding failed"})
		return
	}

	snippets, err := s.vectors.Query(embedding, 3)
	if err != nil {
		s.logger.WithError(err).Error("Context lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context lookup failed"})
		return
	}

	reply, err := s.llmClient.GenerateReply(ctx, doc.Body, snippets)
	if err != nil {
		s.logger.WithError(err).WithField("doc_id", doc.ID).Error("Reply generation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "reply generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": doc.ID, "reply": reply})
}

type replyContextRequest struct {
	ID      string `json:"id"`
	Content string `json:"content" binding:"required"`
}

// putReplyContext stores an outreach-context snippet for reply
// suggestion, embedding it through the configured endpoint.
func (s *Server) putReplyContext(c *gin.Context) {
	if s.llmClient == nil || !s.llmClient.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reply suggestion not configured"})
		return
	}

	var req replyContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	embedding, err := s.llmClient.Embed(c.Request.Context(), req.Content)
	if err != nil {
		s.logger.WithError(err).Error("Embedding failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "embedding failed"})
		return
	}
	if err := s.vectors.Upsert(req.ID, req.Content, embedding); err != nil {
		s.logger.WithError(err).Error("Failed to store reply context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store context"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}
