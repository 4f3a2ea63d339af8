// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"eduhelper/db"
	"eduhelper/orchestrator"
	"eduhelper/utils"
)

// EventHandler processes user events.
type EventHandler interface {
	Handle(ctx context.Context, ev orchestrator.Event, out orchestrator.Outbox) error
}

// UsageReader reports a user's quota.
type UsageReader interface {
	Usage(ctx context.Context, userID string) (*db.UsageRecord, error)
	Limit(rec *db.UsageRecord) int
	DayStart(t time.Time) time.Time
}

// Store is the task history and reporting view.
type Store interface {
	SearchTasks(ctx context.Context, userID, query string, limit int) ([]*db.CompletedTask, error)
	GetServiceStats(ctx context.Context, since time.Time, topSubjects int) (*db.ServiceStats, error)
}

const (
	defaultTaskLimit = 20
	maxTaskLimit     = 100
	popularSubjects  = 5
)

// Server is the HTTP front end.
type Server struct {
	handler EventHandler
	usage   UsageReader
	store   Store
	mailbox *Mailbox
	logger  *utils.Logger
	now     func() time.Time
	engine  *gin.Engine
}

// New builds the router. mailbox may be nil.
func New(handler EventHandler, usage UsageReader, store Store, mailbox *Mailbox, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if mailbox == nil {
		mailbox = NewMailbox(0)
	}
	s := &Server{
		handler: handler,
		usage:   usage,
		store:   store,
		mailbox: mailbox,
		logger:  logger,
		now:     time.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", Health)
	v1 := router.Group("/v1")
	v1.POST("/events", s.PostEvent)
	v1.GET("/users/:id/usage", s.GetUsage)
	v1.GET("/users/:id/tasks", s.GetTasks)
	v1.GET("/users/:id/notifications", s.GetNotifications)
	v1.GET("/stats", s.GetStats)

	s.engine = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type eventRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Kind          string `json:"kind" binding:"required"`
	Text          string `json:"text"`
	SkipInterview bool   `json:"skip_interview"`
	DataBase64    string `json:"data_base64"`
	MimeType      string `json:"mime_type"`
}

// PostEvent feeds one user event to the orchestrator and returns the replies.
func (s *Server) PostEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := orchestrator.EventKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event kind " + strconv.Quote(req.Kind)})
		return
	}

	ev := orchestrator.Event{
		UserID:        req.UserID,
		Kind:          kind,
		Text:          req.Text,
		SkipInterview: req.SkipInterview,
		MimeType:      req.MimeType,
		ReceivedAt:    s.now(),
	}
	if req.DataBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.DataBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data_base64 is not valid base64"})
			return
		}
		ev.Data = data
	}

	// A client that goes away does not interrupt the step; the model call
	// is bounded by its own timeout.
	out := &collector{}
	err := s.handler.Handle(context.WithoutCancel(c.Request.Context()), ev, out)
	replies := out.all()
	if replies == nil {
		replies = []orchestrator.Reply{}
	}
	if err != nil {
		s.logger.Error("Event for user %s failed: %v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "replies": replies})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// GetUsage returns the user's quota state.
func (s *Server) GetUsage(c *gin.Context) {
	userID := c.Param("id")
	rec, err := s.usage.Usage(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	limit := s.usage.Limit(rec)
	remaining := limit - rec.RequestsToday
	if remaining < 0 {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"usage":           rec,
		"daily_limit":     limit,
		"remaining_today": remaining,
	})
}

// GetTasks returns the user's completed tasks, optionally filtered by q.
func (s *Server) GetTasks(c *gin.Context) {
	limit := defaultTaskLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTaskLimit)
	}

	tasks, err := s.store.SearchTasks(c.Request.Context(), c.Param("id"), c.Query("q"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*db.CompletedTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetNotifications drains queued notices for the user.
func (s *Server) GetNotifications(c *gin.Context) {
	replies := s.mailbox.Drain(c.Param("id"))
	if replies == nil {
		replies = []orchestrator.Reply{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// GetStats returns service activity since the start of today.
func (s *Server) GetStats(c *gin.Context) {
	stats, err := s.store.GetServiceStats(c.Request.Context(), s.usage.DayStart(s.now()), popularSubjects)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
