// Package httpapi exposes the studio engine to the UI over HTTP and
// websocket. Handlers are pass-through; all behavior lives in the core
// packages.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/promptloom/promptloom/internal/autoplay"
	"github.com/promptloom/promptloom/internal/store"
	"github.com/promptloom/promptloom/internal/studio"
	"github.com/promptloom/promptloom/internal/types"
)

type Server struct {
	studio   *studio.Studio
	store    store.Store
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(st *studio.Studio, db store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		studio: st,
		store:  db,
		log:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/active", s.handleActiveSession)
		api.POST("/sessions/end", s.handleEndSession)

		api.POST("/generate", s.handleGenerate)
		api.GET("/prompts", s.handleCurrentPrompts)
		api.POST("/prompts/:id/rating", s.handleRating)
		api.POST("/prompts/:id/lock", s.handlePromptLock)
		api.POST("/prompts/:id/elements/:idx/lock", s.handleElementLock)

		api.GET("/suggestions", s.handleSuggestions)

		api.POST("/autoplay/start", s.handleAutoplayStart)
		api.POST("/autoplay/stop", s.handleAutoplayStop)
		api.POST("/autoplay/reset", s.handleAutoplayReset)
		api.GET("/autoplay/state", s.handleAutoplayState)
		api.GET("/autoplay/events", s.handleAutoplayEvents)

		api.GET("/history", s.handleHistoryState)
		api.POST("/history/undo", s.handleUndo)
		api.POST("/history/redo", s.handleRedo)
	}

	engine.GET("/ws/events", s.handleEventsSocket)
	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, []types.SessionSummary{})
		return
	}
	sessions, err := s.store.ListSessions(100, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session store"})
		return
	}
	sess, err := s.store.GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleActiveSession(c *gin.Context) {
	summary := s.studio.ActiveSession()
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"active": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": summary})
}

type endSessionRequest struct {
	Satisfied bool `json:"satisfied"`
}

func (s *Server) handleEndSession(c *gin.Context) {
	var req endSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	closed := s.studio.EndSession(req.Satisfied)
	if closed == nil {
		c.JSON(http.StatusOK, gin.H{"closed": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed.ToSummary()})
}

type generateRequest struct {
	Dimensions []types.Dimension `json:"dimensions"`
	BaseImage  string            `json:"base_image"`
	OutputMode types.OutputMode  `json:"output_mode"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Dimensions != nil {
		s.studio.SetDimensions(req.Dimensions)
	}
	if req.BaseImage != "" {
		s.studio.SetBaseImage(req.BaseImage)
	}
	if req.OutputMode != "" {
		s.studio.SetOutputMode(req.OutputMode)
	}

	prompts, err := s.studio.Generate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

func (s *Server) handleCurrentPrompts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prompts": s.studio.CurrentPrompts()})
}

type ratingRequest struct {
	Rating types.Rating `json:"rating"`
}

func (s *Server) handleRating(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Rating != types.RatingUp && req.Rating != types.RatingDown && req.Rating != types.RatingNone {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rating must be up, down, or empty"})
		return
	}
	if err := s.studio.RatePrompt(c.Param("id"), req.Rating); err != nil {
		s.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

func (s *Server) handlePromptLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.studio.SetPromptLock(c.Param("id"), req.Locked); err != nil {
		s.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleElementLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	idx, ok := intParam(c, "idx")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "element index must be an integer"})
		return
	}
	if err := s.studio.SetElementLock(c.Param("id"), idx, req.Locked); err != nil {
		s.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSuggestions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"suggestions": s.studio.Suggestions()})
}

func (s *Server) handleAutoplayStart(c *gin.Context) {
	// An empty body starts with the configured defaults.
	var cfg autoplay.Config
	if err := c.ShouldBindJSON(&cfg); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.studio.StartAutoplay(cfg); err != nil {
		switch {
		case errors.Is(err, autoplay.ErrNoBaseImage):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, autoplay.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, s.studio.AutoplayState())
}

func (s *Server) handleAutoplayStop(c *gin.Context) {
	stopped := s.studio.StopAutoplay()
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "state": s.studio.AutoplayState()})
}

func (s *Server) handleAutoplayReset(c *gin.Context) {
	if err := s.studio.ResetAutoplay(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.studio.AutoplayState())
}

func (s *Server) handleAutoplayState(c *gin.Context) {
	c.JSON(http.StatusOK, s.studio.AutoplayState())
}

func (s *Server) handleAutoplayEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.studio.AutoplayEvents()})
}

func (s *Server) handleHistoryState(c *gin.Context) {
	c.JSON(http.StatusOK, s.studio.HistoryState())
}

func (s *Server) handleUndo(c *gin.Context) {
	entry := s.studio.Undo()
	c.JSON(http.StatusOK, gin.H{"entry": entry, "history": s.studio.HistoryState()})
}

func (s *Server) handleRedo(c *gin.Context) {
	entry := s.studio.Redo()
	c.JSON(http.StatusOK, gin.H{"entry": entry, "history": s.studio.HistoryState()})
}

// handleEventsSocket streams autoplay events to the UI. The subscription
// drops events rather than stall the loop; the socket closes when the client
// goes away.
func (s *Server) handleEventsSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.studio.SubscribeAutoplay(64)
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is how
	// we learn the peer hung up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) notFoundOrError(c *gin.Context, err error) {
	if errors.Is(err, studio.ErrPromptNotFound) || errors.Is(err, studio.ErrElementNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intParam(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, false
	}
	return n, true
}
