// Package api serves the read-only status API, the websocket event stream,
// Prometheus metrics and a few token-guarded control endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fxpilot/internal/engine"
	"fxpilot/internal/model"
)

// Engine is the view of the orchestrator the API needs.
type Engine interface {
	Status() engine.Status
	Decisions() []engine.Decision
	Pause()
	Resume()
}

// EventSource lists persisted events, newest first.
type EventSource interface {
	Recent(ctx context.Context, accountID string, limit int) ([]model.Event, error)
}

// Options wires optional collaborators. Reload re-reads configuration from
// disk; Events backs /api/events; Metrics serves /metrics.
type Options struct {
	Address   string
	JWTSecret string
	Reload    func(ctx context.Context) error
	Events    EventSource
	Metrics   http.Handler
}

// Server is the REST API + WebSocket server.
type Server struct {
	engine Engine
	hub    *Hub
	opts   Options
	router *gin.Engine
	logger *zap.Logger
}

// NewServer creates an API server.
func NewServer(eng Engine, hub *Hub, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{engine: eng, hub: hub, opts: opts, logger: logger}
	s.router = s.routes()
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), cors())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.GET("/accounts", s.handleAccounts)
	api.GET("/trades", s.handleTrades)
	api.GET("/thresholds", s.handleThresholds)
	api.GET("/decisions", s.handleDecisions)
	api.GET("/events", s.handleEvents)

	ctl := api.Group("", RequireToken(s.opts.JWTSecret))
	ctl.POST("/reload", s.handleReload)
	ctl.POST("/pause", s.handlePause)
	ctl.POST("/resume", s.handleResume)

	r.GET("/ws", func(c *gin.Context) { s.hub.HandleUpgrade(c.Writer, c.Request) })
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	return r
}

// Run starts the HTTP server and the websocket hub and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_started", zap.String("address", s.opts.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, model.APIResponse{Success: true, Data: data})
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.engine.Status()
	active := 0
	for _, a := range st.Accounts {
		if a.Active {
			active++
		}
	}
	ok(c, gin.H{
		"status":         "ok",
		"mode":           st.Mode,
		"accounts":       len(st.Accounts),
		"activeAccounts": active,
		"wsClients":      s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(c *gin.Context) { ok(c, s.engine.Status()) }

func (s *Server) handleAccounts(c *gin.Context) { ok(c, s.engine.Status().Accounts) }

func (s *Server) handleTrades(c *gin.Context) {
	st := s.engine.Status()
	account := c.Query("account")
	filter := func(in []model.Trade) []model.Trade {
		out := make([]model.Trade, 0, len(in))
		for _, t := range in {
			if account == "" || t.AccountID == account {
				out = append(out, t)
			}
		}
		return out
	}
	ok(c, gin.H{"open": filter(st.Open), "quarantined": filter(st.Quarantined)})
}

func (s *Server) handleThresholds(c *gin.Context) { ok(c, s.engine.Status().Thresholds) }

func (s *Server) handleDecisions(c *gin.Context) {
	ds := s.engine.Decisions()
	if account := c.Query("account"); account != "" {
		kept := ds[:0:0]
		for _, d := range ds {
			if d.AccountID == account {
				kept = append(kept, d)
			}
		}
		ds = kept
	}
	ok(c, ds)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.opts.Events == nil {
		c.JSON(http.StatusNotFound, model.APIResponse{Error: "event journal disabled"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, model.APIResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := s.opts.Events.Recent(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		s.logger.Error("api_events_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.APIResponse{Error: err.Error()})
		return
	}
	ok(c, events)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.opts.Reload == nil {
		c.JSON(http.StatusNotImplemented, model.APIResponse{Error: "reload not available"})
		return
	}
	if err := s.opts.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, model.APIResponse{Error: err.Error()})
		return
	}
	s.logger.Info("api_reload", zap.String("operator", c.GetString(ContextOperator)))
	ok(c, gin.H{"status": "reloaded"})
}

func (s *Server) handlePause(c *gin.Context) {
	s.engine.Pause()
	s.logger.Info("api_pause", zap.String("operator", c.GetString(ContextOperator)))
	ok(c, gin.H{"status": "paused"})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	s.logger.Info("api_resume", zap.String("operator", c.GetString(ContextOperator)))
	ok(c, gin.H{"status": "running"})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
