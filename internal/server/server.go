// Package server exposes the daemon over HTTP: task administration,
// execution history and control, event ingestion, and the operational
// endpoints (health, metrics). Handlers translate the internal error
// taxonomy onto HTTP statuses and wrap every body in one envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/utils/id"
)

const (
	defaultAddr         = "127.0.0.1:7833"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Config carries the HTTP listener settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Version is reported by the health endpoint.
	Version string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Dispatcher is the slice of the scheduler the API drives.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, trigger task.TriggerType, triggerCtx map[string]any) (string, error)
	CancelExecution(ctx context.Context, execID string) error
	SyncTask(t *task.Task)
	RemoveTask(taskID string)
}

// EventSink receives external events for fan-out to subscribed tasks.
type EventSink interface {
	HandleEvent(ctx context.Context, event task.EventType, eventCtx map[string]any) error
}

// Server fronts the store, scheduler, and event router over HTTP.
type Server struct {
	cfg     Config
	store   storage.Store
	sched   Dispatcher
	events  EventSink
	metrics prometheus.Gatherer
	logger  logging.Logger

	engine *gin.Engine
	http   *http.Server
	start  time.Time
}

// New assembles the engine and routes. A nil gatherer disables /metrics.
func New(cfg Config, store storage.Store, sched Dispatcher, events EventSink, gatherer prometheus.Gatherer, logger logging.Logger) *Server {
	cfg = cfg.withDefaults()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		events:  events,
		metrics: gatherer,
		logger:  logging.OrNop(logger),
		engine:  engine,
		start:   time.Now(),
	}
	engine.Use(s.requestLog())

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	}

	tasks := newTaskHandler(s.store, s.sched, s.logger)
	execs := newExecutionHandler(s.store, s.sched, s.logger)

	api := s.engine.Group("/api")
	{
		api.POST("/hook-event", s.handleHookEvent)

		api.POST("/tasks", tasks.create)
		api.GET("/tasks", tasks.list)
		api.GET("/tasks/:id", tasks.get)
		api.PATCH("/tasks/:id", tasks.patch)
		api.DELETE("/tasks/:id", tasks.remove)
		api.POST("/tasks/:id/run", tasks.run)
		api.GET("/tasks/:id/stats", tasks.stats)

		api.GET("/executions", execs.list)
		api.GET("/executions/:id", execs.get)
		api.GET("/executions/:id/progress", execs.progress)
		api.POST("/executions/:id/cancel", execs.cancel)
	}
}

// requestLog stamps a log ID onto the request context and writes one line
// per completed request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, _ := id.EnsureLogID(c.Request.Context(), id.NewLogID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logging.FromContext(ctx, s.logger).Info("%s %s -> %d in %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	writeData(c, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.cfg.Version,
		Uptime:  time.Since(s.start).Round(time.Second).String(),
	})
}

type hookEventRequest struct {
	EventType string         `json:"event_type"`
	Context   map[string]any `json:"context"`
}

// handleHookEvent ingests one external event. Unknown event types are
// dropped by the router and still acknowledged, so emitters never need to
// track the recognized event set.
func (s *Server) handleHookEvent(c *gin.Context) {
	var req hookEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.ValidationError("invalid hook event payload: "+err.Error()))
		return
	}
	if req.EventType == "" {
		writeError(c, apperr.ValidationError("event_type is required"))
		return
	}
	if err := s.events.HandleEvent(c.Request.Context(), task.EventType(req.EventType), req.Context); err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"event_type": req.EventType})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
