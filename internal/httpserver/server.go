package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/supervisor"
)

// Lifecycle is the supervisor view the API reports.
type Lifecycle interface {
	State() supervisor.State
	Worker() (supervisor.WorkerInfo, bool)
}

// Controllers resolves the currently bound consumer.
type Controllers interface {
	Current() (model.Controller, bool)
}

// DepthSource reports queue occupancy.
type DepthSource interface {
	Depth() model.Depth
}

// Config wires the API to the running agent.
type Config struct {
	Addr       string
	Supervisor Lifecycle
	Consumers  Controllers
	Queue      DepthSource
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server provides the agent's HTTP status API.
type Server struct {
	cfg       Config
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9180"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.POST("/api/pause", s.control(model.Controller.Pause))
	r.POST("/api/resume", s.control(model.Controller.Resume))
	r.POST("/api/reconnect", s.control(model.Controller.Reconnect))
	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("http api stopped", "err", err)
		}
	}()
	s.cfg.Logger.Info("http api listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	state := "unknown"
	if s.cfg.Supervisor != nil {
		state = s.cfg.Supervisor.State().String()
	}
	code := http.StatusOK
	if state == supervisor.ShuttingDown.String() || state == supervisor.Terminated.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": state,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{}
	if s.cfg.Supervisor != nil {
		body["state"] = s.cfg.Supervisor.State().String()
		if w, ok := s.cfg.Supervisor.Worker(); ok {
			body["worker"] = w
		}
	}
	if s.cfg.Queue != nil {
		body["queue"] = s.cfg.Queue.Depth()
	}
	if s.cfg.Consumers != nil {
		if cur, ok := s.cfg.Consumers.Current(); ok {
			body["consumer"] = cur.Status()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) control(op func(model.Controller)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Consumers == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no consumer bound"})
			return
		}
		cur, ok := s.cfg.Consumers.Current()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no consumer bound"})
			return
		}
		op(cur)
		c.JSON(http.StatusOK, cur.Status())
	}
}
