package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/session"
	"github.com/tinytelemetry/datastream/internal/source"
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr          string
	DefaultPlugin string
	ChunkSize     int
	// Gatherer backs /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server exposes plugin listing, registration and WebSocket streaming over HTTP.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	conns     *connmgr.Manager
	sessions  *session.Controller
	builder   source.Builder
	upgrader  *websocket.Upgrader
	logger    zerolog.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config, reg *registry.Registry, conns *connmgr.Manager, sessions *session.Controller, builder source.Builder) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8000"
	}
	if cfg.DefaultPlugin == "" {
		cfg.DefaultPlugin = model.DefaultPlugin
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = model.DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		registry:  reg,
		conns:     conns,
		sessions:  sessions,
		builder:   builder,
		upgrader:  connmgr.NewUpgrader(),
		logger:    cfg.Logger.With().Str("component", "httpserver").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/api/health", s.handleHealth)
	r.GET("/plugins", s.handleListPlugins)
	r.GET("/plugin/:name/info", s.handlePluginInfo)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		r.Handle(method, "/register/file", s.handleRegisterFile)
		r.Handle(method, "/register/database", s.handleRegisterDatabase)
		r.Handle(method, "/register/postgres", s.handleRegisterDatabase)
	}

	r.GET("/ws", s.handleStream)
	r.GET("/ws/:plugin", s.handleStream)

	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startTime = time.Now()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop ends running sessions and gracefully shuts down the HTTP server.
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
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"connections": s.conns.Count(),
		"plugins":     s.registry.Len(),
	})
}

func (s *Server) handleListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.registry.Names()})
}

func (s *Server) handlePluginInfo(c *gin.Context) {
	name := c.Param("name")
	plugin, ok := s.registry.Resolve(name)
	if !ok {
		c.JSON(http.StatusNotFound, model.ErrorMessage("plugin not found: "+name, s.registry.Names()))
		return
	}
	c.JSON(http.StatusOK, plugin.SourceInfo(c.Request.Context()))
}

func (s *Server) handleRegisterFile(c *gin.Context) {
	name, path := param(c, "name"), param(c, "file_path")
	if name == "" || path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and file_path are required"})
		return
	}
	plugin, err := s.builder.File(path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.register(c, name, plugin)
}

func (s *Server) handleRegisterDatabase(c *gin.Context) {
	name, table := param(c, "name"), param(c, "table_name")
	if name == "" || table == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and table_name are required"})
		return
	}
	plugin, err := s.builder.Database(table, param(c, "order_by"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.register(c, name, plugin)
}

func (s *Server) register(c *gin.Context, name string, plugin source.Plugin) {
	if err := s.registry.Register(name, plugin); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("plugin", name).Msg("plugin registered")
	c.JSON(http.StatusOK, gin.H{"message": "plugin registered", "plugin": name})
}

// handleStream runs one session. The handler holds the hijacked connection
// until the session ends.
func (s *Server) handleStream(c *gin.Context) {
	name := c.Param("plugin")
	if name == "" {
		name = s.cfg.DefaultPlugin
	}
	req := session.Request{
		Plugin:    name,
		ChunkSize: s.cfg.ChunkSize,
	}
	if n, err := strconv.Atoi(c.Query("chunk_size")); err == nil && n > 0 {
		req.ChunkSize = model.ClampChunkSize(n)
	}
	if b, err := strconv.ParseBool(c.Query("broadcast")); err == nil {
		req.Broadcast = b
	}

	s.sessions.Serve(c.Request.Context(), connmgr.WebSocketHandshake(s.upgrader, c.Writer, c.Request), req)
}

// param reads key from the query string, falling back to the form body.
func param(c *gin.Context, key string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return c.PostForm(key)
}
