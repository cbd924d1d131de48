package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/moyoez/chunkrecv/api/controllers"
	"github.com/moyoez/chunkrecv/api/middlewares"
	"github.com/moyoez/chunkrecv/api/notifyhub"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

// MaxMultipartMemory is how much of a multipart body is held in memory before spooling to disk.
const MaxMultipartMemory = 32 << 20

// Server is the HTTP adapter in front of the upload receiver.
type Server struct {
	port      int
	handler   types.ReceiverInterface
	hub       *notifyhub.Hub
	rateLimit types.RateLimitConfig
	engine    *gin.Engine
	server    *http.Server
	mu        sync.RWMutex
}

// NewServer creates a server; hub may be nil to disable the notify websocket.
func NewServer(port int, handler types.ReceiverInterface, hub *notifyhub.Hub, rateLimit types.RateLimitConfig) *Server {
	return &Server{
		port:      port,
		handler:   handler,
		hub:       hub,
		rateLimit: rateLimit,
	}
}

func (s *Server) setupRoutes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.MaxMultipartMemory = MaxMultipartMemory

	uploadCtrl := controllers.NewUploadController(s.handler)
	abandonCtrl := controllers.NewAbandonController(s.handler)

	v1 := engine.Group("/api/chunkrecv/v1", middlewares.RateLimit(s.rateLimit.RequestsPerSecond, s.rateLimit.Burst))
	{
		v1.POST("/upload", uploadCtrl.HandleUpload)
		v1.GET("/upload", uploadCtrl.HandleChunkTest) // resumable.js / flow.js testChunks
		v1.GET("/upload/:id", uploadCtrl.HandleStatus)
	}
	admin := engine.Group("/api/admin/v1", middlewares.OnlyAllowLocal)
	{
		admin.DELETE("/upload/:id", abandonCtrl.HandleAbandon)
		if s.hub != nil {
			admin.GET("/notify-ws", notifyhub.HandleNotifyWS(s.hub))
		}
	}
	return engine
}

// Handler returns the routed engine, building it on first use.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		s.engine = s.setupRoutes()
	}
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	handler := s.Handler()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: handler,
	}
	srv := s.server
	s.mu.Unlock()

	tool.DefaultLogger.Infof("Starting API server on http://0.0.0.0:%d", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight uploads.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
