// Package live serves the annotation engine to a browser over a websocket.
// Each connection gets its own engine and its own event loop goroutine.
package live

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/menta2k/mask-annotator/pkg/imageio"
	"github.com/menta2k/mask-annotator/pkg/session"
)

// EngineFactory creates the engine for one connection
type EngineFactory func(listener session.Listener) *session.Engine

// Options configure a Server
type Options struct {
	// Mode is the gin mode: debug, release or test
	Mode string
	// StaticDir, if set, is served at / (index.html) and /static
	StaticDir string
	Version   string
	// MaxMessageSize limits inbound websocket messages, which carry base64 images
	MaxMessageSize int64
}

type Server struct {
	factory  EngineFactory
	loader   *imageio.Loader
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a live server
func NewServer(factory EngineFactory, loader *imageio.Loader, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 96 << 20
	}
	return &Server{
		factory: factory,
		loader:  loader,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	if s.opts.Mode != "" {
		gin.SetMode(s.opts.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	if s.opts.StaticDir != "" {
		r.Static("/static", s.opts.StaticDir)
		r.StaticFile("/", filepath.Join(s.opts.StaticDir, "index.html"))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": s.opts.Version,
		})
	})
	r.GET("/ws", s.handleWebSocket)

	return r
}

// Run listens on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageSize)

	logger := s.logger.With(zap.String("remote", c.ClientIP()))
	logger.Info("client connected")
	defer logger.Info("client disconnected")

	newConnection(conn, s.loader, logger).serve(c.Request.Context(), s.factory)
}

// requestLogger logs every request with zap
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("cost", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
