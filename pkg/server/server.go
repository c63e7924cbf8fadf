// Package server exposes the scanner over HTTP: status, visibility control,
// dial history and a live MJPEG preview behind a cookie session login.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/wachiwi/recarga/pkg/history"
	"github.com/wachiwi/recarga/pkg/scanner"
)

// Controller is the scanner as seen by the HTTP layer.
type Controller interface {
	SurfaceController
	Status() scanner.Status
	Visible()
	Hidden()
}

// HistoryStore lists dialed codes, newest first.
type HistoryStore interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

type Config struct {
	Addr          string
	User          string
	Password      string
	SessionSecret string
	// Headless pins the preview surface so scanning runs without viewers.
	Headless bool
}

type Server struct {
	cfg     Config
	ctrl    Controller
	history HistoryStore
	preview *Preview
	router  *gin.Engine
	logger  *slog.Logger

	frameInterval time.Duration
}

// New builds the router. history may be nil when the store is disabled.
func New(cfg Config, ctrl Controller, hist HistoryStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:           cfg,
		ctrl:          ctrl,
		history:       hist,
		preview:       NewPreview(ctrl, cfg.Headless),
		logger:        logger.With("component", "server"),
		frameInterval: 33 * time.Millisecond,
	}
	s.router = s.routes()
	return s
}

// Preview returns the surface that feeds the MJPEG endpoint.
func (s *Server) Preview() *Preview { return s.preview }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger)
	router.SetTrustedProxies([]string{"127.0.0.1"})

	store := cookie.NewStore([]byte(s.cfg.SessionSecret))
	store.Options(sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	router.Use(sessions.Sessions("recarga", store))

	// --- Public Routes ---
	router.GET("/healthz", s.Health)
	router.POST("/login", s.Login)
	router.POST("/logout", s.Logout)

	// --- Authenticated Routes ---
	authorized := router.Group("/", AuthRequired)
	authorized.GET("/api/status", s.Status)
	authorized.POST("/api/visible", s.Visible)
	authorized.POST("/api/hidden", s.Hidden)
	authorized.GET("/api/history", s.History)
	authorized.GET("/preview", s.Stream)

	return router
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers watch the request context, so tie it to ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server is running", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to run server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
