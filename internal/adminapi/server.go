// Package adminapi implements the read-only operator surface: a small
// echo HTTP API plus a gorilla/websocket event feed, modeled on the
// teacher's own API and websocket handlers. Nothing here accepts P3
// traffic; every handler reads state another package already owns.
package adminapi

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"p3server/internal/registry"
	"p3server/internal/xfer"
	"p3server/store"
)

// Server is the admin HTTP+WS surface. It never mutates protocol state.
type Server struct {
	echo  *echo.Echo
	start time.Time

	Registry  *registry.UserRegistry
	Downloads *xfer.DownloadRegistry
	Uploads   *xfer.UploadRegistry
	Store     *store.Store
	Events    *EventBus
}

// NewServer wires an admin API instance. reg, downloads, uploads, and db
// may be nil if that subsystem isn't active; the corresponding endpoints
// then report empty results rather than failing.
func NewServer(reg *registry.UserRegistry, downloads *xfer.DownloadRegistry, uploads *xfer.UploadRegistry, db *store.Store, events *EventBus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[adminapi] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{
		echo:      e,
		start:     time.Now(),
		Registry:  reg,
		Downloads: downloads,
		Uploads:   uploads,
		Store:     db,
		Events:    events,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/transfers", s.handleTransfers)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/idb-drift", s.handleIDBDrift)
	s.echo.GET("/ws/events", s.handleWebSocket)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[adminapi] shutdown error: %v", err)
	}
}

// RunTLS is Run's TLS counterpart: it owns its own listener so it can wrap
// it in tlsConfig rather than relying on Echo's file-based cert loading.
func (s *Server) RunTLS(ctx context.Context, addr string, tlsConfig *tls.Config) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		log.Printf("[adminapi] tls listen: %v", err)
		return
	}
	s.echo.Listener = ln
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] tls server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[adminapi] shutdown error: %v", err)
	}
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}
