package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/onepad/onepad/internal/protocol"
	"github.com/onepad/onepad/pkg/config"
)

//go:embed assets/index.html
var assets embed.FS

// pageConfig is what the embedded client shell needs from the server. It is
// injected into the page as a script tag.
type pageConfig struct {
	CursorTimeoutMS   int
	MaxImageKB        int
	ImageMaxDimension int
}

// Server is the HTTP front door: the client shell at GET /doc and the
// websocket endpoint the shell connects back to. There are no other routes.
type Server struct {
	pad    *Onepad
	cfg    *config.Config
	router chi.Router
	http   *http.Server
	page   *template.Template
}

// New builds the front door around an Onepad coordinator.
func New(cfg *config.Config, pad *Onepad) (*Server, error) {
	page, err := template.ParseFS(assets, "assets/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse client shell: %w", err)
	}

	s := &Server{pad: pad, cfg: cfg, page: page}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/doc", s.handleDoc)
	r.Get("/doc/ws", s.handleSocket)
	s.router = r

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.http.Addr).Info("listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener. Live
// websockets are hijacked from the HTTP server and closed separately by the
// coordinator, so this does not wait on them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleDoc serves the client shell with server limits injected.
func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := s.page.Execute(w, pageConfig{
		CursorTimeoutMS:   s.cfg.CursorTimeoutMS,
		MaxImageKB:        s.cfg.MaxImageKB,
		ImageMaxDimension: s.cfg.ImageMaxDimension,
	})
	if err != nil {
		log.WithField("err", err).Error("failed to render client shell")
	}
}

// handleSocket upgrades to a websocket and runs the connection until it
// ends.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.pad.Down() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(protocol.MaxMessageBytes)

	c := NewConnection(s.pad, conn, s.cfg.BroadcastBuffer)
	if !s.pad.Attach(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	if err := c.Handle(r.Context()); err != nil {
		log.WithFields(log.Fields{"conn": c.id, "err": err}).Debug("connection ended with error")
	}
	// Handle waits for the writer, which sends the close frame while
	// draining. This close only covers writer exits that skipped the frame.
	conn.Close(websocket.StatusNormalClosure, "")
}
