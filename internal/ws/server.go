package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"meeshy/internal/auth"
	"meeshy/internal/metrics"
	"meeshy/internal/models"
)

type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (models.Identity, error)
}

type ServerConfig struct {
	HandshakeTimeout time.Duration
	Connection       ConnectionConfig
}

type Server struct {
	auth     Authenticator
	hub      *Hub
	cfg      ServerConfig
	metrics  *metrics.Metrics
	upgrader *websocket.Upgrader
}

func NewServer(auth Authenticator, hub *Hub, cfg ServerConfig, m *metrics.Metrics) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Server{
		auth:    auth,
		hub:     hub,
		cfg:     cfg,
		metrics: m,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the request and only then upgrades it.
// Rejected requests get a 401 and never reach event routing.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.authenticate(r)
	if err != nil {
		slog.Warn("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "identity_id", identity.ID(), "error", err)
		return
	}

	c := NewConnection(s.hub, conn, identity, s.cfg.Connection, s.metrics)
	if err := c.Handle(r.Context()); err != nil {
		slog.Warn("connection closed with error", "conn_id", c.ID(), "identity_id", identity.ID(), "error", err)
	}
}

func (s *Server) authenticate(r *http.Request) (models.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout)
	defer cancel()

	type result struct {
		identity models.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := s.auth.Authenticate(ctx, credentialsFrom(r))
		done <- result{identity, err}
	}()

	select {
	case res := <-done:
		return res.identity, res.err
	case <-ctx.Done():
		return models.Identity{}, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, ctx.Err())
	}
}

// credentialsFrom reads the handshake credentials from the query string,
// falling back to the Authorization and X-Session-Token headers.
func credentialsFrom(r *http.Request) auth.Credentials {
	q := r.URL.Query()
	creds := auth.Credentials{
		Token:        q.Get("token"),
		SessionToken: q.Get("sessionToken"),
	}
	if creds.Token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			creds.Token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if creds.SessionToken == "" {
		creds.SessionToken = r.Header.Get("X-Session-Token")
	}
	return creds
}
