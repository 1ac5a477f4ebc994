package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"meeshy/internal/api"
	"meeshy/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(wsServer *ws.Server, stats api.Stats, addr string) *APIServer {
	apiHandlers := api.New(stats)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	// WebSocket endpoint. Method checks happen in the handler so clients get a plain 405.
	mux.HandleFunc("/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
