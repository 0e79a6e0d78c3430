// Package server hosts the websocket endpoint and manages the HTTP
// listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openkasse/kassad/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of the command channel. The websocket endpoint
// is the only route besides a liveness probe.
type Server struct {
	httpServer *http.Server
	ws         *rpc.WebSocketServer
	log        zerolog.Logger
}

func New(ip string, port int, ws *rpc.WebSocketServer, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", ip, port),
			Handler: mux,
		},
		ws:  ws,
		log: logger.With().Str("component", "server").Logger(),
	}
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("Listening")
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		s.log.Info().Msg("Shutting down")
		s.ws.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
