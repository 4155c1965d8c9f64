// Package server exposes migration progress over a small HTTP API with a
// websocket push channel.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/metrics"
)

// writeTimeout bounds every websocket write so one stalled client cannot
// hold its snapshot subscription open forever.
const writeTimeout = 5 * time.Second

// Server serves the status API and the websocket endpoint.
type Server struct {
	collector *metrics.Collector
	logger    zerolog.Logger
	srv       *http.Server
}

// New creates a Server over the given collector.
func New(collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{
		collector: collector,
		logger:    logger.With().Str("component", "http-server").Logger(),
	}
}

// Start begins serving on the given port. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/tables", s.tables)
	mux.HandleFunc("/api/v1/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Int("port", port).Msg("starting HTTP status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collector.Snapshot())
}

func (s *Server) tables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collector.Snapshot().Tables)
}

// handleWS streams metrics snapshots to one websocket client. Each client
// holds its own collector subscription, so fan-out and slow-client
// shedding are the collector's: a client that cannot keep up with the
// broadcast cadence simply misses ticks instead of stalling the others.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Err(err).Msg("ws accept")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	sub := s.collector.Subscribe()
	defer s.collector.Unsubscribe(sub)
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("ws client connected")

	// The client is not expected to send anything; reads only detect close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	// First frame is the current state, before the next broadcast tick.
	if err := s.writeSnapshot(r.Context(), conn, s.collector.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case snap := <-sub:
			if err := s.writeSnapshot(r.Context(), conn, snap); err != nil {
				s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws client dropped")
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap metrics.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
