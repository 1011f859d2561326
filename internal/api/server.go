// Package api exposes the round engine over HTTP: entry submission, oracle
// snapshot lookup, the settlement trigger, public/ops status, and a
// websocket feed of round lifecycle events. It follows the daemon's
// existing RPC server shape — a net/http mux behind a CORS wrapper, a
// websocket hub running in its own goroutine — adapted from JSON-RPC
// dispatch to literal REST routes.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/priceduel/roundengine/internal/joinhandler"
	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/oracle"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/internal/settlement"
	"github.com/priceduel/roundengine/pkg/logging"
)

// Server serves the round engine's HTTP and websocket surface.
type Server struct {
	ledger  *ledger.Ledger
	oracle  oracle.Port
	engine  *settlement.Engine
	entries *joinhandler.Handler
	cfg     *roundsconfig.Config
	log     *logging.Logger
	hub     *WSHub

	server   *http.Server
	listener net.Listener

	nowMs func() int64
}

// New constructs a Server. The returned server owns no background
// goroutine until Start is called.
func New(l *ledger.Ledger, o oracle.Port, engine *settlement.Engine, entries *joinhandler.Handler, cfg *roundsconfig.Config) *Server {
	return &Server{
		ledger:  l,
		oracle:  o,
		engine:  engine,
		entries: entries,
		cfg:     cfg,
		log:     logging.GetDefault().Component("api"),
		hub:     NewWSHub(),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Start binds addr and begins serving in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /entries", s.handleSubmitEntry)
	mux.HandleFunc("GET /oracle", s.handleOracleSnapshot)
	mux.HandleFunc("POST /settle", s.handleSettle)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ops/health", s.handleOpsHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("OPTIONS /", s.handleCORSPreflight)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", "error", err)
		}
	}()

	s.log.Info("api server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts the server down, waiting up to 5 seconds for
// in-flight requests to finish.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Hub returns the websocket broadcast hub, so the Keeper and settlement
// engine can emit round lifecycle events to it.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// BroadcastEvent forwards a Keeper/Engine lifecycle event to every
// connected websocket client. It matches the keeper.EventHandler and
// settlement.EventHandler function shape so it can be passed directly to
// OnEvent.
func (s *Server) BroadcastEvent(eventType string, data map[string]any) {
	s.hub.Broadcast(EventType(eventType), data, s.nowMs())
}

func (s *Server) handleCORSPreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware allows any origin, mirroring the daemon's existing
// browser/desktop-client compatibility policy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-settle-key")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
