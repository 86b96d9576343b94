// Package gateway is the operator control surface: a small JSON API over
// the running engine and its store.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatscribe/chatscribe/internal/crawler"
	"github.com/chatscribe/chatscribe/internal/store"
)

// Server exposes engine status and control endpoints.
type Server struct {
	engine    *crawler.Engine
	store     *store.Store
	addr      string
	authToken string
}

// New builds the gateway for the given engine and store.
func New(engine *crawler.Engine, st *store.Store, host string, port int, authToken string) *Server {
	return &Server{
		engine:    engine,
		store:     st,
		addr:      fmt.Sprintf("%s:%d", host, port),
		authToken: authToken,
	}
}

// routes builds the endpoint table.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /restart", s.auth(s.handleRestart))
	mux.HandleFunc("POST /backfill/{group}", s.auth(s.handleBackfill))
	mux.HandleFunc("GET /deadletters", s.auth(s.handleDeadLetters))
	mux.HandleFunc("POST /deadletters/{id}/retry", s.auth(s.handleDeadLetterRetry))
	return mux
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.routes()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != s.authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	// Restart outlives the request; a fresh context keeps the new run alive.
	if err := s.engine.Restart(context.Background()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if group == "" {
		http.Error(w, "missing group id", http.StatusBadRequest)
		return
	}
	if err := s.engine.TriggerBackfill(r.Context(), group); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "backfill triggered", "group": group})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	letters, err := s.store.ListDeadLetters(r.Context(), resolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad dead letter id", http.StatusBadRequest)
		return
	}
	if err := s.store.RetryDeadLetter(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "id": id})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway response encode failed", "error", err)
	}
}
