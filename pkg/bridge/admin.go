// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusResponse is the JSON shape of GET /api/status.
type StatusResponse struct {
	LobbyConnected bool           `json:"lobby_connected"`
	Puppets        int            `json:"puppets"`
	BridgedUsers   int            `json:"bridged_users"`
	Rooms          map[string]int `json:"rooms"`
}

// AdminRouter builds the status/metrics HTTP surface.
func (b *Bridge) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/status", b.handleStatus)
	r.Handle("/metrics", b.metrics.Handler())
	return r
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rooms := make(map[string]int)
	for roomID, count := range b.index.RoomCounts() {
		rooms[string(roomID)] = count
	}
	resp := StatusResponse{
		LobbyConnected: b.session.Connected(),
		Puppets:        b.registry.Count(),
		BridgedUsers:   b.profiles.Len(),
		Rooms:          rooms,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write status response")
	}
}

// ServeAdmin runs the admin listener until ctx is cancelled.
func (b *Bridge) ServeAdmin(ctx context.Context, addr string) {
	server := &http.Server{
		Addr:         addr,
		Handler:      b.AdminRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	b.log.Info().Str("addr", addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		b.log.Error().Err(err).Msg("Admin API error")
	}
}
