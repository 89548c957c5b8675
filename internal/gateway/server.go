// Package gateway exposes the read-only query API consumed by retrieval and
// briefing collaborators: unified context, session continuity, and the
// device roster. Collaborators never write back into the fusion core.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/hub"
	"github.com/memorable/contextmesh/internal/presence"
	"github.com/memorable/contextmesh/internal/session"
)

// Server serves the collaborator query API over HTTP.
type Server struct {
	hub        *hub.Hub
	continuity *session.Manager
	authToken  string
	httpServer *http.Server
}

// New creates a Server. The continuity manager is optional; without it the
// continuity endpoint reports empty state.
func New(h *hub.Hub, continuity *session.Manager, host string, port int, authToken string) *Server {
	s := &Server{
		hub:        h,
		continuity: continuity,
		authToken:  authToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/context/", s.withAuth(s.handleContext))
	mux.HandleFunc("/v1/continuity/", s.withAuth(s.handleContinuity))
	mux.HandleFunc("/v1/devices/", s.withAuth(s.handleDevices))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	slog.Info("gateway listening", "addr", s.httpServer.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != s.authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// UnifiedContextResponse is the getUnifiedContext answer shape.
type UnifiedContextResponse struct {
	Location          any      `json:"location,omitempty"`
	Activity          any      `json:"activity,omitempty"`
	People            []string `json:"people"`
	Mood              any      `json:"mood,omitempty"`
	Confidence        float64  `json:"confidence"`
	ActiveDeviceCount int      `json:"active_device_count"`
	Version           uint64   `json:"version"`
}

// GET /v1/context/{user}
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/v1/context/")
	if userID == "" || strings.Contains(userID, "/") {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}

	resp := UnifiedContextResponse{
		People:            []string{},
		ActiveDeviceCount: s.hub.ActiveDeviceCount(userID),
	}
	if unified := s.hub.UnifiedContext(userID); unified != nil {
		resp.Location = resolvedValue(unified.Location)
		resp.Activity = resolvedValue(unified.Activity)
		resp.Mood = resolvedValue(unified.Mood)
		resp.People = unified.People
		resp.Confidence = unified.Confidence
		resp.Version = unified.Version
	}
	writeJSON(w, resp)
}

// GET /v1/continuity/{user}/{device}
func (s *Server) handleContinuity(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/continuity/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /v1/continuity/{user}/{device}", http.StatusBadRequest)
		return
	}
	userID, deviceID := parts[0], parts[1]

	if s.continuity == nil {
		writeJSON(w, session.ContinuityView{OtherDevices: []session.DeviceSession{}})
		return
	}
	view, err := s.continuity.Continuity(r.Context(), userID, deviceID)
	if err != nil {
		slog.Warn("gateway: continuity query failed", "user", userID, "device", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, view)
}

// DevicesResponse is the device roster answer shape.
type DevicesResponse struct {
	Devices []presence.Record `json:"devices"`
}

// GET /v1/devices/{user}
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	if userID == "" || strings.Contains(userID, "/") {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}

	devices := s.hub.Devices(userID)
	if devices == nil {
		devices = []presence.Record{}
	}
	writeJSON(w, DevicesResponse{Devices: devices})
}

func resolvedValue(v *fusion.ResolvedValue) any {
	if v == nil {
		return nil
	}
	return v.Value
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: encode response", "error", err)
	}
}
