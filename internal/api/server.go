// Package api exposes sessions, packet submission, alerts, zones and sync
// control over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/saviobatista/fleetsync/internal/alerts"
	"github.com/saviobatista/fleetsync/internal/geofence"
	"github.com/saviobatista/fleetsync/internal/queue"
	"github.com/saviobatista/fleetsync/internal/stats"
	"github.com/saviobatista/fleetsync/internal/syncer"
	"github.com/saviobatista/fleetsync/internal/tracker"
	"github.com/saviobatista/fleetsync/internal/types"
	"github.com/saviobatista/fleetsync/internal/uplink"
)

const maxBodyBytes = 1 << 20

// Sessions is the session orchestrator surface used by the API
type Sessions interface {
	StartSession(ctx context.Context, req tracker.StartRequest) (types.TrackingSession, error)
	SubmitPacket(ctx context.Context, sessionID string, packet types.TelemetryPacket) error
	EndSession(ctx context.Context, sessionID string) (types.TrackingSession, error)
	Session(sessionID string) (types.TrackingSession, error)
	Sessions(includeEnded bool) []types.TrackingSession
}

// Alerts lists and acknowledges security alerts
type Alerts interface {
	List(f alerts.Filter) []types.SecurityAlert
	Acknowledge(id string) (types.SecurityAlert, error)
}

// Zones administers geofences
type Zones interface {
	AddZone(ctx context.Context, zone types.Geofence) (types.Geofence, error)
	RemoveZone(ctx context.Context, id string) error
	ListZones() []types.Geofence
}

// Sync reports and drives the upload engine
type Sync interface {
	Status(ctx context.Context) syncer.Status
	SyncNow(ctx context.Context) syncer.Result
}

// Server routes HTTP requests to the tracker components
type Server struct {
	sessions Sessions
	alerts   Alerts
	zones    Zones
	sync     Sync
	stats    *stats.Stats
	logger   *slog.Logger
	router   *mux.Router
}

// NewServer creates the API server. stats may be nil.
func NewServer(sessions Sessions, alertStore Alerts, zones Zones, sync Sync, st *stats.Stats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions: sessions,
		alerts:   alertStore,
		zones:    zones,
		sync:     sync,
		stats:    st,
		logger:   logger.With("component", "api"),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleEndSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/packets", s.handleSubmitPackets).Methods(http.MethodPost)

	v1.HandleFunc("/batches", s.handleBatch).Methods(http.MethodPost)

	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)

	v1.HandleFunc("/zones", s.handleListZones).Methods(http.MethodGet)
	v1.HandleFunc("/zones", s.handleAddZone).Methods(http.MethodPost)
	v1.HandleFunc("/zones/{id}", s.handleRemoveZone).Methods(http.MethodDelete)

	v1.HandleFunc("/sync", s.handleSyncStatus).Methods(http.MethodGet)
	v1.HandleFunc("/sync", s.handleSyncNow).Methods(http.MethodPost)

	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sync.Status(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"online":  st.Online,
		"pending": st.Pending,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeEnded := r.URL.Query().Get("include_ended") == "true"
	respondJSON(w, http.StatusOK, s.sessions.Sessions(includeEnded))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req tracker.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	session, err := s.sessions.StartSession(r.Context(), req)
	switch {
	case errors.Is(err, tracker.ErrSessionExists):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusCreated, session)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Session(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.EndSession(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, tracker.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracker.ErrSessionEnded):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, session)
	}
}

// decodePackets accepts a single packet object or an array of packets
func decodePackets(r *http.Request) ([]types.TelemetryPacket, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var packets []types.TelemetryPacket
		if err := json.Unmarshal(body, &packets); err != nil {
			return nil, err
		}
		return packets, nil
	}
	var packet types.TelemetryPacket
	if err := json.Unmarshal(body, &packet); err != nil {
		return nil, err
	}
	return []types.TelemetryPacket{packet}, nil
}

func (s *Server) submit(ctx context.Context, w http.ResponseWriter, sessionID string, packets []types.TelemetryPacket) (int, bool) {
	for i, p := range packets {
		if err := s.sessions.SubmitPacket(ctx, sessionID, p); err != nil {
			if errors.Is(err, queue.ErrDurability) {
				respondError(w, http.StatusServiceUnavailable, err.Error())
			} else {
				respondError(w, http.StatusInternalServerError, err.Error())
			}
			s.logger.Warn("packet rejected", "session_id", sessionID, "accepted", i, "error", err)
			return i, false
		}
	}
	return len(packets), true
}

func (s *Server) handleSubmitPackets(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	packets, err := decodePackets(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(packets) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	n, ok := s.submit(r.Context(), w, sessionID, packets)
	if ok {
		respondJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
	}
}

// handleBatch ingests an uplink batch forwarded by a device
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	items, err := uplink.DecodeBatch(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, item := range items {
		if item.SessionID == "" {
			respondError(w, http.StatusBadRequest, "batch item without session id")
			return
		}
	}
	for _, item := range items {
		if _, ok := s.submit(r.Context(), w, item.SessionID, []types.TelemetryPacket{item.Packet}); !ok {
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]int{"accepted": len(items)})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	respondJSON(w, http.StatusOK, s.alerts.List(alerts.Filter{
		VehicleID: q.Get("vehicle_id"),
		Status:    types.AlertStatus(q.Get("status")),
		Type:      types.AlertType(q.Get("type")),
	}))
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.Acknowledge(mux.Vars(r)["id"])
	if errors.Is(err, alerts.ErrAlertNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.zones.ListZones())
}

func (s *Server) handleAddZone(w http.ResponseWriter, r *http.Request) {
	var zone types.Geofence
	if err := decodeJSON(r, &zone); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	stored, err := s.zones.AddZone(r.Context(), zone)
	if errors.Is(err, geofence.ErrInvalidZone) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleRemoveZone(w http.ResponseWriter, r *http.Request) {
	err := s.zones.RemoveZone(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, geofence.ErrZoneNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sync.Status(r.Context()))
}

type syncResponse struct {
	syncer.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	res := s.sync.SyncNow(r.Context())
	out := syncResponse{Result: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
		respondJSON(w, http.StatusBadGateway, out)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		respondError(w, http.StatusNotFound, "stats disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.stats.Snapshot())
}
