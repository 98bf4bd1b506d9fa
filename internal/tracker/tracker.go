package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/fleetsync/internal/behavior"
	"github.com/saviobatista/fleetsync/internal/clock"
	"github.com/saviobatista/fleetsync/internal/geofence"
	"github.com/saviobatista/fleetsync/internal/pubsub"
	"github.com/saviobatista/fleetsync/internal/quality"
	"github.com/saviobatista/fleetsync/internal/stats"
	"github.com/saviobatista/fleetsync/internal/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
	ErrSessionExists   = errors.New("session already exists")
)

// Queue is the durable store every packet is written to before analysis.
// Enqueue reports inserted=false when the item id is already queued.
type Queue interface {
	Enqueue(ctx context.Context, sessionID string, packet types.TelemetryPacket) (types.QueueItem, bool, error)
	CountPendingForSession(ctx context.Context, sessionID string) (int, error)
	CountPendingBySession(ctx context.Context) (map[string]int, error)
}

// Kicker requests an opportunistic sync
type Kicker interface {
	Kick()
}

// Connectivity receives the online state reported by devices
type Connectivity interface {
	Set(online bool) bool
}

// AlertRaiser records security alerts
type AlertRaiser interface {
	Raise(alert types.SecurityAlert) types.SecurityAlert
}

// SessionCache mirrors session snapshots for external readers
type SessionCache interface {
	StoreSession(ctx context.Context, session types.TrackingSession) error
}

// PowerHint keeps the device awake while sessions are live
type PowerHint interface {
	Acquire()
	Release()
}

type noPower struct{}

func (noPower) Acquire() {}
func (noPower) Release() {}

// Deps are the collaborators of a Tracker. Queue, Quality, Behavior and
// Geofence are required.
type Deps struct {
	Queue        Queue
	Quality      *quality.Analyzer
	Behavior     *behavior.Scorer
	Geofence     *geofence.Engine
	Alerts       AlertRaiser
	Sync         Kicker
	Connectivity Connectivity
	Power        PowerHint
	Cache        SessionCache
	Stats        *stats.Stats
	Clock        clock.Clock
	Logger       *slog.Logger
}

// StartRequest describes a new session
type StartRequest struct {
	SessionID    string         `json:"session_id"`
	TripID       string         `json:"trip_id"`
	VehicleID    string         `json:"vehicle_id"`
	DriverName   string         `json:"driver_name"`
	PlannedRoute []types.LatLng `json:"planned_route,omitempty"`
}

type entry struct {
	mu      sync.Mutex
	session types.TrackingSession
	lastFix *types.LatLng
}

// Tracker routes packets through the durable queue and the analyzers and
// keeps the derived state of every session
type Tracker struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*entry
	live     int

	updates  *pubsub.Broker[types.TrackingSession]
	behavior *pubsub.Broker[types.BehaviorEvent]
	logger   *slog.Logger
}

// New creates a tracker
func New(deps Deps) *Tracker {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Power == nil {
		deps.Power = noPower{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "tracker")
	return &Tracker{
		deps:     deps,
		sessions: make(map[string]*entry),
		updates:  pubsub.NewBroker("sessions", types.TrackingSession.Clone, logger),
		behavior: pubsub.NewBroker[types.BehaviorEvent]("behavior", nil, logger),
		logger:   logger,
	}
}

// StartSession begins tracking a journey. A live session of the same vehicle
// is ended first.
func (t *Tracker) StartSession(ctx context.Context, req StartRequest) (types.TrackingSession, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.VehicleID == "" {
		req.VehicleID = req.SessionID
	}

	for _, id := range t.liveSessionsOf(req.VehicleID) {
		if id == req.SessionID {
			continue
		}
		if _, err := t.EndSession(ctx, id); err == nil {
			t.logger.Info("ended previous session of vehicle", "session_id", id, "vehicle_id", req.VehicleID)
		} else if !errors.Is(err, ErrSessionEnded) {
			t.logger.Warn("failed to end previous session", "session_id", id, "error", err)
		}
	}

	e := &entry{
		session: types.TrackingSession{
			SessionID:  req.SessionID,
			TripID:     req.TripID,
			VehicleID:  req.VehicleID,
			DriverName: req.DriverName,
			Status:     types.SessionSetup,
			StartedAt:  t.deps.Clock.Now(),
		},
	}
	if len(req.PlannedRoute) > 0 {
		e.session.PlannedRoute = append([]types.LatLng(nil), req.PlannedRoute...)
	}
	// A fresh session scores perfectly until it has driven enough
	e.session.BehaviorScore = t.deps.Behavior.CalculateSessionScore(req.SessionID, 0)

	t.mu.Lock()
	if _, ok := t.sessions[req.SessionID]; ok {
		t.mu.Unlock()
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	t.sessions[req.SessionID] = e
	t.addLiveLocked()
	t.mu.Unlock()

	if t.deps.Stats != nil {
		t.deps.Stats.IncrementSessionsStarted()
	}
	t.logger.Info("session started", "session_id", req.SessionID, "vehicle_id", req.VehicleID, "trip_id", req.TripID)

	e.mu.Lock()
	snap := e.session.Clone()
	e.mu.Unlock()
	t.publish(ctx, snap)
	return snap, nil
}

func (t *Tracker) liveSessionsOf(vehicleID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, e := range t.sessions {
		e.mu.Lock()
		if e.session.VehicleID == vehicleID && e.session.Status != types.SessionEnded {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Restore re-registers a live session saved by an earlier run with its
// cumulative state: distance, score, penalty, status, last sync and route.
// Quality windows start again with the next packet.
func (t *Tracker) Restore(ctx context.Context, saved types.TrackingSession) (types.TrackingSession, error) {
	if saved.Status == types.SessionEnded {
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionEnded, saved.SessionID)
	}
	if saved.VehicleID == "" {
		saved.VehicleID = saved.SessionID
	}

	e := &entry{session: saved.Clone()}
	e.session.PendingQueueSize = 0
	if loc := saved.CurrentLocation; loc != nil && loc.Accuracy <= behavior.AccuracyGateMeters {
		pos := loc.Position()
		e.lastFix = &pos
	}

	t.mu.Lock()
	if _, ok := t.sessions[saved.SessionID]; ok {
		t.mu.Unlock()
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionExists, saved.SessionID)
	}
	t.sessions[saved.SessionID] = e
	t.addLiveLocked()
	t.mu.Unlock()

	t.deps.Behavior.Restore(saved.SessionID, saved.BehaviorPenalty)
	if n, err := t.deps.Queue.CountPendingForSession(ctx, saved.SessionID); err == nil {
		e.mu.Lock()
		e.session.PendingQueueSize = n
		e.mu.Unlock()
	}
	t.logger.Info("session restored", "session_id", saved.SessionID, "status", saved.Status, "distance_km", saved.DistanceKm)

	e.mu.Lock()
	snap := e.session.Clone()
	e.mu.Unlock()
	t.updates.Publish(snap)
	return snap, nil
}

// entryFor returns the session entry, starting the session implicitly when
// the id is unknown
func (t *Tracker) entryFor(ctx context.Context, sessionID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		return e, nil
	}

	_, err := t.StartSession(ctx, StartRequest{SessionID: sessionID})
	if err != nil && !errors.Is(err, ErrSessionExists) {
		return nil, err
	}

	t.mu.RLock()
	e = t.sessions[sessionID]
	t.mu.RUnlock()
	return e, nil
}

// SubmitPacket persists a packet and then runs it through the analyzers.
// Only a durability failure is returned; everything after the enqueue is
// best effort.
func (t *Tracker) SubmitPacket(ctx context.Context, sessionID string, packet types.TelemetryPacket) error {
	started := time.Now()

	e, err := t.entryFor(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := t.deps.Stats
	if st != nil {
		st.IncrementPacketsReceived()
		defer func() { st.AddProcessingTime(time.Since(started)) }()
	}

	item, inserted, err := t.deps.Queue.Enqueue(ctx, sessionID, packet)
	if err != nil {
		if st != nil {
			st.IncrementDurabilityFailures()
		}
		t.logger.Error("failed to persist packet", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to enqueue packet for session %s: %w", sessionID, err)
	}
	if !inserted {
		// Redelivery of a packet that is still queued; it was analysed the first time
		t.logger.Debug("duplicate packet ignored", "session_id", sessionID, "id", item.ID)
		return nil
	}
	if st != nil {
		st.IncrementPacketsQueued()
	}
	packet.Timestamp = item.Packet.Timestamp

	online := !packet.Offline
	if t.deps.Connectivity != nil && t.deps.Connectivity.Set(online) {
		t.logger.Info("connectivity changed", "online", online)
	}

	if e.session.Status == types.SessionEnded {
		t.logger.Debug("packet for ended session queued without analysis", "session_id", sessionID)
		t.kick(online)
		return nil
	}

	t.analyze(ctx, e, packet)
	snap := e.session.Clone()
	t.publish(ctx, snap)
	t.kick(online)
	return nil
}

// analyze updates the derived state of e. Caller holds e.mu.
func (t *Tracker) analyze(ctx context.Context, e *entry, packet types.TelemetryPacket) {
	s := &e.session
	st := t.deps.Stats

	s.Quality = t.deps.Quality.Analyze(s.SessionID, packet)

	for _, ev := range t.deps.Behavior.ProcessTelemetry(s.SessionID, packet) {
		t.behavior.Publish(ev)
		if st != nil {
			st.IncrementBehaviorEvent(ev.Type)
		}
		t.logger.Info("behavior event", "session_id", s.SessionID, "type", ev.Type, "value", ev.Value, "severity", ev.Severity)
	}

	if packet.Accuracy > behavior.AccuracyGateMeters {
		if st != nil {
			st.IncrementPacketsGated()
		}
	} else {
		// Distance only accumulates between accurate fixes
		pos := packet.Position()
		if e.lastFix != nil {
			s.DistanceKm += geofence.Haversine(*e.lastFix, pos) / 1000
		}
		e.lastFix = &pos
	}
	loc := packet
	s.CurrentLocation = &loc

	if packet.Offline {
		s.Status = types.SessionOffline
	} else {
		s.Status = types.SessionActive
	}
	s.BehaviorScore = t.deps.Behavior.CalculateSessionScore(s.SessionID, s.DistanceKm)
	s.BehaviorPenalty = t.deps.Behavior.Penalty(s.SessionID)

	if t.deps.Geofence != nil {
		for _, alert := range t.deps.Geofence.CheckCompliance(s.Clone(), s.PlannedRoute) {
			if t.deps.Alerts != nil {
				alert = t.deps.Alerts.Raise(alert)
			}
			if st != nil {
				st.IncrementAlertsRaised()
			}
			t.logger.Warn("security alert", "session_id", s.SessionID, "type", alert.Type, "severity", alert.Severity, "message", alert.Message)
		}
	}

	if n, err := t.deps.Queue.CountPendingForSession(ctx, s.SessionID); err == nil {
		s.PendingQueueSize = n
	} else {
		t.logger.Warn("failed to count pending items", "session_id", s.SessionID, "error", err)
	}
}

func (t *Tracker) kick(online bool) {
	if online && t.deps.Sync != nil {
		t.deps.Sync.Kick()
	}
}

// EndSession stops tracking a session and returns its final state
func (t *Tracker) EndSession(ctx context.Context, sessionID string) (types.TrackingSession, error) {
	t.mu.RLock()
	e, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	e.mu.Lock()
	if e.session.Status == types.SessionEnded {
		e.mu.Unlock()
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	s := &e.session
	s.BehaviorScore = t.deps.Behavior.CalculateSessionScore(sessionID, s.DistanceKm)
	s.Status = types.SessionEnded
	s.EndedAt = t.deps.Clock.Now()
	if n, err := t.deps.Queue.CountPendingForSession(ctx, sessionID); err == nil {
		s.PendingQueueSize = n
	}
	snap := s.Clone()
	e.mu.Unlock()

	t.deps.Quality.Reset(sessionID)
	t.deps.Behavior.Reset(sessionID)
	if t.deps.Geofence != nil {
		t.deps.Geofence.ResetVehicle(snap.VehicleID)
	}

	t.mu.Lock()
	t.removeLiveLocked()
	t.mu.Unlock()

	if t.deps.Stats != nil {
		t.deps.Stats.IncrementSessionsEnded()
	}
	t.logger.Info("session ended", "session_id", sessionID, "distance_km", snap.DistanceKm, "score", snap.BehaviorScore)

	t.publish(ctx, snap)
	return snap, nil
}

func (t *Tracker) addLiveLocked() {
	t.live++
	if t.live == 1 {
		t.deps.Power.Acquire()
	}
	if t.deps.Stats != nil {
		t.deps.Stats.SetActiveSessions(uint64(t.live))
	}
}

func (t *Tracker) removeLiveLocked() {
	t.live--
	if t.live == 0 {
		t.deps.Power.Release()
	}
	if t.deps.Stats != nil {
		t.deps.Stats.SetActiveSessions(uint64(t.live))
	}
}

// Session returns a copy of one session
func (t *Tracker) Session(sessionID string) (types.TrackingSession, error) {
	t.mu.RLock()
	e, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return types.TrackingSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Sessions lists copies of the known sessions ordered by start time
func (t *Tracker) Sessions(includeEnded bool) []types.TrackingSession {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]types.TrackingSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if includeEnded || e.session.Status != types.SessionEnded {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Snapshot returns the live sessions with fresh pending queue sizes
func (t *Tracker) Snapshot(ctx context.Context) []types.TrackingSession {
	sessions := t.Sessions(false)
	counts, err := t.deps.Queue.CountPendingBySession(ctx)
	if err != nil {
		t.logger.Warn("failed to count pending items", "error", err)
		return sessions
	}
	var total int
	for _, n := range counts {
		total += n
	}
	if t.deps.Stats != nil {
		t.deps.Stats.SetPendingItems(uint64(total))
	}
	for i := range sessions {
		sessions[i].PendingQueueSize = counts[sessions[i].SessionID]
	}
	return sessions
}

// RecordSync stamps live sessions with the time of a successful upload
func (t *Tracker) RecordSync(at time.Time, uploaded int) {
	if t.deps.Stats != nil {
		t.deps.Stats.AddItemsSynced(uint64(uploaded))
	}

	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.session.Status != types.SessionEnded {
			e.session.LastSyncAt = at
			t.updates.Publish(e.session)
		}
		e.mu.Unlock()
	}
}

// Subscribe streams session snapshots after every change
func (t *Tracker) Subscribe(buffer int) (<-chan types.TrackingSession, func()) {
	return t.updates.Subscribe(buffer)
}

// SubscribeBehavior streams behavior events as they are detected
func (t *Tracker) SubscribeBehavior(buffer int) (<-chan types.BehaviorEvent, func()) {
	return t.behavior.Subscribe(buffer)
}

// Close ends every subscription
func (t *Tracker) Close() {
	t.updates.Close()
	t.behavior.Close()
}

func (t *Tracker) publish(ctx context.Context, snap types.TrackingSession) {
	t.updates.Publish(snap)
	if t.deps.Cache == nil {
		return
	}
	if err := t.deps.Cache.StoreSession(ctx, snap); err != nil {
		t.logger.Warn("failed to cache session", "session_id", snap.SessionID, "error", err)
	}
}
