package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

// BehaviorTypes fixes the index of each behavior type in
// Snapshot.BehaviorCounts
var BehaviorTypes = [4]types.BehaviorType{
	types.BehaviorSpeeding,
	types.BehaviorHarshAccel,
	types.BehaviorHarshBrake,
	types.BehaviorHarshTurn,
}

// Persister stores a statistics snapshot; db.Client implements it
type Persister interface {
	StoreSystemStats(ctx context.Context, snap Snapshot) error
}

// Stats tracks pipeline statistics
type Stats struct {
	// Packet counts
	PacketsReceived    uint64
	PacketsQueued      uint64
	DurabilityFailures uint64
	PacketsGated       uint64

	// Derived output
	BehaviorEvents uint64
	BehaviorCounts [4]uint64 // index follows BehaviorTypes
	AlertsRaised   uint64

	// Sessions
	SessionsStarted uint64
	SessionsEnded   uint64
	ActiveSessions  uint64

	// Sync
	ItemsSynced  uint64
	SyncFailures uint64
	PendingItems uint64

	// Timing
	StartedAt      time.Time
	LastPacketTime time.Time
	ProcessingTime time.Duration

	persister Persister

	mu sync.RWMutex
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Time               time.Time     `json:"time"`
	PacketsReceived    uint64        `json:"packets_received"`
	PacketsQueued      uint64        `json:"packets_queued"`
	DurabilityFailures uint64        `json:"durability_failures"`
	PacketsGated       uint64        `json:"packets_gated"`
	BehaviorEvents     uint64        `json:"behavior_events"`
	BehaviorCounts     [4]uint64     `json:"behavior_counts"`
	AlertsRaised       uint64        `json:"alerts_raised"`
	SessionsStarted    uint64        `json:"sessions_started"`
	SessionsEnded      uint64        `json:"sessions_ended"`
	ActiveSessions     uint64        `json:"active_sessions"`
	ItemsSynced        uint64        `json:"items_synced"`
	SyncFailures       uint64        `json:"sync_failures"`
	PendingItems       uint64        `json:"pending_items"`
	LastPacketTime     time.Time     `json:"last_packet_time"`
	ProcessingTime     time.Duration `json:"processing_time"`
	Uptime             time.Duration `json:"uptime"`
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{StartedAt: time.Now()}
}

// SetPersister sets where Persist writes snapshots
func (s *Stats) SetPersister(p Persister) {
	s.mu.Lock()
	s.persister = p
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	p := s.persister
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("statistics persister not set")
	}
	return p.StoreSystemStats(ctx, s.Snapshot())
}

// IncrementPacketsReceived counts a packet handed to the orchestrator
func (s *Stats) IncrementPacketsReceived() {
	atomic.AddUint64(&s.PacketsReceived, 1)
	s.mu.Lock()
	s.LastPacketTime = time.Now()
	s.mu.Unlock()
}

// IncrementPacketsQueued counts a durable enqueue
func (s *Stats) IncrementPacketsQueued() {
	atomic.AddUint64(&s.PacketsQueued, 1)
}

// IncrementDurabilityFailures counts a packet that could not be persisted
func (s *Stats) IncrementDurabilityFailures() {
	atomic.AddUint64(&s.DurabilityFailures, 1)
}

// IncrementPacketsGated counts a packet too inaccurate for analysis
func (s *Stats) IncrementPacketsGated() {
	atomic.AddUint64(&s.PacketsGated, 1)
}

// IncrementBehaviorEvent counts one behavior event of the given type
func (s *Stats) IncrementBehaviorEvent(kind types.BehaviorType) {
	atomic.AddUint64(&s.BehaviorEvents, 1)
	for i, t := range BehaviorTypes {
		if t == kind {
			atomic.AddUint64(&s.BehaviorCounts[i], 1)
			return
		}
	}
}

// IncrementAlertsRaised counts a security alert
func (s *Stats) IncrementAlertsRaised() {
	atomic.AddUint64(&s.AlertsRaised, 1)
}

// IncrementSessionsStarted counts a started session
func (s *Stats) IncrementSessionsStarted() {
	atomic.AddUint64(&s.SessionsStarted, 1)
}

// IncrementSessionsEnded counts an ended session
func (s *Stats) IncrementSessionsEnded() {
	atomic.AddUint64(&s.SessionsEnded, 1)
}

// SetActiveSessions sets the number of live sessions
func (s *Stats) SetActiveSessions(count uint64) {
	atomic.StoreUint64(&s.ActiveSessions, count)
}

// AddItemsSynced counts items accepted by the remote
func (s *Stats) AddItemsSynced(n uint64) {
	atomic.AddUint64(&s.ItemsSynced, n)
}

// IncrementSyncFailures counts a failed sync attempt
func (s *Stats) IncrementSyncFailures() {
	atomic.AddUint64(&s.SyncFailures, 1)
}

// SetPendingItems sets the queue depth
func (s *Stats) SetPendingItems(count uint64) {
	atomic.StoreUint64(&s.PendingItems, count)
}

// AddProcessingTime adds to the total processing time
func (s *Stats) AddProcessingTime(duration time.Duration) {
	s.mu.Lock()
	s.ProcessingTime += duration
	s.mu.Unlock()
}

// Snapshot returns a copy of the current statistics
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts [4]uint64
	for i := range counts {
		counts[i] = atomic.LoadUint64(&s.BehaviorCounts[i])
	}

	return Snapshot{
		Time:               time.Now(),
		PacketsReceived:    atomic.LoadUint64(&s.PacketsReceived),
		PacketsQueued:      atomic.LoadUint64(&s.PacketsQueued),
		DurabilityFailures: atomic.LoadUint64(&s.DurabilityFailures),
		PacketsGated:       atomic.LoadUint64(&s.PacketsGated),
		BehaviorEvents:     atomic.LoadUint64(&s.BehaviorEvents),
		BehaviorCounts:     counts,
		AlertsRaised:       atomic.LoadUint64(&s.AlertsRaised),
		SessionsStarted:    atomic.LoadUint64(&s.SessionsStarted),
		SessionsEnded:      atomic.LoadUint64(&s.SessionsEnded),
		ActiveSessions:     atomic.LoadUint64(&s.ActiveSessions),
		ItemsSynced:        atomic.LoadUint64(&s.ItemsSynced),
		SyncFailures:       atomic.LoadUint64(&s.SyncFailures),
		PendingItems:       atomic.LoadUint64(&s.PendingItems),
		LastPacketTime:     s.LastPacketTime,
		ProcessingTime:     s.ProcessingTime,
		Uptime:             time.Since(s.StartedAt),
	}
}

// LogValue renders the snapshot as a slog group
func (s *Stats) LogValue() slog.Value {
	snap := s.Snapshot()
	return slog.GroupValue(
		slog.Uint64("packets_received", snap.PacketsReceived),
		slog.Uint64("packets_queued", snap.PacketsQueued),
		slog.Uint64("durability_failures", snap.DurabilityFailures),
		slog.Uint64("packets_gated", snap.PacketsGated),
		slog.Uint64("behavior_events", snap.BehaviorEvents),
		slog.Uint64("alerts_raised", snap.AlertsRaised),
		slog.Uint64("active_sessions", snap.ActiveSessions),
		slog.Uint64("items_synced", snap.ItemsSynced),
		slog.Uint64("sync_failures", snap.SyncFailures),
		slog.Uint64("pending_items", snap.PendingItems),
		slog.Duration("processing_time", snap.ProcessingTime),
		slog.Duration("uptime", snap.Uptime),
	)
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf(
		"Packets Received: %d\n"+
			"Packets Queued: %d\n"+
			"Durability Failures: %d\n"+
			"Packets Gated: %d\n"+
			"Behavior Events: %d\n"+
			"Alerts Raised: %d\n"+
			"Sessions Started: %d\n"+
			"Sessions Ended: %d\n"+
			"Active Sessions: %d\n"+
			"Items Synced: %d\n"+
			"Sync Failures: %d\n"+
			"Pending Items: %d\n"+
			"Last Packet Time: %s\n"+
			"Processing Time: %s\n"+
			"Uptime: %s",
		snap.PacketsReceived,
		snap.PacketsQueued,
		snap.DurabilityFailures,
		snap.PacketsGated,
		snap.BehaviorEvents,
		snap.AlertsRaised,
		snap.SessionsStarted,
		snap.SessionsEnded,
		snap.ActiveSessions,
		snap.ItemsSynced,
		snap.SyncFailures,
		snap.PendingItems,
		snap.LastPacketTime,
		snap.ProcessingTime,
		snap.Uptime,
	)
}

// StartLogging logs the statistics every interval until ctx is done
func (s *Stats) StartLogging(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("statistics", "stats", s)
		}
	}
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(final); err != nil {
				logger.Warn("failed to persist final statistics", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				logger.Warn("failed to persist statistics", "error", err)
			}
		}
	}
}
