// Package behavior detects harsh driving from consecutive packets and scores
// a session by penalty per kilometre.
package behavior

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	// Fixes worse than this are not trusted for force estimates
	AccuracyGateMeters = 20.0
	SpeedingDebounce   = 5 * time.Second
	Gravity            = 9.81
	MinScoredKm        = 1.0
	highSeverityFactor = 1.5
)

// Penalties are the score weights per event type
var Penalties = map[types.BehaviorType]float64{
	types.BehaviorSpeeding:   5,
	types.BehaviorHarshAccel: 3,
	types.BehaviorHarshBrake: 4,
	types.BehaviorHarshTurn:  3,
}

// Config holds the detection thresholds
type Config struct {
	SpeedLimitKmh   float64
	HarshAccelG     float64
	HarshBrakeG     float64
	HarshTurnG      float64
	MinTurnSpeedKmh float64
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		SpeedLimitKmh:   100,
		HarshAccelG:     0.3,
		HarshBrakeG:     0.4,
		HarshTurnG:      0.4,
		MinTurnSpeedKmh: 20,
	}
}

type sessionState struct {
	prev          *types.TelemetryPacket
	speedingSince time.Time
	speeding      bool
	speedingFired bool
	events        []types.BehaviorEvent
	penalty       float64
}

// Scorer keeps the previous accepted packet and event history per session
type Scorer struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewScorer creates a scorer; zero thresholds fall back to the defaults
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.SpeedLimitKmh <= 0 {
		cfg.SpeedLimitKmh = def.SpeedLimitKmh
	}
	if cfg.HarshAccelG <= 0 {
		cfg.HarshAccelG = def.HarshAccelG
	}
	if cfg.HarshBrakeG <= 0 {
		cfg.HarshBrakeG = def.HarshBrakeG
	}
	if cfg.HarshTurnG <= 0 {
		cfg.HarshTurnG = def.HarshTurnG
	}
	if cfg.MinTurnSpeedKmh <= 0 {
		cfg.MinTurnSpeedKmh = def.MinTurnSpeedKmh
	}
	return &Scorer{cfg: cfg, sessions: make(map[string]*sessionState)}
}

// ProcessTelemetry evaluates packet against the previous accepted packet of
// the session and returns the events it triggered, or nil.
func (s *Scorer) ProcessTelemetry(sessionID string, packet types.TelemetryPacket) []types.BehaviorEvent {
	// Gated fixes never become the reference packet for the next one
	if packet.Accuracy > AccuracyGateMeters {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}

	var fired []types.BehaviorEvent
	emit := func(kind types.BehaviorType, value, threshold float64) {
		ev := types.BehaviorEvent{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Type:      kind,
			Value:     value,
			Threshold: threshold,
			Severity:  severity(value, threshold),
			Timestamp: packet.Timestamp,
			Location:  packet.Position(),
		}
		fired = append(fired, ev)
		st.events = append(st.events, ev)
		st.penalty += Penalties[kind]
	}

	// Speeding fires once per continuous episode
	if packet.Speed > s.cfg.SpeedLimitKmh {
		if !st.speeding {
			st.speeding = true
			st.speedingFired = false
			st.speedingSince = packet.Timestamp
		} else if !st.speedingFired && packet.Timestamp.Sub(st.speedingSince) > SpeedingDebounce {
			st.speedingFired = true
			emit(types.BehaviorSpeeding, packet.Speed, s.cfg.SpeedLimitKmh)
		}
	} else {
		st.speeding = false
	}

	prev := st.prev
	if prev != nil {
		dt := packet.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt <= 0 {
			// duplicate or out of order; forces are meaningless
			return fired
		}

		g := (packet.Speed - prev.Speed) / 3.6 / dt / Gravity
		switch {
		case g > s.cfg.HarshAccelG:
			emit(types.BehaviorHarshAccel, g, s.cfg.HarshAccelG)
		case -g > s.cfg.HarshBrakeG:
			emit(types.BehaviorHarshBrake, -g, s.cfg.HarshBrakeG)
		}

		if packet.Speed >= s.cfg.MinTurnSpeedKmh {
			dh := headingDelta(prev.Heading, packet.Heading) * math.Pi / 180
			lateral := (packet.Speed / 3.6) * dh / dt / Gravity
			if lateral > s.cfg.HarshTurnG {
				emit(types.BehaviorHarshTurn, lateral, s.cfg.HarshTurnG)
			}
		}
	}

	p := packet
	st.prev = &p
	return fired
}

// CalculateSessionScore returns 100 minus the distance-normalised penalty
// index. Trips under 1 km are not scored and return 100.
func (s *Scorer) CalculateSessionScore(sessionID string, distanceKm float64) float64 {
	if distanceKm < MinScoredKm || math.IsNaN(distanceKm) {
		return 100
	}

	s.mu.Lock()
	var penalty float64
	if st, ok := s.sessions[sessionID]; ok {
		penalty = st.penalty
	}
	s.mu.Unlock()

	index := penalty / distanceKm * 10
	return math.Max(0, 100-index)
}

// Penalty returns the accumulated penalty points of a session
func (s *Scorer) Penalty(sessionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.penalty
	}
	return 0
}

// Restore seeds a session with the penalty points of an earlier run. The
// previous packet and event history are not restored, so force detection
// starts again from the next accepted packet.
func (s *Scorer) Restore(sessionID string, penalty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionState{penalty: penalty}
}

// Events returns a copy of the events recorded for a session
func (s *Scorer) Events(sessionID string) []types.BehaviorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]types.BehaviorEvent(nil), st.events...)
}

// Reset forgets everything about a session
func (s *Scorer) Reset(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// headingDelta is the absolute heading change in degrees, taking the short
// way round
func headingDelta(from, to float64) float64 {
	d := math.Mod(math.Abs(to-from), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func severity(value, threshold float64) types.Severity {
	if value > threshold*highSeverityFactor {
		return types.SeverityHigh
	}
	return types.SeverityMedium
}
