package behavior

import (
	"math"
	"testing"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64, speed, heading float64) types.TelemetryPacket {
	return types.TelemetryPacket{
		Latitude:  48.85,
		Longitude: 2.35,
		Accuracy:  5,
		Speed:     speed,
		Heading:   heading,
		Timestamp: t0.Add(time.Duration(sec * float64(time.Second))),
	}
}

func countType(events []types.BehaviorEvent, kind types.BehaviorType) int {
	n := 0
	for _, e := range events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func TestProcessTelemetry_HarshAccel(t *testing.T) {
	s := NewScorer(DefaultConfig())
	if ev := s.ProcessTelemetry("s1", at(0, 0, 0)); ev != nil {
		t.Fatalf("first packet produced %v", ev)
	}

	ev := s.ProcessTelemetry("s1", at(1, 54, 0))
	if len(ev) != 1 {
		t.Fatalf("expected 1 event, got %d", len(ev))
	}
	if ev[0].Type != types.BehaviorHarshAccel {
		t.Errorf("type = %s, want HARSH_ACCEL", ev[0].Type)
	}
	// 15 m/s in 1s = 15/9.81 g
	if math.Abs(ev[0].Value-15/9.81) > 1e-9 {
		t.Errorf("value = %v, want %v", ev[0].Value, 15/9.81)
	}
	if ev[0].Threshold != 0.3 {
		t.Errorf("threshold = %v, want 0.3", ev[0].Threshold)
	}
	if ev[0].Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want HIGH", ev[0].Severity)
	}
	if ev[0].ID == "" || ev[0].SessionID != "s1" {
		t.Errorf("event identity not set: %+v", ev[0])
	}
}

func TestProcessTelemetry_HarshBrakeSeverity(t *testing.T) {
	tests := []struct {
		name     string
		from, to float64
		want     types.Severity
	}{
		// 20 km/h in 1s = 5.56 m/s = 0.566g, between 0.4 and 0.6
		{"medium", 60, 40, types.SeverityMedium},
		// 40 km/h in 1s = 1.13g
		{"high", 60, 20, types.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(DefaultConfig())
			s.ProcessTelemetry("s1", at(0, tt.from, 0))
			ev := s.ProcessTelemetry("s1", at(1, tt.to, 0))
			if countType(ev, types.BehaviorHarshBrake) != 1 {
				t.Fatalf("expected HARSH_BRAKE, got %v", ev)
			}
			if ev[0].Value <= 0 {
				t.Errorf("brake value should be positive, got %v", ev[0].Value)
			}
			if ev[0].Severity != tt.want {
				t.Errorf("severity = %s, want %s", ev[0].Severity, tt.want)
			}
		})
	}
}

func TestProcessTelemetry_GentleDriving(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i < 10; i++ {
		if ev := s.ProcessTelemetry("s1", at(float64(i), 50+float64(i), 90)); ev != nil {
			t.Fatalf("packet %d produced %v", i, ev)
		}
	}
}

func TestProcessTelemetry_SpeedingDebounce(t *testing.T) {
	s := NewScorer(DefaultConfig())

	// 3 second burst above the limit
	var total []types.BehaviorEvent
	for i := 0; i <= 3; i++ {
		total = append(total, s.ProcessTelemetry("s1", at(float64(i), 110, 0))...)
	}
	total = append(total, s.ProcessTelemetry("s1", at(4, 90, 0))...)
	if countType(total, types.BehaviorSpeeding) != 0 {
		t.Fatalf("3s burst produced speeding events: %v", total)
	}

	// 6 seconds of continuous excess, then more of the same episode
	total = nil
	for i := 10; i <= 20; i++ {
		total = append(total, s.ProcessTelemetry("s1", at(float64(i), 110, 0))...)
	}
	if n := countType(total, types.BehaviorSpeeding); n != 1 {
		t.Fatalf("continuous speeding produced %d events, want 1", n)
	}

	// a new episode may fire again
	s.ProcessTelemetry("s1", at(21, 90, 0))
	total = nil
	for i := 22; i <= 28; i++ {
		total = append(total, s.ProcessTelemetry("s1", at(float64(i), 110, 0))...)
	}
	if n := countType(total, types.BehaviorSpeeding); n != 1 {
		t.Errorf("second episode produced %d events, want 1", n)
	}
}

func TestProcessTelemetry_SpeedingFiresAfterSixSeconds(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i <= 5; i++ {
		if ev := s.ProcessTelemetry("s1", at(float64(i), 120, 0)); countType(ev, types.BehaviorSpeeding) != 0 {
			t.Fatalf("fired at %ds", i)
		}
	}
	ev := s.ProcessTelemetry("s1", at(6, 120, 0))
	if countType(ev, types.BehaviorSpeeding) != 1 {
		t.Fatalf("expected speeding at 6s, got %v", ev)
	}
	if ev[0].Value != 120 || ev[0].Threshold != 100 {
		t.Errorf("value/threshold = %v/%v", ev[0].Value, ev[0].Threshold)
	}
}

func TestProcessTelemetry_HarshTurn(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.ProcessTelemetry("s1", at(0, 36, 350))
	// 10 m/s, 20 degrees short way (350 -> 10) in 1s: 10*0.349/9.81 = 0.356g
	if ev := s.ProcessTelemetry("s1", at(1, 36, 10)); countType(ev, types.BehaviorHarshTurn) != 0 {
		t.Fatalf("0.36g turn should not fire: %v", ev)
	}
	// 10 m/s, 45 degrees in 1s: 0.80g
	ev := s.ProcessTelemetry("s1", at(2, 36, 55))
	if countType(ev, types.BehaviorHarshTurn) != 1 {
		t.Fatalf("expected HARSH_TURN, got %v", ev)
	}
	if ev[0].Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want HIGH", ev[0].Severity)
	}
}

func TestProcessTelemetry_TurnIgnoredBelowMinSpeed(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.ProcessTelemetry("s1", at(0, 10, 0))
	if ev := s.ProcessTelemetry("s1", at(1, 10, 180)); ev != nil {
		t.Errorf("turn at 10 km/h produced %v", ev)
	}
}

func TestProcessTelemetry_AccuracyGate(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.ProcessTelemetry("s1", at(0, 0, 0))

	poor := at(9, 0, 0)
	poor.Accuracy = 35
	if ev := s.ProcessTelemetry("s1", poor); ev != nil {
		t.Fatalf("poor fix produced %v", ev)
	}

	// compared against the packet at t=0, not the rejected one at t=9:
	// 54 km/h over 10s is 0.15g, over 1s it would be a harsh accel
	if ev := s.ProcessTelemetry("s1", at(10, 54, 0)); ev != nil {
		t.Errorf("expected no events, got %v", ev)
	}
}

func TestProcessTelemetry_NonPositiveDelta(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.ProcessTelemetry("s1", at(5, 0, 0))
	if ev := s.ProcessTelemetry("s1", at(5, 80, 0)); ev != nil {
		t.Errorf("duplicate timestamp produced %v", ev)
	}
	if ev := s.ProcessTelemetry("s1", at(4, 80, 0)); ev != nil {
		t.Errorf("out-of-order packet produced %v", ev)
	}
}

func TestCalculateSessionScore(t *testing.T) {
	s := NewScorer(DefaultConfig())

	// no events: 100 for any distance
	for _, km := range []float64{0, 0.5, 1, 250} {
		if got := s.CalculateSessionScore("clean", km); got != 100 {
			t.Errorf("clean session at %vkm = %v, want 100", km, got)
		}
	}

	// one HARSH_ACCEL (3) + one HARSH_BRAKE (4)
	s.ProcessTelemetry("s1", at(0, 0, 0))
	s.ProcessTelemetry("s1", at(1, 54, 0))
	s.ProcessTelemetry("s1", at(2, 0, 0))
	if n := len(s.Events("s1")); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	if got := s.CalculateSessionScore("s1", 0.9); got != 100 {
		t.Errorf("short trip score = %v, want 100", got)
	}
	// 7 / 10km * 10 = 7
	if got := s.CalculateSessionScore("s1", 10); got != 93 {
		t.Errorf("score = %v, want 93", got)
	}
	// 7 / 1km * 10 = 70
	if got := s.CalculateSessionScore("s1", 1); got != 30 {
		t.Errorf("score = %v, want 30", got)
	}
}

func TestCalculateSessionScore_FloorsAtZero(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i < 10; i++ {
		s.ProcessTelemetry("s1", at(float64(2*i), 0, 0))
		s.ProcessTelemetry("s1", at(float64(2*i+1), 60, 0))
	}
	if got := s.CalculateSessionScore("s1", 1); got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestEventsAndReset(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.ProcessTelemetry("s1", at(0, 0, 0))
	s.ProcessTelemetry("s1", at(1, 54, 0))

	events := s.Events("s1")
	events[0].Value = -1
	if s.Events("s1")[0].Value == -1 {
		t.Error("Events returned internal storage")
	}

	s.Reset("s1")
	if s.Events("s1") != nil {
		t.Error("Reset kept events")
	}
	if ev := s.ProcessTelemetry("s1", at(2, 54, 0)); ev != nil {
		t.Errorf("Reset kept the previous packet: %v", ev)
	}
}

func TestHeadingDelta(t *testing.T) {
	tests := []struct{ from, to, want float64 }{
		{0, 90, 90},
		{350, 10, 20},
		{10, 350, 20},
		{0, 180, 180},
		{90, 90, 0},
		{0, 270, 90},
	}
	for _, tt := range tests {
		if got := headingDelta(tt.from, tt.to); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("headingDelta(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
