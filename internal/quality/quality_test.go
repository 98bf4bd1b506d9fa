package quality

import (
	"math"
	"testing"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func pkt(offset time.Duration, accuracy float64) types.TelemetryPacket {
	return types.TelemetryPacket{Timestamp: t0.Add(offset), Accuracy: accuracy, Speed: 40}
}

func TestAnalyze_SteadyStream(t *testing.T) {
	a := NewAnalyzer()
	a.Analyze("s1", pkt(0, 15))
	a.Analyze("s1", pkt(2*time.Second, 12))
	m := a.Analyze("s1", pkt(4*time.Second, 18))

	if m.DropoutCount != 0 {
		t.Errorf("DropoutCount = %d, want 0", m.DropoutCount)
	}
	// 15, 12 and 18 all fall in the (10, 20] band
	want := types.AccuracyBuckets{Good: 3}
	if m.Buckets != want {
		t.Errorf("Buckets = %+v, want %+v", m.Buckets, want)
	}
	if m.JitterMs != 0 {
		t.Errorf("JitterMs = %v, want 0 for even spacing", m.JitterMs)
	}
	if m.AverageAccuracy != 15 {
		t.Errorf("AverageAccuracy = %v, want 15", m.AverageAccuracy)
	}
	// 100 - (15-10)*0.5
	if m.Score != 97.5 {
		t.Errorf("Score = %v, want 97.5", m.Score)
	}
	if len(m.Flags) != 0 {
		t.Errorf("Flags = %v, want none", m.Flags)
	}
	if m.TotalPackets != 3 {
		t.Errorf("TotalPackets = %d, want 3", m.TotalPackets)
	}
}

func TestAnalyze_Buckets(t *testing.T) {
	tests := []struct {
		accuracy float64
		want     types.AccuracyBuckets
	}{
		{5, types.AccuracyBuckets{Excellent: 1}},
		{10, types.AccuracyBuckets{Excellent: 1}},
		{10.5, types.AccuracyBuckets{Good: 1}},
		{20, types.AccuracyBuckets{Good: 1}},
		{35, types.AccuracyBuckets{Fair: 1}},
		{50, types.AccuracyBuckets{Fair: 1}},
		{51, types.AccuracyBuckets{Poor: 1}},
	}
	for _, tt := range tests {
		m := NewAnalyzer().Analyze("s", pkt(0, tt.accuracy))
		if m.Buckets != tt.want {
			t.Errorf("accuracy %v: buckets = %+v, want %+v", tt.accuracy, m.Buckets, tt.want)
		}
	}
}

func TestAnalyze_DropoutAndBlackout(t *testing.T) {
	a := NewAnalyzer()
	first := a.Analyze("s1", pkt(0, 5))
	if first.DropoutCount != 0 {
		t.Fatal("first packet must never be a dropout")
	}

	m := a.Analyze("s1", pkt(15*time.Second, 5))
	if m.DropoutCount != 1 || m.MaxDropout != 15*time.Second {
		t.Errorf("after 15s gap: dropouts=%d max=%v", m.DropoutCount, m.MaxDropout)
	}
	if m.HasFlag(types.FlagSignalBlackout) {
		t.Error("15s gap is not a blackout")
	}

	m = a.Analyze("s1", pkt(55*time.Second, 5))
	if m.DropoutCount != 2 || m.MaxDropout != 40*time.Second {
		t.Errorf("after 40s gap: dropouts=%d max=%v", m.DropoutCount, m.MaxDropout)
	}
	if !m.HasFlag(types.FlagSignalBlackout) {
		t.Error("40s gap should flag SIGNAL_BLACKOUT")
	}

	m = a.Analyze("s1", pkt(56*time.Second, 5))
	if m.HasFlag(types.FlagSignalBlackout) {
		t.Error("blackout flag must describe only the packet that ended the gap")
	}
}

func TestAnalyze_OutOfOrderIsNotDropout(t *testing.T) {
	a := NewAnalyzer()
	a.Analyze("s1", pkt(20*time.Second, 5))
	m := a.Analyze("s1", pkt(0, 5))
	if m.DropoutCount != 0 {
		t.Errorf("negative gap counted as dropout")
	}
	m = a.Analyze("s1", pkt(21*time.Second, 5))
	if m.DropoutCount != 0 {
		t.Errorf("late packet moved the reference time backwards")
	}
}

func TestAnalyze_Flags(t *testing.T) {
	a := NewAnalyzer()
	m := a.Analyze("s1", types.TelemetryPacket{Timestamp: t0, Accuracy: 60, Speed: 250})
	if !m.HasFlag(types.FlagLowAccuracy) {
		t.Error("expected LOW_ACCURACY")
	}
	if !m.HasFlag(types.FlagGPSDrift) {
		t.Error("expected GPS_DRIFT")
	}

	m = NewAnalyzer().Analyze("s2", types.TelemetryPacket{Timestamp: t0, Accuracy: 15, Speed: 250})
	if m.HasFlag(types.FlagGPSDrift) {
		t.Error("GPS_DRIFT needs accuracy above 20m")
	}
}

func TestAnalyze_JitterAndDeviceLag(t *testing.T) {
	a := NewAnalyzer()
	// intervals 1s, 7s -> mean 4000ms, population stddev 3000ms
	a.Analyze("s1", pkt(0, 5))
	a.Analyze("s1", pkt(1*time.Second, 5))
	m := a.Analyze("s1", pkt(8*time.Second, 5))

	if math.Abs(m.JitterMs-3000) > 1e-9 {
		t.Errorf("JitterMs = %v, want 3000", m.JitterMs)
	}
	if !m.HasFlag(types.FlagDeviceLag) {
		t.Error("expected DEVICE_LAG above 2000ms jitter")
	}
	// 100 - 0 - 0 - 3000/1000*2
	if m.Score != 94 {
		t.Errorf("Score = %v, want 94", m.Score)
	}
}

func TestAnalyze_JitterNeedsThreeSamples(t *testing.T) {
	a := NewAnalyzer()
	a.Analyze("s1", pkt(0, 5))
	m := a.Analyze("s1", pkt(9*time.Second, 5))
	if m.JitterMs != 0 {
		t.Errorf("JitterMs = %v with two samples, want 0", m.JitterMs)
	}
}

func TestAnalyze_WindowIsBounded(t *testing.T) {
	a := NewAnalyzer()
	// an irregular start followed by a long steady stream
	a.Analyze("s1", pkt(0, 5))
	a.Analyze("s1", pkt(9*time.Second, 5))
	offset := 9 * time.Second
	var m types.QualityMetric
	for i := 0; i < WindowSize; i++ {
		offset += time.Second
		m = a.Analyze("s1", pkt(offset, 5))
	}
	if m.JitterMs != 0 {
		t.Errorf("JitterMs = %v, old samples should have left the window", m.JitterMs)
	}
}

func TestAnalyze_ScoreClamped(t *testing.T) {
	a := NewAnalyzer()
	var m types.QualityMetric
	for i := 0; i < 30; i++ {
		m = a.Analyze("s1", pkt(time.Duration(i)*time.Minute, 500))
	}
	if m.Score != 0 {
		t.Errorf("Score = %v, want clamp at 0", m.Score)
	}
}

func TestAnalyze_SessionsIsolatedAndReset(t *testing.T) {
	a := NewAnalyzer()
	a.Analyze("s1", pkt(0, 5))
	a.Analyze("s1", pkt(time.Minute, 5))

	m := a.Analyze("s2", pkt(time.Hour, 5))
	if m.DropoutCount != 0 || m.TotalPackets != 1 {
		t.Errorf("session s2 saw s1 state: %+v", m)
	}

	a.Reset("s1")
	m = a.Analyze("s1", pkt(2*time.Hour, 5))
	if m.DropoutCount != 0 || m.TotalPackets != 1 {
		t.Errorf("Reset did not clear s1: %+v", m)
	}
}
