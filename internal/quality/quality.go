// Package quality derives a running link-quality metric per session from
// packet arrival gaps and reported GPS accuracy.
package quality

import (
	"math"
	"sync"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	DropoutThreshold  = 10 * time.Second
	BlackoutThreshold = 3 * DropoutThreshold
	LowAccuracyMeters = 50.0
	DeviceLagJitterMs = 2000.0
	DriftSpeedKmh     = 200.0
	DriftAccuracy     = 20.0
	WindowSize        = 20
)

type sessionContext struct {
	lastTime    time.Time
	window      [WindowSize]time.Time
	windowLen   int
	windowHead  int
	total       int
	dropouts    int
	maxDropout  time.Duration
	accuracySum float64
	buckets     types.AccuracyBuckets
}

// push appends ts to the ring, overwriting the oldest entry when full
func (c *sessionContext) push(ts time.Time) {
	idx := (c.windowHead + c.windowLen) % WindowSize
	if c.windowLen < WindowSize {
		c.windowLen++
	} else {
		c.windowHead = (c.windowHead + 1) % WindowSize
	}
	c.window[idx] = ts
}

// jitterMs is the population standard deviation of the intervals between
// consecutive buffered timestamps. Out-of-order pairs count as zero.
func (c *sessionContext) jitterMs() float64 {
	if c.windowLen < 3 {
		return 0
	}
	intervals := make([]float64, 0, c.windowLen-1)
	prev := c.window[c.windowHead]
	for i := 1; i < c.windowLen; i++ {
		cur := c.window[(c.windowHead+i)%WindowSize]
		gap := cur.Sub(prev)
		if gap < 0 {
			gap = 0
		}
		intervals = append(intervals, float64(gap.Milliseconds()))
		prev = cur
	}

	var mean float64
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(intervals)))
}

// Analyzer keeps one rolling context per session
type Analyzer struct {
	mu       sync.Mutex
	sessions map[string]*sessionContext
}

// NewAnalyzer creates an empty analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{sessions: make(map[string]*sessionContext)}
}

// Analyze folds packet into the session context and returns the updated
// metric. Malformed input degrades the metric, it never fails.
func (a *Analyzer) Analyze(sessionID string, packet types.TelemetryPacket) types.QualityMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, ok := a.sessions[sessionID]
	if !ok {
		ctx = &sessionContext{}
		a.sessions[sessionID] = ctx
	}

	var flags []types.QualityFlag

	if ctx.total > 0 {
		gap := packet.Timestamp.Sub(ctx.lastTime)
		if gap > DropoutThreshold {
			ctx.dropouts++
			if gap > ctx.maxDropout {
				ctx.maxDropout = gap
			}
		}
		if gap > BlackoutThreshold {
			flags = append(flags, types.FlagSignalBlackout)
		}
	}
	if ctx.total == 0 || packet.Timestamp.After(ctx.lastTime) {
		ctx.lastTime = packet.Timestamp
	}

	accuracy := packet.Accuracy
	if accuracy < 0 || math.IsNaN(accuracy) {
		accuracy = 0
	}
	ctx.total++
	ctx.accuracySum += accuracy
	switch {
	case accuracy <= 10:
		ctx.buckets.Excellent++
	case accuracy <= 20:
		ctx.buckets.Good++
	case accuracy <= 50:
		ctx.buckets.Fair++
	default:
		ctx.buckets.Poor++
	}

	ctx.push(packet.Timestamp)
	jitter := ctx.jitterMs()

	if accuracy > LowAccuracyMeters {
		flags = append(flags, types.FlagLowAccuracy)
	}
	if jitter > DeviceLagJitterMs {
		flags = append(flags, types.FlagDeviceLag)
	}
	if packet.Speed > DriftSpeedKmh && accuracy > DriftAccuracy {
		flags = append(flags, types.FlagGPSDrift)
	}

	avg := ctx.accuracySum / float64(ctx.total)
	return types.QualityMetric{
		Score:           score(avg, ctx.dropouts, jitter),
		AverageAccuracy: avg,
		DropoutCount:    ctx.dropouts,
		MaxDropout:      ctx.maxDropout,
		JitterMs:        jitter,
		Buckets:         ctx.buckets,
		Flags:           flags,
		TotalPackets:    ctx.total,
	}
}

// Reset drops the context of a session
func (a *Analyzer) Reset(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

func score(avgAccuracy float64, dropouts int, jitterMs float64) float64 {
	s := 100.0
	s -= math.Max(0, (avgAccuracy-10)*0.5)
	s -= float64(dropouts) * 5
	s -= jitterMs / 1000 * 2
	return math.Max(0, math.Min(100, s))
}
