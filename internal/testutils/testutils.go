// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

// Epoch is a fixed start time for generated drives
var Epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// Packet returns an accurate fix at lat,lng
func Packet(lat, lng float64, at time.Time) types.TelemetryPacket {
	return types.TelemetryPacket{
		Latitude:     lat,
		Longitude:    lng,
		Accuracy:     5,
		Timestamp:    at,
		BatteryLevel: 0.9,
		NetworkType:  "4g",
	}
}

// Drive generates n fixes moving north from start at a constant speed,
// one every interval
func Drive(start types.LatLng, speedKmh float64, n int, interval time.Duration) []types.TelemetryPacket {
	const metersPerDegree = 111_195.0
	step := speedKmh / 3.6 * interval.Seconds() / metersPerDegree

	packets := make([]types.TelemetryPacket, n)
	for i := range packets {
		p := Packet(start.Lat+step*float64(i), start.Lng, Epoch.Add(time.Duration(i)*interval))
		p.Speed = speedKmh
		packets[i] = p
	}
	return packets
}

// Square returns a closed polygon of side 2*half degrees around center
func Square(center types.LatLng, half float64) []types.LatLng {
	return []types.LatLng{
		{Lat: center.Lat - half, Lng: center.Lng - half},
		{Lat: center.Lat - half, Lng: center.Lng + half},
		{Lat: center.Lat + half, Lng: center.Lng + half},
		{Lat: center.Lat + half, Lng: center.Lng - half},
	}
}

// NearlyEqual compares floats with an absolute tolerance
func NearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
