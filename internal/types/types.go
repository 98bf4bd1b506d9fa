package types

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a tracking session
type SessionStatus string

const (
	SessionSetup   SessionStatus = "SETUP"
	SessionActive  SessionStatus = "ACTIVE"
	SessionOffline SessionStatus = "OFFLINE"
	SessionEnded   SessionStatus = "ENDED"
)

// QueueStatus is the status of a queued packet. Items are deleted on
// successful upload, so PENDING is the only stored value.
type QueueStatus string

const QueuePending QueueStatus = "PENDING"

// Severity grades alerts and behavior events
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// LatLng is a plain WGS84 coordinate
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TelemetryPacket is one GPS/sensor sample captured by a device
type TelemetryPacket struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"` // meters
	Speed        float64   `json:"speed"`    // km/h
	Heading      float64   `json:"heading"`  // degrees 0-360
	Altitude     float64   `json:"altitude"`
	Timestamp    time.Time `json:"timestamp"` // device capture time
	BatteryLevel float64   `json:"battery_level"`
	NetworkType  string    `json:"network_type"`
	Offline      bool      `json:"offline"`
}

// Position returns the packet coordinate
func (p TelemetryPacket) Position() LatLng {
	return LatLng{Lat: p.Latitude, Lng: p.Longitude}
}

// QueueItem wraps a packet waiting for upload
type QueueItem struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Packet     TelemetryPacket `json:"packet"`
	Status     QueueStatus     `json:"status"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// QueueItemID builds the synthetic queue id for a packet. Milliseconds are
// zero padded so ids of one session sort by capture time.
func QueueItemID(sessionID string, captured time.Time) string {
	return fmt.Sprintf("%s_%013d", sessionID, captured.UnixMilli())
}

// AccuracyBuckets counts packets per accuracy band
type AccuracyBuckets struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`
}

// QualityFlag marks a link-quality condition
type QualityFlag string

const (
	FlagSignalBlackout QualityFlag = "SIGNAL_BLACKOUT"
	FlagLowAccuracy    QualityFlag = "LOW_ACCURACY"
	FlagDeviceLag      QualityFlag = "DEVICE_LAG"
	FlagGPSDrift       QualityFlag = "GPS_DRIFT"
)

// QualityMetric is the derived link-quality profile of a session
type QualityMetric struct {
	Score           float64         `json:"score"`
	AverageAccuracy float64         `json:"average_accuracy"`
	DropoutCount    int             `json:"dropout_count"`
	MaxDropout      time.Duration   `json:"max_dropout"`
	JitterMs        float64         `json:"jitter_ms"`
	Buckets         AccuracyBuckets `json:"buckets"`
	Flags           []QualityFlag   `json:"flags,omitempty"`
	TotalPackets    int             `json:"total_packets"`
}

// HasFlag reports whether flag is set on the metric
func (m QualityMetric) HasFlag(flag QualityFlag) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// TrackingSession is one journey of a vehicle
type TrackingSession struct {
	SessionID        string           `json:"session_id"`
	TripID           string           `json:"trip_id"`
	VehicleID        string           `json:"vehicle_id"`
	DriverName       string           `json:"driver_name"`
	Status           SessionStatus    `json:"status"`
	CurrentLocation  *TelemetryPacket `json:"current_location,omitempty"`
	DistanceKm       float64          `json:"distance_km"`
	BehaviorScore    float64          `json:"behavior_score"`
	BehaviorPenalty  float64          `json:"behavior_penalty"`
	Quality          QualityMetric    `json:"quality"`
	PendingQueueSize int              `json:"pending_queue_size"`
	LastSyncAt       time.Time        `json:"last_sync_at"`
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	PlannedRoute     []LatLng         `json:"planned_route,omitempty"`
}

// Clone returns a deep copy safe to hand to consumers
func (s TrackingSession) Clone() TrackingSession {
	c := s
	if s.CurrentLocation != nil {
		loc := *s.CurrentLocation
		c.CurrentLocation = &loc
	}
	if s.Quality.Flags != nil {
		c.Quality.Flags = append([]QualityFlag(nil), s.Quality.Flags...)
	}
	if s.PlannedRoute != nil {
		c.PlannedRoute = append([]LatLng(nil), s.PlannedRoute...)
	}
	return c
}

// ZoneShape is the geometry of a geofence
type ZoneShape string

const (
	ShapeCircle  ZoneShape = "CIRCLE"
	ShapePolygon ZoneShape = "POLYGON"
)

// Trigger selects which transitions of a zone raise alerts
type Trigger string

const (
	TriggerEnter Trigger = "ENTER"
	TriggerExit  Trigger = "EXIT"
	TriggerDwell Trigger = "DWELL"
)

// Geofence is a named zone from the admin catalog
type Geofence struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Shape        ZoneShape `json:"shape"`
	Center       LatLng    `json:"center"`
	RadiusMeters float64   `json:"radius_meters,omitempty"`
	Vertices     []LatLng  `json:"vertices,omitempty"`
	Triggers     []Trigger `json:"triggers"`
	Severity     Severity  `json:"severity"`
	DwellMinutes float64   `json:"dwell_minutes,omitempty"`
	Active       bool      `json:"active"`
}

// HasTrigger reports whether the zone raises alerts for trigger
func (g Geofence) HasTrigger(trigger Trigger) bool {
	for _, t := range g.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// AlertType classifies a security alert
type AlertType string

const (
	AlertGeofenceEnter  AlertType = "GEOFENCE_ENTER"
	AlertGeofenceExit   AlertType = "GEOFENCE_EXIT"
	AlertGeofenceDwell  AlertType = "GEOFENCE_DWELL"
	AlertRouteDeviation AlertType = "ROUTE_DEVIATION"
)

// AlertStatus is NEW until someone acknowledges the alert
type AlertStatus string

const (
	AlertNew          AlertStatus = "NEW"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
)

// SecurityAlert records one geofence or route violation
type SecurityAlert struct {
	ID             string      `json:"id"`
	Type           AlertType   `json:"type"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	VehicleID      string      `json:"vehicle_id"`
	TripID         string      `json:"trip_id"`
	SessionID      string      `json:"session_id"`
	ZoneID         string      `json:"zone_id,omitempty"`
	Location       LatLng      `json:"location"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt time.Time   `json:"acknowledged_at"`
}

// BehaviorType classifies a driving anomaly
type BehaviorType string

const (
	BehaviorSpeeding   BehaviorType = "SPEEDING"
	BehaviorHarshAccel BehaviorType = "HARSH_ACCEL"
	BehaviorHarshBrake BehaviorType = "HARSH_BRAKE"
	BehaviorHarshTurn  BehaviorType = "HARSH_TURN"
)

// BehaviorEvent records one driving anomaly
type BehaviorEvent struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Type      BehaviorType `json:"type"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	Severity  Severity     `json:"severity"`
	Timestamp time.Time    `json:"timestamp"`
	Location  LatLng       `json:"location"`
}
