package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

// RecordType is the leading tag of a gateway line
type RecordType string

const (
	// RecordTelemetry carries one packet
	RecordTelemetry RecordType = "TLM"
	// RecordHeartbeat is sent by gateways when idle and carries no state
	RecordHeartbeat RecordType = "HB"
)

const telemetryFields = 12

// ErrEmptyLine is returned for blank input
var ErrEmptyLine = errors.New("empty line")

// Line is a decoded telemetry record
type Line struct {
	SessionID string
	Packet    types.TelemetryPacket
}

// ParseLine parses a gateway line of the form
//
//	TLM,<session>,<unixMillis>,<lat>,<lng>,<accuracy>,<speed>,<heading>,<altitude>,<battery>,<network>,<offline>
//
// Heartbeats return nil, nil. Altitude, battery and network may be empty.
func ParseLine(raw string) (*Line, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyLine
	}

	fields := strings.Split(raw, ",")
	switch RecordType(fields[0]) {
	case RecordHeartbeat:
		return nil, nil
	case RecordTelemetry:
	default:
		return nil, fmt.Errorf("unknown record type: %q", fields[0])
	}

	if len(fields) != telemetryFields {
		return nil, fmt.Errorf("invalid telemetry format: expected %d fields, got %d", telemetryFields, len(fields))
	}

	sessionID := strings.TrimSpace(fields[1])
	if sessionID == "" {
		return nil, errors.New("missing session id")
	}

	ms, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	pkt := types.TelemetryPacket{
		Timestamp:   time.UnixMilli(ms).UTC(),
		NetworkType: strings.TrimSpace(fields[10]),
	}

	if pkt.Latitude, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	if pkt.Longitude, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	if pkt.Latitude < -90 || pkt.Latitude > 90 || pkt.Longitude < -180 || pkt.Longitude > 180 {
		return nil, fmt.Errorf("coordinate out of range: %f,%f", pkt.Latitude, pkt.Longitude)
	}

	required := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"accuracy", fields[5], &pkt.Accuracy},
		{"speed", fields[6], &pkt.Speed},
		{"heading", fields[7], &pkt.Heading},
	}
	for _, f := range required {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = v
	}

	if fields[8] != "" {
		if alt, err := strconv.ParseFloat(fields[8], 64); err == nil {
			pkt.Altitude = alt
		}
	}
	if fields[9] != "" {
		if bat, err := strconv.ParseFloat(fields[9], 64); err == nil {
			pkt.BatteryLevel = bat
		}
	}
	if fields[11] != "" {
		offline, err := strconv.ParseBool(fields[11])
		if err != nil {
			return nil, fmt.Errorf("invalid offline flag: %w", err)
		}
		pkt.Offline = offline
	}

	return &Line{SessionID: sessionID, Packet: pkt}, nil
}

// FormatLine renders a packet as a telemetry line, the inverse of ParseLine
func FormatLine(sessionID string, p types.TelemetryPacket) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return strings.Join([]string{
		string(RecordTelemetry),
		sessionID,
		strconv.FormatInt(p.Timestamp.UnixMilli(), 10),
		f(p.Latitude),
		f(p.Longitude),
		f(p.Accuracy),
		f(p.Speed),
		f(p.Heading),
		f(p.Altitude),
		f(p.BatteryLevel),
		p.NetworkType,
		strconv.FormatBool(p.Offline),
	}, ",")
}
