// Package geofence evaluates vehicle positions against the zone catalog and
// an optional planned route.
package geofence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/fleetsync/internal/clock"
	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	AccuracyGateMeters       = 50.0
	DwellAlertInterval       = 10 * time.Minute
	DeviationThresholdMeters = 500.0
)

// AlertLookup answers whether an open alert already exists
type AlertLookup interface {
	HasUnacknowledged(vehicleID string, kind types.AlertType) bool
}

// Config tunes the engine
type Config struct {
	// DeviationRearm raises a new ROUTE_DEVIATION each time the vehicle
	// leaves the corridor again. When false a deviation alert is only
	// raised while no unacknowledged one exists for the vehicle.
	DeviationRearm bool
}

type zoneState struct {
	enteredAt      time.Time
	lastDwellAlert time.Time
}

type vehicleState struct {
	mu        sync.Mutex
	zones     map[string]*zoneState
	deviating bool
}

// Engine tracks per-vehicle zone occupancy. Different vehicles are evaluated
// concurrently; calls for one vehicle are serialised.
type Engine struct {
	catalog *Catalog
	alerts  AlertLookup
	cfg     Config
	clock   clock.Clock

	mu       sync.Mutex
	vehicles map[string]*vehicleState
}

// NewEngine creates an engine over catalog. alerts may be nil, in which case
// the deviation debounce only uses the engine's own state.
func NewEngine(catalog *Catalog, alerts AlertLookup, cfg Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		catalog:  catalog,
		alerts:   alerts,
		cfg:      cfg,
		clock:    clk,
		vehicles: make(map[string]*vehicleState),
	}
}

// CheckCompliance evaluates the current location of session and returns the
// alerts produced by zone transitions and route deviation. Only transitions
// and first detections produce alerts.
func (e *Engine) CheckCompliance(session types.TrackingSession, plannedRoute []types.LatLng) []types.SecurityAlert {
	loc := session.CurrentLocation
	if loc == nil || loc.Accuracy > AccuracyGateMeters {
		return nil
	}

	vehicleID := session.VehicleID
	if vehicleID == "" {
		vehicleID = session.SessionID
	}
	pos := loc.Position()
	now := loc.Timestamp

	e.mu.Lock()
	vs, ok := e.vehicles[vehicleID]
	if !ok {
		vs = &vehicleState{zones: make(map[string]*zoneState)}
		e.vehicles[vehicleID] = vs
	}
	e.mu.Unlock()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	var raised []types.SecurityAlert
	newAlert := func(kind types.AlertType, sev types.Severity, zoneID, msg string) {
		raised = append(raised, types.SecurityAlert{
			ID:        uuid.NewString(),
			Type:      kind,
			Severity:  sev,
			Message:   msg,
			VehicleID: vehicleID,
			TripID:    session.TripID,
			SessionID: session.SessionID,
			ZoneID:    zoneID,
			Location:  pos,
			Status:    types.AlertNew,
			CreatedAt: e.clock.Now(),
		})
	}

	active := e.catalog.Active()

	// Occupancy of removed or deactivated zones is dropped without an alert
	live := make(map[string]bool, len(active))
	for _, zone := range active {
		live[zone.ID] = true
	}
	for id := range vs.zones {
		if !live[id] {
			delete(vs.zones, id)
		}
	}

	for _, zone := range active {
		inside := Contains(zone, pos)
		st, open := vs.zones[zone.ID]

		switch {
		case inside && !open:
			vs.zones[zone.ID] = &zoneState{enteredAt: now}
			if zone.HasTrigger(types.TriggerEnter) {
				newAlert(types.AlertGeofenceEnter, zone.Severity, zone.ID,
					fmt.Sprintf("Vehicle %s entered %s", vehicleID, zoneLabel(zone)))
			}

		case inside && open:
			if !zone.HasTrigger(types.TriggerDwell) || zone.DwellMinutes <= 0 {
				continue
			}
			dwell := time.Duration(zone.DwellMinutes * float64(time.Minute))
			stayed := now.Sub(st.enteredAt)
			if stayed <= dwell {
				continue
			}
			if !st.lastDwellAlert.IsZero() && now.Sub(st.lastDwellAlert) < DwellAlertInterval {
				continue
			}
			st.lastDwellAlert = now
			newAlert(types.AlertGeofenceDwell, zone.Severity, zone.ID,
				fmt.Sprintf("Vehicle %s has been in %s for %d minutes", vehicleID, zoneLabel(zone), int(stayed.Minutes())))

		case !inside && open:
			delete(vs.zones, zone.ID)
			if zone.HasTrigger(types.TriggerExit) {
				newAlert(types.AlertGeofenceExit, zone.Severity, zone.ID,
					fmt.Sprintf("Vehicle %s left %s", vehicleID, zoneLabel(zone)))
			}
		}
	}

	if len(plannedRoute) > 0 {
		dist := DistanceToRoute(pos, plannedRoute)
		off := dist > DeviationThresholdMeters
		if off && e.shouldRaiseDeviation(vehicleID, vs) {
			newAlert(types.AlertRouteDeviation, types.SeverityHigh, "",
				fmt.Sprintf("Vehicle %s is %.0fm off the planned route", vehicleID, dist))
		}
		vs.deviating = off
	}

	return raised
}

func (e *Engine) shouldRaiseDeviation(vehicleID string, vs *vehicleState) bool {
	if e.cfg.DeviationRearm {
		return !vs.deviating
	}
	if e.alerts != nil {
		return !e.alerts.HasUnacknowledged(vehicleID, types.AlertRouteDeviation)
	}
	return !vs.deviating
}

// ResetVehicle drops the occupancy and deviation state of a vehicle
func (e *Engine) ResetVehicle(vehicleID string) {
	e.mu.Lock()
	delete(e.vehicles, vehicleID)
	e.mu.Unlock()
}

// OpenZones returns the ids of zones the vehicle is currently inside
func (e *Engine) OpenZones(vehicleID string) []string {
	e.mu.Lock()
	vs, ok := e.vehicles[vehicleID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	ids := make([]string, 0, len(vs.zones))
	for id := range vs.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func zoneLabel(z types.Geofence) string {
	if z.Name != "" {
		return z.Name
	}
	return z.ID
}
