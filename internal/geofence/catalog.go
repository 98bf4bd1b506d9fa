package geofence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/saviobatista/fleetsync/internal/types"
)

var (
	ErrInvalidZone  = errors.New("invalid zone")
	ErrZoneNotFound = errors.New("zone not found")
)

// ZoneRepository persists zones; localdb.ZoneStore implements it
type ZoneRepository interface {
	SaveZone(ctx context.Context, zone types.Geofence) error
	DeleteZone(ctx context.Context, id string) error
	LoadZones(ctx context.Context) ([]types.Geofence, error)
}

// Catalog is the read-mostly zone reference data
type Catalog struct {
	repo ZoneRepository

	mu    sync.RWMutex
	zones map[string]types.Geofence
}

// NewCatalog creates a catalog. A nil repo keeps zones in memory only.
func NewCatalog(repo ZoneRepository) *Catalog {
	return &Catalog{repo: repo, zones: make(map[string]types.Geofence)}
}

// Load replaces the in-memory catalog with the persisted zones
func (c *Catalog) Load(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	zones, err := c.repo.LoadZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}

	loaded := make(map[string]types.Geofence, len(zones))
	for _, z := range zones {
		loaded[z.ID] = z
	}

	c.mu.Lock()
	c.zones = loaded
	c.mu.Unlock()
	return nil
}

// AddZone validates and stores zone, assigning an id when empty. Adding an
// existing id replaces that zone.
func (c *Catalog) AddZone(ctx context.Context, zone types.Geofence) (types.Geofence, error) {
	if err := Validate(zone); err != nil {
		return types.Geofence{}, err
	}
	if zone.ID == "" {
		zone.ID = uuid.NewString()
	}
	zone = cloneZone(zone)

	if c.repo != nil {
		if err := c.repo.SaveZone(ctx, zone); err != nil {
			return types.Geofence{}, err
		}
	}

	c.mu.Lock()
	c.zones[zone.ID] = zone
	c.mu.Unlock()
	return cloneZone(zone), nil
}

// RemoveZone deletes a zone by id
func (c *Catalog) RemoveZone(ctx context.Context, id string) error {
	c.mu.RLock()
	_, ok := c.zones[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}

	if c.repo != nil {
		if err := c.repo.DeleteZone(ctx, id); err != nil {
			return err
		}
	}

	c.mu.Lock()
	delete(c.zones, id)
	c.mu.Unlock()
	return nil
}

// ListZones returns copies of every zone ordered by id
func (c *Catalog) ListZones() []types.Geofence {
	return c.list(false)
}

// Active returns copies of the active zones ordered by id
func (c *Catalog) Active() []types.Geofence {
	return c.list(true)
}

func (c *Catalog) list(activeOnly bool) []types.Geofence {
	c.mu.RLock()
	out := make([]types.Geofence, 0, len(c.zones))
	for _, z := range c.zones {
		if activeOnly && !z.Active {
			continue
		}
		out = append(out, cloneZone(z))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks the geometry and trigger settings of a zone
func Validate(zone types.Geofence) error {
	switch zone.Shape {
	case types.ShapeCircle:
		if !validCoord(zone.Center) {
			return fmt.Errorf("%w: center out of range", ErrInvalidZone)
		}
		if !(zone.RadiusMeters > 0) || math.IsInf(zone.RadiusMeters, 0) {
			return fmt.Errorf("%w: radius must be positive", ErrInvalidZone)
		}
	case types.ShapePolygon:
		if len(zone.Vertices) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalidZone)
		}
		for _, v := range zone.Vertices {
			if !validCoord(v) {
				return fmt.Errorf("%w: vertex out of range", ErrInvalidZone)
			}
		}
	default:
		return fmt.Errorf("%w: unknown shape %q", ErrInvalidZone, zone.Shape)
	}

	for _, t := range zone.Triggers {
		switch t {
		case types.TriggerEnter, types.TriggerExit:
		case types.TriggerDwell:
			if !(zone.DwellMinutes > 0) {
				return fmt.Errorf("%w: DWELL trigger needs dwell minutes", ErrInvalidZone)
			}
		default:
			return fmt.Errorf("%w: unknown trigger %q", ErrInvalidZone, t)
		}
	}
	return nil
}

func validCoord(p types.LatLng) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func cloneZone(z types.Geofence) types.Geofence {
	z.Vertices = append([]types.LatLng(nil), z.Vertices...)
	z.Triggers = append([]types.Trigger(nil), z.Triggers...)
	return z
}
