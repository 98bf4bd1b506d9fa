package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
)

// ZoneStore persists the geofence catalog next to the queue
type ZoneStore struct {
	db *sql.DB
}

// NewZoneStore wraps an opened local database
func NewZoneStore(db *sql.DB) *ZoneStore {
	return &ZoneStore{db: db}
}

// SaveZone inserts or replaces a zone
func (s *ZoneStore) SaveZone(ctx context.Context, zone types.Geofence) error {
	body, err := json.Marshal(zone)
	if err != nil {
		return fmt.Errorf("failed to marshal zone: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zones (id, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		zone.ID, string(body), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save zone %s: %w", zone.ID, err)
	}
	return nil
}

// DeleteZone removes a zone; deleting a missing zone is not an error
func (s *ZoneStore) DeleteZone(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", id, err)
	}
	return nil
}

// LoadZones returns every stored zone ordered by id
func (s *ZoneStore) LoadZones(ctx context.Context) ([]types.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	defer rows.Close()

	var zones []types.Geofence
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var zone types.Geofence
		if err := json.Unmarshal([]byte(body), &zone); err != nil {
			return nil, fmt.Errorf("failed to decode zone: %w", err)
		}
		zones = append(zones, zone)
	}
	return zones, rows.Err()
}
