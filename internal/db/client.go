package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/saviobatista/fleetsync/internal/stats"
	"github.com/saviobatista/fleetsync/internal/types"
)

// Client writes synced telemetry and derived records to Postgres/TimescaleDB
type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the underlying connection for the migrator
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

const insertPacket = `
	INSERT INTO telemetry_packets (
		id, session_id, captured_at, latitude, longitude, accuracy,
		speed, heading, altitude, battery_level, network_type, offline,
		retry_count
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id, captured_at) DO NOTHING
`

// Upload stores a batch of queue items in one transaction. Items already
// present are skipped, so re-uploading a batch is harmless.
func (c *Client) Upload(ctx context.Context, items []types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upload: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, insertPacket)
	if err != nil {
		return fmt.Errorf("failed to prepare packet insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		p := item.Packet
		if _, err := stmt.ExecContext(ctx,
			item.ID, item.SessionID, p.Timestamp, p.Latitude, p.Longitude, p.Accuracy,
			p.Speed, p.Heading, p.Altitude, p.BatteryLevel, p.NetworkType, p.Offline,
			item.RetryCount,
		); err != nil {
			return fmt.Errorf("failed to insert packet %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

// StoreAlert records a security alert; a later call with the same id
// updates its acknowledgment
func (c *Client) StoreAlert(ctx context.Context, alert types.SecurityAlert) error {
	query := `
		INSERT INTO security_alerts (
			id, type, severity, message, vehicle_id, trip_id, session_id,
			zone_id, latitude, longitude, status, created_at, acknowledged_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			acknowledged_at = EXCLUDED.acknowledged_at
	`
	var ackAt sql.NullTime
	if !alert.AcknowledgedAt.IsZero() {
		ackAt = sql.NullTime{Time: alert.AcknowledgedAt, Valid: true}
	}
	_, err := c.db.ExecContext(ctx, query,
		alert.ID, string(alert.Type), string(alert.Severity), alert.Message,
		alert.VehicleID, alert.TripID, alert.SessionID, alert.ZoneID,
		alert.Location.Lat, alert.Location.Lng, string(alert.Status),
		alert.CreatedAt, ackAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert %s: %w", alert.ID, err)
	}
	return nil
}

// StoreBehaviorEvent records a driving anomaly
func (c *Client) StoreBehaviorEvent(ctx context.Context, ev types.BehaviorEvent) error {
	query := `
		INSERT INTO behavior_events (
			id, session_id, type, value, threshold, severity, time,
			latitude, longitude
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id, time) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query,
		ev.ID, ev.SessionID, string(ev.Type), ev.Value, ev.Threshold,
		string(ev.Severity), ev.Timestamp, ev.Location.Lat, ev.Location.Lng,
	)
	if err != nil {
		return fmt.Errorf("failed to store behavior event %s: %w", ev.ID, err)
	}
	return nil
}

// StoreSystemStats stores a statistics snapshot
func (c *Client) StoreSystemStats(ctx context.Context, snap stats.Snapshot) error {
	query := `
		INSERT INTO system_stats (
			time, packets_received, packets_queued, durability_failures,
			packets_gated, behavior_events, behavior_counts, alerts_raised,
			sessions_started, sessions_ended, active_sessions,
			items_synced, sync_failures, pending_items,
			processing_time_ms, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	counts := make([]int64, len(snap.BehaviorCounts))
	for i, v := range snap.BehaviorCounts {
		counts[i] = int64(v)
	}

	_, err := c.db.ExecContext(ctx, query,
		snap.Time,
		snap.PacketsReceived,
		snap.PacketsQueued,
		snap.DurabilityFailures,
		snap.PacketsGated,
		snap.BehaviorEvents,
		pq.Array(counts),
		snap.AlertsRaised,
		snap.SessionsStarted,
		snap.SessionsEnded,
		snap.ActiveSessions,
		snap.ItemsSynced,
		snap.SyncFailures,
		snap.PendingItems,
		snap.ProcessingTime.Milliseconds(),
		int64(snap.Uptime.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to store system stats: %w", err)
	}
	return nil
}
