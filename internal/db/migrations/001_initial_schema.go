package migrations

// InitialSchema creates the telemetry, alert, behavior and statistics tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		-- Synced packets; id is the device queue id so uploads are idempotent
		CREATE TABLE IF NOT EXISTS telemetry_packets (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			battery_level DOUBLE PRECISION,
			network_type TEXT,
			offline BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (id, captured_at)
		);
		SELECT create_hypertable('telemetry_packets', 'captured_at', if_not_exists => TRUE);
		CREATE INDEX IF NOT EXISTS idx_telemetry_packets_session ON telemetry_packets (session_id, captured_at DESC);

		CREATE TABLE IF NOT EXISTS security_alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			trip_id TEXT,
			session_id TEXT,
			zone_id TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_vehicle ON security_alerts (vehicle_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_status ON security_alerts (status);

		CREATE TABLE IF NOT EXISTS behavior_events (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			PRIMARY KEY (id, time)
		);
		SELECT create_hypertable('behavior_events', 'time', if_not_exists => TRUE);
		CREATE INDEX IF NOT EXISTS idx_behavior_events_session ON behavior_events (session_id, time DESC);

		CREATE TABLE IF NOT EXISTS system_stats (
			time TIMESTAMPTZ NOT NULL,
			packets_received BIGINT NOT NULL,
			packets_queued BIGINT NOT NULL,
			durability_failures BIGINT NOT NULL,
			packets_gated BIGINT NOT NULL,
			behavior_events BIGINT NOT NULL,
			behavior_counts BIGINT[] NOT NULL,
			alerts_raised BIGINT NOT NULL,
			sessions_started BIGINT NOT NULL,
			sessions_ended BIGINT NOT NULL,
			active_sessions BIGINT NOT NULL,
			items_synced BIGINT NOT NULL,
			sync_failures BIGINT NOT NULL,
			pending_items BIGINT NOT NULL,
			processing_time_ms BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);
		SELECT create_hypertable('system_stats', 'time', if_not_exists => TRUE);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS system_stats;
		DROP TABLE IF EXISTS behavior_events;
		DROP TABLE IF EXISTS security_alerts;
		DROP TABLE IF EXISTS telemetry_packets;
	`,
}
