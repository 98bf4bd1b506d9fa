package migrations

// RetentionPolicies bounds raw data and adds rollups for dashboards
var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	-- Raw positions are kept for 90 days, stats for a year
	SELECT add_retention_policy('telemetry_packets', INTERVAL '90 days');
	SELECT add_retention_policy('system_stats', INTERVAL '365 days');

	CREATE MATERIALIZED VIEW IF NOT EXISTS telemetry_sessions_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', captured_at) AS hour,
		session_id,
		COUNT(*) AS packets,
		AVG(accuracy) AS avg_accuracy,
		MAX(speed) AS max_speed
	FROM telemetry_packets
	GROUP BY hour, session_id
	WITH NO DATA;

	CREATE MATERIALIZED VIEW IF NOT EXISTS behavior_events_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		type,
		COUNT(*) AS events
	FROM behavior_events
	GROUP BY day, type
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS behavior_events_daily;
	DROP MATERIALIZED VIEW IF EXISTS telemetry_sessions_hourly;

	SELECT remove_retention_policy('system_stats');
	SELECT remove_retention_policy('telemetry_packets');
	`,
}
