package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      port,
                      config)
VALUES (?, ?, ?)`

	selectSessionSQL = `
SELECT id,
       start_time,
       port,
       config
FROM sessions
WHERE id = ?`

	selectSessionsSQL = `
SELECT id,
       start_time,
       port,
       config
FROM sessions
ORDER BY start_time, id`

	insertAlertSQL = `
INSERT INTO alerts (session_id,
                    timestamp,
                    range_id,
                    start_hz,
                    stop_hz,
                    amplitude_dbm,
                    frequency_mhz,
                    threshold_dbm)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	// parameters: session, from, to, range, start, stop, limit; NULL disables a filter
	selectAlertsSQL = `
SELECT id,
       session_id,
       timestamp,
       range_id,
       start_hz,
       stop_hz,
       amplitude_dbm,
       frequency_mhz,
       threshold_dbm
FROM alerts
WHERE (?1 IS NULL OR session_id = ?1)
  AND (?2 IS NULL OR timestamp >= ?2)
  AND (?3 IS NULL OR timestamp <= ?3)
  AND (?4 IS NULL OR range_id = ?4)
  AND (?5 IS NULL OR stop_hz >= ?5)
  AND (?6 IS NULL OR start_hz <= ?6)
ORDER BY timestamp DESC, id DESC
LIMIT ?7`

	insertThresholdSQL = `
INSERT INTO thresholds (session_id,
                        timestamp,
                        range_id,
                        start_hz,
                        stop_hz,
                        threshold_dbm,
                        mode,
                        samples)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectLatestThresholdSQL = `
SELECT threshold_dbm
FROM thresholds
WHERE start_hz = ?
  AND stop_hz = ?
ORDER BY timestamp DESC, id DESC
LIMIT 1`

	insertIgnoredSignalSQL = `
INSERT OR IGNORE INTO ignored_signals (frequency_mhz,
                                       amplitude_dbm,
                                       created_at)
VALUES (?, ?, ?)`

	deleteIgnoredSignalSQL = `
DELETE
FROM ignored_signals
WHERE frequency_mhz = ?
  AND amplitude_dbm = ?`

	selectIgnoredSignalsSQL = `
SELECT frequency_mhz,
       amplitude_dbm
FROM ignored_signals
ORDER BY frequency_mhz, amplitude_dbm`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       state,
                       port,
                       bytes_read,
                       bytes_discarded,
                       frames_decoded,
                       frames_invalid,
                       payloads_malformed,
                       queries_sent,
                       queries_expired,
                       reconnects)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

//go:embed schema.sql
var initSchemaSQL string

//go:embed indexes.sql
var initIndexesSQL string
