package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

// Store provides an interface for managing spectrum monitor data storage operations.
// It handles sessions, alerts, calibrated thresholds, known signals and session
// telemetry in a thread-safe manner. All operations that write to the database
// should be considered atomic.
type Store interface {
	// CreateSession initializes a new monitoring session and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - port: Serial port the analyzer is expected on, empty for auto-detection
	//   - config: Optional configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: Unique identifier for the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, port string, config any) (sessionID int64, err error)

	// Session retrieves a specific monitoring session by its ID.
	//
	// Returns:
	//   - session: Pointer to session data
	//   - error: ErrNotFound if there is no such session, or if retrieval fails
	Session(ctx context.Context, id int64) (session *spectrum.ScanSession, err error)

	// Sessions returns all monitoring sessions stored in the database.
	// Results are ordered by start time in ascending order.
	Sessions(ctx context.Context) (sessions []*spectrum.ScanSession, err error)

	// StoreAlert saves a confirmed alert raised during a session.
	//
	// Returns:
	//   - alertID: Unique identifier for the stored alert
	//   - error: If storage fails or context is cancelled
	StoreAlert(ctx context.Context, sessionID int64, a *spectrum.AlertEvent) (alertID int64, err error)

	// ReadAlerts creates a reader over stored alerts, newest first. See the
	// ReaderOption functions for the available filters.
	// The returned reader must be closed after use to release database resources.
	ReadAlerts(ctx context.Context, opts ...ReaderOption) (*SqliteAlertReader, error)

	// StoreThreshold saves a calibrated threshold of a scan range.
	StoreThreshold(ctx context.Context, sessionID int64, c *spectrum.Calibration) error

	// LatestThreshold returns the most recently calibrated threshold for a range
	// with exactly the given bounds, or nil if it was never calibrated.
	LatestThreshold(ctx context.Context, startHz, stopHz uint64) (*float64, error)

	// AddIgnoredSignal adds a known signal. Adding a signal twice is not an error.
	AddIgnoredSignal(ctx context.Context, sig spectrum.Signal) error

	// RemoveIgnoredSignal removes a known signal and reports whether it was present.
	RemoveIgnoredSignal(ctx context.Context, sig spectrum.Signal) (bool, error)

	// ReplaceIgnoredSignals atomically replaces the set of known signals.
	ReplaceIgnoredSignals(ctx context.Context, signals []spectrum.Signal) error

	// IgnoredSignals returns all known signals ordered by frequency.
	IgnoredSignals(ctx context.Context) ([]spectrum.Signal, error)

	// StoreTelemetry saves a snapshot of the device session counters.
	//
	// Returns:
	//   - telemetryID: Unique identifier for the stored telemetry record
	//   - error: If storage fails or context is cancelled
	StoreTelemetry(ctx context.Context, sessionID int64, t *telemetry.Telemetry) (telemetryID int64, err error)

	// Close releases all database connections and resources.
	// After Close is called, the store instance cannot be reused.
	// It is safe to call Close multiple times.
	Close() error
}
