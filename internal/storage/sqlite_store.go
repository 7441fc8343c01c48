package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

var _ Store = (*SqliteStore)(nil)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the Sqlite database at dbPath.
// Connections are opened and the schema is initialized on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		for _, cmd := range []string{initSchemaSQL, initIndexesSQL} {
			if err = runSQLCommand(db, cmd); err != nil {
				_ = db.Close()
				s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
				return
			}
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

// getReadDB opens the read-only connection. The write connection is
// initialized first so that the schema exists on a fresh database.
func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		if _, err := s.getWriteDB(); err != nil {
			s.readDBErr = err
			return
		}

		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, port string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, time.Now().UTC(), port, configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func scanSession(row interface{ Scan(...any) error }) (*spectrum.ScanSession, error) {
	var sess spectrum.ScanSession
	var config sql.NullString
	if err := row.Scan(&sess.ID, &sess.StartTime, &sess.Port, &config); err != nil {
		return nil, err
	}
	if config.Valid {
		sess.Config = &config.String
	}
	return &sess, nil
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (session *spectrum.ScanSession, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	session, err = scanSession(stmt.QueryRowContext(ctx, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = fmt.Errorf("session %d: %w", id, ErrNotFound)
	case err != nil:
		err = fmt.Errorf("scanning session: %w", err)
	}
	return
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*spectrum.ScanSession, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess *spectrum.ScanSession
		if sess, err = scanSession(rows); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, sess)
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) StoreAlert(ctx context.Context, sessionID int64, a *spectrum.AlertEvent) (alertID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertAlertSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data := toAlertData(sessionID, a)

	result, err := stmt.ExecContext(
		ctx,
		data.SessionID,
		data.Timestamp,
		data.RangeID,
		data.StartHz,
		data.StopHz,
		data.AmplitudeDBm,
		data.FrequencyMHz,
		data.ThresholdDBm,
	)
	if err != nil {
		err = fmt.Errorf("inserting alert: %w", err)
		return
	}

	alertID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting alert ID: %w", err)
	}
	return
}

// ReadAlerts creates a new AlertReader over the stored alerts. The reader
// implements iteration over the result set and supports filtering through
// the ReaderOption functions (WithSession, WithRangeID, WithFreqRange,
// WithTimeRange, WithLimit).
//
// The returned reader must be closed after use to release database resources.
// Each reader instance should only be used from a single goroutine.
func (s *SqliteStore) ReadAlerts(ctx context.Context, opts ...ReaderOption) (*SqliteAlertReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSqliteAlertReader(ctx, db, opts...)
}

func (s *SqliteStore) StoreThreshold(ctx context.Context, sessionID int64, c *spectrum.Calibration) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	data := toThresholdData(sessionID, c)

	_, err = db.ExecContext(
		ctx,
		insertThresholdSQL,
		data.SessionID,
		data.Timestamp,
		data.RangeID,
		data.StartHz,
		data.StopHz,
		data.ThresholdDBm,
		data.Mode,
		data.Samples,
	)
	if err != nil {
		return fmt.Errorf("inserting threshold: %w", err)
	}
	return nil
}

func (s *SqliteStore) LatestThreshold(ctx context.Context, startHz, stopHz uint64) (*float64, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	var threshold float64
	err = db.QueryRowContext(ctx, selectLatestThresholdSQL, int64(startHz), int64(stopHz)).Scan(&threshold)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("querying threshold: %w", err)
	}
	return &threshold, nil
}

func (s *SqliteStore) AddIgnoredSignal(ctx context.Context, sig spectrum.Signal) error {
	sig = sig.Quantize()

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, insertIgnoredSignalSQL, sig.FrequencyMHz, sig.AmplitudeDBm, time.Now().UTC()); err != nil {
		return fmt.Errorf("inserting ignored signal: %w", err)
	}
	return nil
}

func (s *SqliteStore) RemoveIgnoredSignal(ctx context.Context, sig spectrum.Signal) (bool, error) {
	sig = sig.Quantize()

	db, err := s.getWriteDB()
	if err != nil {
		return false, fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.ExecContext(ctx, deleteIgnoredSignalSQL, sig.FrequencyMHz, sig.AmplitudeDBm)
	if err != nil {
		return false, fmt.Errorf("deleting ignored signal: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *SqliteStore) IgnoredSignals(ctx context.Context) (signals []spectrum.Signal, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectIgnoredSignalsSQL)
	if err != nil {
		err = fmt.Errorf("querying ignored signals: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sig spectrum.Signal
		if err = rows.Scan(&sig.FrequencyMHz, &sig.AmplitudeDBm); err != nil {
			err = fmt.Errorf("scanning ignored signal: %w", err)
			return
		}
		signals = append(signals, sig)
	}
	err = rows.Err()
	return
}

// ReplaceIgnoredSignals atomically replaces the set of known signals.
func (s *SqliteStore) ReplaceIgnoredSignals(ctx context.Context, signals []spectrum.Signal) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, `DELETE FROM ignored_signals`); err != nil {
		return fmt.Errorf("clearing ignored signals: %w", err)
	}

	now := time.Now().UTC()
	for _, sig := range signals {
		sig = sig.Quantize()
		if _, err = tx.ExecContext(ctx, insertIgnoredSignalSQL, sig.FrequencyMHz, sig.AmplitudeDBm, now); err != nil {
			return fmt.Errorf("inserting ignored signal: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) StoreTelemetry(ctx context.Context, sessionID int64, t *telemetry.Telemetry) (telemetryID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data := toTelemetryData(sessionID, t)

	result, err := stmt.ExecContext(
		ctx,
		data.SessionID,
		data.Timestamp,
		data.State,
		data.Port,
		data.BytesRead,
		data.BytesDiscarded,
		data.FramesDecoded,
		data.FramesInvalid,
		data.PayloadsMalformed,
		data.QueriesSent,
		data.QueriesExpired,
		data.Reconnects,
	)
	if err != nil {
		err = fmt.Errorf("inserting telemetry: %w", err)
		return
	}

	telemetryID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting telemetry ID: %w", err)
	}
	return
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
