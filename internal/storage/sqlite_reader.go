package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AlertReader provides an iterator-based interface for reading stored alerts
// with optional session, range, frequency and time filtering. Alerts are
// returned newest first.
type AlertReader interface {
	// Next advances the iterator and returns true if there is another alert
	// to read, false when the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current alert in the iteration.
	// If called after Next() returns false, the behavior is undefined.
	Current() *AlertRecord

	// Error returns any error that occurred during iteration.
	// If Next() returns false, Error() should be checked to distinguish between
	// end of data and an error condition.
	Error() error

	// Close releases any resources associated with the reader.
	// After Close is called, the reader should not be used.
	Close() error
}

// ReaderOption configures an AlertReader with specific filtering criteria.
type ReaderOption func(*SqliteAlertReader)

// WithSession limits the reader to alerts raised during one session.
func WithSession(id int64) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.sessionID = &id
	}
}

// WithRangeID limits the reader to alerts of one scan range.
func WithRangeID(id int) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.rangeID = &id
	}
}

// WithFreqRange limits the reader to alerts of ranges overlapping
// [minHz, maxHz].
func WithFreqRange(minHz, maxHz uint64) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.minFreq = &minHz
		r.maxFreq = &maxHz
	}
}

// WithStartTime excludes alerts raised before t.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes alerts raised after t.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both the start and end time filters.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// WithLimit caps the number of alerts returned. Zero or less means no limit.
func WithLimit(n int) ReaderOption {
	return func(r *SqliteAlertReader) {
		r.limit = n
	}
}

func newSqliteAlertReader(ctx context.Context, db *sql.DB, opts ...ReaderOption) (*SqliteAlertReader, error) {
	ar := &SqliteAlertReader{db: db}
	for _, opt := range opts {
		opt(ar)
	}
	if err := ar.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return ar, nil
}

// SqliteAlertReader implements AlertReader for SQLite database backend.
type SqliteAlertReader struct {
	db *sql.DB

	sessionID *int64     // Optional session filter
	rangeID   *int       // Optional scan range filter
	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter
	minFreq   *uint64    // Optional lower bound of the frequency filter, Hz
	maxFreq   *uint64    // Optional upper bound of the frequency filter, Hz
	limit     int

	current *AlertRecord
	rows    *sql.Rows
	err     error
}

func (ar *SqliteAlertReader) init(ctx context.Context) error {
	if ar.db == nil {
		return errors.New("database connection required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "validating filters", fn: ar.validateFilters},
		{msg: "initializing query", fn: ar.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (ar *SqliteAlertReader) validateFilters(context.Context) error {
	if ar.startTime != nil && ar.endTime != nil && ar.startTime.After(*ar.endTime) {
		return fmt.Errorf("start time %s is after end time %s", ar.startTime, ar.endTime)
	}
	if ar.minFreq != nil && ar.maxFreq != nil && *ar.minFreq > *ar.maxFreq {
		return fmt.Errorf("min frequency %d is greater than max frequency %d", *ar.minFreq, *ar.maxFreq)
	}
	return nil
}

func (ar *SqliteAlertReader) initQuery(ctx context.Context) (err error) {
	stmt, err := ar.db.PrepareContext(ctx, selectAlertsSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	limit := int64(-1)
	if ar.limit > 0 {
		limit = int64(ar.limit)
	}

	ar.rows, err = stmt.QueryContext(ctx,
		toNullInt64(ar.sessionID),
		toNullMillis(ar.startTime),
		toNullMillis(ar.endTime),
		toNullInt64(ar.rangeID),
		toNullInt64(ar.minFreq),
		toNullInt64(ar.maxFreq),
		limit,
	)
	return err
}

func (ar *SqliteAlertReader) Next(ctx context.Context) bool {
	if ar.err != nil || ar.rows == nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		ar.err = err
		return false
	}
	if !ar.rows.Next() {
		ar.current = nil
		return false
	}

	var d alertData
	if err := ar.rows.Scan(&d.ID, &d.SessionID, &d.Timestamp, &d.RangeID, &d.StartHz, &d.StopHz,
		&d.AmplitudeDBm, &d.FrequencyMHz, &d.ThresholdDBm); err != nil {
		ar.err = fmt.Errorf("scanning alert: %w", err)
		return false
	}

	ar.current = d.toRecord()
	return true
}

func (ar *SqliteAlertReader) Current() *AlertRecord {
	return ar.current
}

func (ar *SqliteAlertReader) Error() error {
	if ar.err != nil {
		return ar.err
	}
	if ar.rows != nil {
		return ar.rows.Err()
	}
	return nil
}

func (ar *SqliteAlertReader) Close() error {
	if ar.rows != nil {
		err := ar.rows.Close()
		ar.current = nil
		ar.rows = nil
		return err
	}
	return nil
}
