package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toAlertData(sessionID int64, a *spectrum.AlertEvent) *alertData {
	return &alertData{
		SessionID:    sessionID,
		Timestamp:    a.Timestamp.UnixMilli(),
		RangeID:      int64(a.RangeID),
		StartHz:      int64(a.StartHz),
		StopHz:       int64(a.StopHz),
		AmplitudeDBm: a.AmplitudeDBm,
		FrequencyMHz: a.FrequencyMHz,
		ThresholdDBm: a.ThresholdDBm,
	}
}

func (d *alertData) toRecord() *AlertRecord {
	return &AlertRecord{
		ID:        d.ID,
		SessionID: d.SessionID,
		AlertEvent: spectrum.AlertEvent{
			RangeID:      int(d.RangeID),
			StartHz:      uint64(d.StartHz),
			StopHz:       uint64(d.StopHz),
			AmplitudeDBm: d.AmplitudeDBm,
			FrequencyMHz: d.FrequencyMHz,
			ThresholdDBm: d.ThresholdDBm,
			Timestamp:    time.UnixMilli(d.Timestamp).UTC(),
		},
	}
}

func toThresholdData(sessionID int64, c *spectrum.Calibration) *thresholdData {
	return &thresholdData{
		SessionID:    sessionID,
		Timestamp:    c.Timestamp.UnixMilli(),
		RangeID:      int64(c.RangeID),
		StartHz:      int64(c.StartHz),
		StopHz:       int64(c.StopHz),
		ThresholdDBm: c.ThresholdDBm,
		Mode:         c.Mode,
		Samples:      int64(c.Samples),
	}
}

func toTelemetryData(sessionID int64, t *telemetry.Telemetry) *telemetryData {
	return &telemetryData{
		SessionID: sessionID,
		Timestamp: t.Timestamp.UTC(),
		State:     t.State,
		Port: sql.NullString{
			String: t.Port,
			Valid:  t.Port != "",
		},
		BytesRead:         int64(t.BytesRead),
		BytesDiscarded:    int64(t.BytesDiscarded),
		FramesDecoded:     int64(t.FramesDecoded),
		FramesInvalid:     int64(t.FramesInvalid),
		PayloadsMalformed: int64(t.PayloadsMalformed),
		QueriesSent:       int64(t.QueriesSent),
		QueriesExpired:    int64(t.QueriesExpired),
		Reconnects:        int64(t.Reconnects),
	}
}

func toNullInt64[T int | int64 | uint64](v *T) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
