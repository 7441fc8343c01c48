package storage

import (
	"database/sql"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

// AlertRecord is a stored alert together with the session that raised it.
type AlertRecord struct {
	ID        int64 `json:"ID"`
	SessionID int64 `json:"sessionID"`
	spectrum.AlertEvent
}

type alertData struct {
	ID           int64
	SessionID    int64
	Timestamp    int64
	RangeID      int64
	StartHz      int64
	StopHz       int64
	AmplitudeDBm float64
	FrequencyMHz float64
	ThresholdDBm float64
}

type thresholdData struct {
	SessionID    int64
	Timestamp    int64
	RangeID      int64
	StartHz      int64
	StopHz       int64
	ThresholdDBm float64
	Mode         string
	Samples      int64
}

type telemetryData struct {
	SessionID         int64
	Timestamp         time.Time
	State             string
	Port              sql.NullString
	BytesRead         int64
	BytesDiscarded    int64
	FramesDecoded     int64
	FramesInvalid     int64
	PayloadsMalformed int64
	QueriesSent       int64
	QueriesExpired    int64
	Reconnects        int64
}
