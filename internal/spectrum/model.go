package spectrum

import (
	"time"
)

// ScanSession represents a single monitoring session with one analyzer.
// Each session captures metadata about when and how the monitoring was performed.
type ScanSession struct {
	ID        int64     `json:"ID"`                      // Unique identifier for the session
	StartTime time.Time `json:"startTime"`               // When the session began
	Port      string    `json:"port"`                    // Serial port the analyzer was found on
	Config    *string   `json:"config,string,omitempty"` // Optional configuration in JSON format
}

// Sample is a single amplitude reading at a specific frequency.
type Sample struct {
	FrequencyMHz float64 `json:"frequencyMHz"` // Frequency in MHz
	AmplitudeDBm float64 `json:"amplitudeDBm"` // Measured amplitude in dBm
}

// Spectrum is one decoded response: samples ordered as the analyzer sent them.
type Spectrum struct {
	Timestamp time.Time `json:"timestamp"`         // When the frame was decoded
	Samples   []Sample  `json:"samples,omitempty"` // Positionally paired amplitude and frequency
}

// Amplitudes returns the amplitude column.
func (s Spectrum) Amplitudes() []float64 {
	out := make([]float64, len(s.Samples))
	for i, v := range s.Samples {
		out[i] = v.AmplitudeDBm
	}
	return out
}

// Frequencies returns the frequency column in MHz.
func (s Spectrum) Frequencies() []float64 {
	out := make([]float64, len(s.Samples))
	for i, v := range s.Samples {
		out[i] = v.FrequencyMHz
	}
	return out
}

// Span returns the lowest and highest frequency in MHz. ok is false for an empty spectrum.
func (s Spectrum) Span() (low, high float64, ok bool) {
	if len(s.Samples) == 0 {
		return 0, 0, false
	}
	low, high = s.Samples[0].FrequencyMHz, s.Samples[0].FrequencyMHz
	for _, v := range s.Samples[1:] {
		low = min(low, v.FrequencyMHz)
		high = max(high, v.FrequencyMHz)
	}
	return low, high, true
}

// Peak is a local amplitude maximum above the detection threshold.
type Peak struct {
	Sample
	Index int `json:"index"` // Position within the spectrum
}

// Signal identifies a known interferer by exact amplitude and frequency.
type Signal struct {
	FrequencyMHz float64 `json:"frequencyMHz"`
	AmplitudeDBm float64 `json:"amplitudeDBm"`
}

// Quantize rounds the signal to the precision the analyzer reports: float32
// amplitudes in dBm and float32 frequencies in Hz. Two signals denoting the
// same reading compare equal once quantized.
func (s Signal) Quantize() Signal {
	return Signal{
		FrequencyMHz: float64(float32(s.FrequencyMHz*1e6)) / 1e6,
		AmplitudeDBm: float64(float32(s.AmplitudeDBm)),
	}
}

// AlertEvent is emitted when a stability-gated threshold crossing is confirmed.
type AlertEvent struct {
	RangeID      int       `json:"rangeID"`      // Registry identifier of the range
	StartHz      uint64    `json:"startHz"`      // Range start
	StopHz       uint64    `json:"stopHz"`       // Range stop
	AmplitudeDBm float64   `json:"amplitudeDBm"` // Working amplitude that crossed the threshold
	FrequencyMHz float64   `json:"frequencyMHz"` // Frequency of that amplitude
	ThresholdDBm float64   `json:"thresholdDBm"` // Upper hysteresis threshold at the time
	Timestamp    time.Time `json:"timestamp"`
}

// Snapshot is a spectrum prepared for presentation: the filtered samples,
// the detection threshold and the peaks above it.
type Snapshot struct {
	StartHz      uint64    `json:"startHz"`
	StopHz       uint64    `json:"stopHz"`
	Spectrum     Spectrum  `json:"spectrum"`
	ThresholdDBm float64   `json:"thresholdDBm"`
	Peaks        []Peak    `json:"peaks,omitempty"`
	RangeID      *int      `json:"rangeID,omitempty"` // nil for the display window
	Timestamp    time.Time `json:"timestamp"`
}

// Calibration records a threshold derived by the auto-calibrator.
type Calibration struct {
	RangeID      int       `json:"rangeID"`
	StartHz      uint64    `json:"startHz"`
	StopHz       uint64    `json:"stopHz"`
	ThresholdDBm float64   `json:"thresholdDBm"`
	Mode         string    `json:"mode"`    // "initial" or "continuous"
	Samples      int       `json:"samples"` // Queries that returned a spectrum
	Timestamp    time.Time `json:"timestamp"`
}
