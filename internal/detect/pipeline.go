package detect

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

const (
	DefaultMedianWindow      = 3
	DefaultEMAAlpha          = 0.1
	DefaultThresholdOffset   = 1.0 // dB above the EMA
	DefaultHysteresisMargin  = 0.5 // dB between upper and lower threshold
	DefaultStabilityDuration = 3   // consecutive cycles
	DefaultMinAlertInterval  = time.Second
)

// Params tunes the detection pipeline.
type Params struct {
	MedianWindow      int
	EMAAlpha          float64
	ThresholdOffset   float64
	HysteresisMargin  float64
	StabilityDuration uint32
	MinAlertInterval  time.Duration
}

// DefaultParams returns the reference tuning.
func DefaultParams() Params {
	return Params{
		MedianWindow:      DefaultMedianWindow,
		EMAAlpha:          DefaultEMAAlpha,
		ThresholdOffset:   DefaultThresholdOffset,
		HysteresisMargin:  DefaultHysteresisMargin,
		StabilityDuration: DefaultStabilityDuration,
		MinAlertInterval:  DefaultMinAlertInterval,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	switch {
	case p.MedianWindow != 1 && (p.MedianWindow < 1 || p.MedianWindow%2 == 0):
		return fmt.Errorf("%w: median window must be a positive odd number, got %d", ErrInvalidParams, p.MedianWindow)
	case p.EMAAlpha <= 0 || p.EMAAlpha > 1:
		return fmt.Errorf("%w: EMA alpha must be in (0, 1], got %g", ErrInvalidParams, p.EMAAlpha)
	case p.HysteresisMargin < 0:
		return fmt.Errorf("%w: hysteresis margin must not be negative, got %g", ErrInvalidParams, p.HysteresisMargin)
	case p.StabilityDuration == 0:
		return fmt.Errorf("%w: stability duration must be at least one cycle", ErrInvalidParams)
	case p.MinAlertInterval < 0:
		return fmt.Errorf("%w: minimum alert interval must not be negative, got %s", ErrInvalidParams, p.MinAlertInterval)
	}
	return nil
}

// Analysis is the outcome of one detection cycle over one spectrum.
type Analysis struct {
	Samples       []spectrum.Sample // median filtered, ignored signals removed
	Working       spectrum.Sample   // reduced working amplitude and its frequency
	EMA           float64
	ThresholdHigh float64
	ThresholdLow  float64
	Peaks         []spectrum.Peak
	Skipped       bool // nothing left to analyse; no state was updated
}

// WithPipelineLogger sets the logger for the pipeline
func WithPipelineLogger(logger *slog.Logger) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithIgnoreSet sets the known signals excluded from detection
func WithIgnoreSet(set *IgnoreSet) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.ignore = set
	}
}

// Pipeline runs smoothing, hysteresis, dwell gating and alerting for the
// ranges of a Registry.
type Pipeline struct {
	params   Params
	registry *Registry
	ignore   *IgnoreSet
	logger   *slog.Logger
}

// NewPipeline creates a pipeline over registry.
func NewPipeline(registry *Registry, params Params, options ...func(p *Pipeline)) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p := Pipeline{
		params:   params,
		registry: registry,
		ignore:   NewIgnoreSet(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p, nil
}

// Params returns the pipeline tuning.
func (p *Pipeline) Params() Params {
	return p.params
}

// IgnoreSet returns the known-signal set in use.
func (p *Pipeline) IgnoreSet() *IgnoreSet {
	return p.ignore
}

// Process runs one detection cycle of range id over spec. It returns the
// analysis and, when a stability-gated crossing is confirmed and not
// suppressed by the per-range alert spacing, an alert.
func (p *Pipeline) Process(id int, spec spectrum.Spectrum, now time.Time) (Analysis, *spectrum.AlertEvent, error) {
	samples, working, ok := p.prepare(spec)
	if !ok {
		return Analysis{Samples: samples, Skipped: true}, nil, nil
	}

	var (
		a     Analysis
		alert *spectrum.AlertEvent
	)

	err := p.registry.Mutate(id, func(sr *ScanRange) {
		prev := sr.EMA
		if prev == nil && sr.Threshold != nil {
			seed := *sr.Threshold - p.params.ThresholdOffset
			prev = &seed
		}

		ema := EMA(prev, working.AmplitudeDBm, p.params.EMAAlpha)
		high := ema + p.params.ThresholdOffset
		low := high - p.params.HysteresisMargin

		sr.EMA = &ema
		sr.Threshold = &high

		switch {
		case working.AmplitudeDBm > high:
			sr.StabilityCount++
			if sr.StabilityCount >= p.params.StabilityDuration && !sr.AlertActive {
				sr.AlertActive = true
				if sr.LastAlert.IsZero() || now.Sub(sr.LastAlert) >= p.params.MinAlertInterval {
					sr.LastAlert = now
					alert = &spectrum.AlertEvent{
						RangeID:      sr.ID,
						StartHz:      sr.StartHz,
						StopHz:       sr.StopHz,
						AmplitudeDBm: working.AmplitudeDBm,
						FrequencyMHz: working.FrequencyMHz,
						ThresholdDBm: high,
						Timestamp:    now,
					}
				}
			}

		case working.AmplitudeDBm <= low:
			sr.AlertActive = false
			sr.StabilityCount = 0
		}

		a = Analysis{
			Samples:       samples,
			Working:       working,
			EMA:           ema,
			ThresholdHigh: high,
			ThresholdLow:  low,
		}
	})
	if err != nil {
		return Analysis{}, nil, err
	}

	a.Peaks = peaksAbove(samples, a.ThresholdHigh)

	if alert != nil {
		p.logger.Warn("threshold exceeded",
			slog.Int("range", id),
			slog.String("amplitude", fmt.Sprintf("%.1fdBm", alert.AmplitudeDBm)),
			slog.String("frequency", fmt.Sprintf("%.2fMHz", alert.FrequencyMHz)),
			slog.String("threshold", fmt.Sprintf("%.1fdBm", alert.ThresholdDBm)))
	}

	return a, alert, nil
}

// Preview analyses a spectrum outside the registry, e.g. the display window,
// carrying its own EMA. It never raises alerts.
func (p *Pipeline) Preview(spec spectrum.Spectrum, ema *float64) Analysis {
	samples, working, ok := p.prepare(spec)
	if !ok {
		return Analysis{Samples: samples, Skipped: true}
	}

	next := EMA(ema, working.AmplitudeDBm, p.params.EMAAlpha)
	high := next + p.params.ThresholdOffset

	return Analysis{
		Samples:       samples,
		Working:       working,
		EMA:           next,
		ThresholdHigh: high,
		ThresholdLow:  high - p.params.HysteresisMargin,
		Peaks:         peaksAbove(samples, high),
	}
}

// prepare median filters the amplitudes, drops ignored signals and reduces
// what is left to the working amplitude.
func (p *Pipeline) prepare(spec spectrum.Spectrum) ([]spectrum.Sample, spectrum.Sample, bool) {
	filtered := MedianFilter(spec.Amplitudes(), p.params.MedianWindow)

	samples := make([]spectrum.Sample, len(spec.Samples))
	for i, s := range spec.Samples {
		samples[i] = spectrum.Sample{FrequencyMHz: s.FrequencyMHz, AmplitudeDBm: filtered[i]}
	}
	samples = p.ignore.Filter(samples)

	if len(samples) == 0 {
		return samples, spectrum.Sample{}, false
	}

	amps := make([]float64, len(samples))
	for i, s := range samples {
		amps[i] = s.AmplitudeDBm
	}

	_, idx := AboveMedianPeak(amps)
	return samples, samples[idx], true
}

func peaksAbove(samples []spectrum.Sample, height float64) []spectrum.Peak {
	amps := make([]float64, len(samples))
	for i, s := range samples {
		amps[i] = s.AmplitudeDBm
	}

	idx := FindPeaks(amps, height)
	if len(idx) == 0 {
		return nil
	}

	peaks := make([]spectrum.Peak, len(idx))
	for i, k := range idx {
		peaks[i] = spectrum.Peak{Sample: samples[k], Index: k}
	}
	return peaks
}
