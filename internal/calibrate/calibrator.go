// Package calibrate derives starting thresholds for the scan ranges from
// baseline amplitude sampled through a live device session.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

const (
	DefaultInitialQueries   = 500
	DefaultIterationQueries = 10
	DefaultDuration         = 2 * time.Minute
	DefaultPause            = time.Second

	ModeInitial    = "initial"
	ModeContinuous = "continuous"
)

// Querier issues one spectrum query over the device transport.
type Querier interface {
	Connected() bool
	Query(ctx context.Context, startHz, stopHz uint64) (spectrum.Spectrum, error)
}

// Recorder persists calibration results.
type Recorder interface {
	StoreThreshold(ctx context.Context, c *spectrum.Calibration) error
}

// Config tunes the calibration runs.
type Config struct {
	InitialQueries   int           // Queries per range for the initial calibration
	IterationQueries int           // Queries per range per continuous iteration
	Duration         time.Duration // Length of a continuous recalibration run
	Pause            time.Duration // Pause between continuous iterations
}

// DefaultConfig returns the reference calibration settings.
func DefaultConfig() Config {
	return Config{
		InitialQueries:   DefaultInitialQueries,
		IterationQueries: DefaultIterationQueries,
		Duration:         DefaultDuration,
		Pause:            DefaultPause,
	}
}

// WithLogger sets the logger for the calibrator
func WithLogger(logger *slog.Logger) func(c *Calibrator) {
	return func(c *Calibrator) {
		c.logger = logger
	}
}

// WithRecorder sets where calibration results are stored
func WithRecorder(r Recorder) func(c *Calibrator) {
	return func(c *Calibrator) {
		c.recorder = r
	}
}

// Calibrator samples every registered range and sets its threshold.
type Calibrator struct {
	cfg      Config
	querier  Querier
	registry *detect.Registry
	recorder Recorder
	logger   *slog.Logger
}

// NewCalibrator creates a calibrator. Non-positive config values fall back to
// the defaults.
func NewCalibrator(querier Querier, registry *detect.Registry, cfg Config, options ...func(c *Calibrator)) *Calibrator {
	def := DefaultConfig()
	if cfg.InitialQueries <= 0 {
		cfg.InitialQueries = def.InitialQueries
	}
	if cfg.IterationQueries <= 0 {
		cfg.IterationQueries = def.IterationQueries
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}

	c := Calibrator{
		cfg:      cfg,
		querier:  querier,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Initial queries every range InitialQueries times and sets its threshold to
// the median of the per-query maxima plus 1 dB. Ranges that yield no samples
// keep their threshold.
func (c *Calibrator) Initial(ctx context.Context) ([]spectrum.Calibration, error) {
	if !c.querier.Connected() {
		c.logger.Error("automatic calibration is not possible", slog.Any("error", ErrCalibrationUnavailable))
		return nil, ErrCalibrationUnavailable
	}

	c.logger.Info("initial calibration started", slog.Int("queries", c.cfg.InitialQueries))

	var results []spectrum.Calibration
	for _, sr := range c.registry.Snapshot() {
		res, err := c.calibrate(ctx, sr, c.cfg.InitialQueries, ModeInitial, detect.Median)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			continue
		}
		results = append(results, *res)
	}

	return results, nil
}

// Continuous recalibrates every range repeatedly for Duration, using
// IterationQueries queries per range per iteration and the maximum of the
// per-query maxima plus 1 dB. It returns the results of the last iteration.
func (c *Calibrator) Continuous(ctx context.Context) ([]spectrum.Calibration, error) {
	if !c.querier.Connected() {
		c.logger.Error("continuous calibration is not possible", slog.Any("error", ErrCalibrationUnavailable))
		return nil, ErrCalibrationUnavailable
	}

	c.logger.Info("continuous calibration started", slog.Duration("duration", c.cfg.Duration))

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Duration)
	defer cancel()

	maximum := func(values []float64) float64 {
		v, _ := detect.PeakAmplitude(values)
		return v
	}

	var (
		last       []spectrum.Calibration
		iterations int
	)

	for runCtx.Err() == nil {
		var results []spectrum.Calibration
		for _, sr := range c.registry.Snapshot() {
			res, err := c.calibrate(runCtx, sr, c.cfg.IterationQueries, ModeContinuous, maximum)
			if err != nil {
				continue
			}
			results = append(results, *res)
		}
		if len(results) > 0 {
			last = results
		}
		iterations++

		select {
		case <-runCtx.Done():
		case <-time.After(c.cfg.Pause):
		}
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}

	c.logger.Info("continuous calibration finished", slog.Int("iterations", iterations))
	return last, nil
}

// calibrate collects the peak amplitude of up to n queries for sr and sets
// its threshold to reduce(samples) + 1, rounded to 0.1 dB.
func (c *Calibrator) calibrate(ctx context.Context, sr detect.ScanRange, n int, mode string, reduce func([]float64) float64) (*spectrum.Calibration, error) {
	logger := c.logger.With(slog.Int("range", sr.ID), slog.String("mode", mode))

	samples := make([]float64, 0, n)
	var errs []error

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		spec, err := c.querier.Query(ctx, sr.StartHz, sr.StopHz)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		peak, idx := detect.PeakAmplitude(spec.Amplitudes())
		if idx < 0 {
			continue
		}
		samples = append(samples, peak)
	}

	if len(samples) == 0 {
		err := fmt.Errorf("%w for range %s", ErrNoSamples, sr)
		if len(errs) > 0 {
			err = errors.Join(err, errs[len(errs)-1])
		}
		logger.Error("calibration failed", slog.Any("error", err), slog.Int("failedQueries", len(errs)))
		return nil, err
	}

	threshold := detect.Round1(reduce(samples) + 1)

	if err := c.registry.Calibrate(sr.ID, threshold); err != nil {
		// range removed while it was being sampled
		logger.Warn("calibration discarded", slog.Any("error", err))
		return nil, err
	}

	res := spectrum.Calibration{
		RangeID:      sr.ID,
		StartHz:      sr.StartHz,
		StopHz:       sr.StopHz,
		ThresholdDBm: threshold,
		Mode:         mode,
		Samples:      len(samples),
		Timestamp:    time.Now(),
	}

	logger.Info("threshold set",
		slog.String("start", detect.FormatHz(sr.StartHz)),
		slog.String("stop", detect.FormatHz(sr.StopHz)),
		slog.String("threshold", fmt.Sprintf("%.1fdBm", threshold)),
		slog.Int("samples", len(samples)))

	if c.recorder != nil {
		if err := c.recorder.StoreThreshold(ctx, &res); err != nil {
			logger.Error("failed to store threshold", slog.Any("error", err))
		}
	}

	return &res, nil
}
