package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roman-kulish/spectrum-monitor/internal/calibrate"
	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/device"
	"github.com/roman-kulish/spectrum-monitor/internal/eventlog"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/storage"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

const connectPollInterval = 100 * time.Millisecond

// Run monitors the configured ranges until ctx is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	if config.Settings.EventLog != "" {
		var events *eventlog.Log
		if events, err = eventlog.Open(config.Settings.EventLog, config.Settings.LogLevel); err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer closeWithError(events, &err)

		logger = slog.New(eventlog.NewFanOut(logger.Handler(), events.Handler()))
	}

	store, err := OpenStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer closeWithError(store, &err)

	sessionID, err := store.CreateSession(ctx, config.Device.Port, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	logger = logger.With(slog.Int64("session", sessionID))

	signals, err := store.IgnoredSignals(ctx)
	if err != nil {
		return fmt.Errorf("loading ignored signals: %w", err)
	}

	registry, err := createRegistry(ctx, config.Ranges, store, logger)
	if err != nil {
		return err
	}

	pipeline, err := detect.NewPipeline(registry, config.DetectionParams(),
		detect.WithPipelineLogger(logger.With(slog.String("component", "detect"))),
		detect.WithIgnoreSet(detect.NewIgnoreSet(signals...)),
	)
	if err != nil {
		return fmt.Errorf("creating detection pipeline: %w", err)
	}

	session := device.NewSession(config.SessionConfig(), device.SerialDialer{}, registry, pipeline,
		device.WithLogger(logger.With(slog.String("component", "device"))))

	presenter := NewPresenter(session,
		WithOutput(os.Stdout),
		WithAlertStore(store, sessionID),
		WithPresenterLogger(logger.With(slog.String("component", "presenter"))))

	g, gctx := errgroup.WithContext(ctx)

	stopped, err := session.Start(gctx)
	if err != nil {
		return fmt.Errorf("starting device session: %w", err)
	}
	defer session.Stop()

	logger.Info("monitoring started",
		slog.Int("ranges", registry.Len()),
		slog.Int("ignoredSignals", len(signals)))

	g.Go(func() error {
		return presenter.Run(gctx)
	})

	g.Go(func() error {
		if err, ok := <-stopped; ok && err != nil {
			return fmt.Errorf("device session: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		recordTelemetry(gctx, store, sessionID, session.Telemetry(), time.Duration(config.Storage.TelemetryInterval), logger)
		return nil
	})

	if config.path != "" {
		g.Go(func() error {
			watchReload(gctx, config, registry, pipeline.IgnoreSet(), store, logger)
			return nil
		})
	}

	if config.Calibration.OnStart || config.Calibration.Continuous {
		calibrator := calibrate.NewCalibrator(session, registry, config.CalibratorConfig(),
			calibrate.WithLogger(logger.With(slog.String("component", "calibrate"))),
			calibrate.WithRecorder(thresholdRecorder{store: store, sessionID: sessionID}))

		g.Go(func() error {
			runCalibration(gctx, calibrator, session, &config.Calibration, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("monitoring stopped")
	return err
}

// OpenStorage opens the database in the configured data directory, creating
// the directory if needed.
func OpenStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dir := config.DataDirectory
	if dir == "" {
		dir = defaultDataDirectory
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory '%s': %w", dir, err)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("storage directory '%s': %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dir)
	}

	return storage.NewSqliteStore(filepath.Join(dir, defaultDatabaseName)), nil
}

// watchReload re-reads the configuration file and the known signals on
// SIGHUP and applies the range changes to the running registry.
func watchReload(ctx context.Context, config *Config, registry *detect.Registry, ignore *detect.IgnoreSet, store storage.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ranges := config.Ranges

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		logger.Info("reloading configuration", slog.String("path", config.path))

		if signals, err := store.IgnoredSignals(ctx); err != nil {
			logger.Error("failed to reload ignored signals", slog.Any("error", err))
		} else {
			ignore.Replace(signals...)
		}

		next, err := LoadConfig(config.path)
		if err != nil {
			logger.Error("failed to reload configuration", slog.Any("error", err))
			continue
		}
		if err = reconcileRanges(ctx, registry, ranges, next.Ranges, store, logger); err != nil {
			logger.Error("failed to apply ranges", slog.Any("error", err))
			continue
		}
		ranges = next.Ranges
	}
}

// runCalibration waits for the analyzer and runs the configured calibrations.
func runCalibration(ctx context.Context, c *calibrate.Calibrator, session *device.Session, config *CalibrationConfig, logger *slog.Logger) {
	if !waitConnected(ctx, session) {
		return
	}

	if config.OnStart {
		if _, err := c.Initial(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("initial calibration failed", slog.Any("error", err))
		}
	}

	if config.Continuous && ctx.Err() == nil {
		if _, err := c.Continuous(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("continuous calibration failed", slog.Any("error", err))
		}
	}
}

func waitConnected(ctx context.Context, session interface{ Connected() bool }) bool {
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for !session.Connected() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// recordTelemetry stores a snapshot of the session counters every interval
// and a final one on shutdown.
func recordTelemetry(ctx context.Context, store storage.Store, sessionID int64, provider telemetry.Provider, interval time.Duration, logger *slog.Logger) {
	save := func(ctx context.Context) {
		if _, err := store.StoreTelemetry(ctx, sessionID, provider.Get()); err != nil {
			logger.Error("failed to store telemetry", slog.Any("error", err))
		}
	}

	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				save(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	save(ctx)
}

// thresholdRecorder stores calibrated thresholds against the running session.
type thresholdRecorder struct {
	store     storage.Store
	sessionID int64
}

func (r thresholdRecorder) StoreThreshold(ctx context.Context, c *spectrum.Calibration) error {
	return r.store.StoreThreshold(ctx, r.sessionID, c)
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
