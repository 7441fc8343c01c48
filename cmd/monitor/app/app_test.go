package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/storage"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCreateRegistry_RestoresCalibratedThreshold(t *testing.T) {
	ctx := context.Background()

	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "monitor.sqlite"))
	t.Cleanup(func() { _ = store.Close() })

	sid, err := store.CreateSession(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, thresholdRecorder{store: store, sessionID: sid}.StoreThreshold(ctx, &spectrum.Calibration{
		RangeID:      1,
		StartHz:      433e6,
		StopHz:       435e6,
		ThresholdDBm: -91.2,
		Mode:         "initial",
		Samples:      500,
		Timestamp:    time.Now(),
	}))

	configured := -70.0
	registry, err := createRegistry(ctx, []RangeConfig{
		{Start: 433e6, Stop: 435e6},
		{Start: 2400e6, Stop: 2500e6},
		{Start: 433e6, Stop: 435e6, Threshold: &configured},
	}, store, discard)
	require.NoError(t, err)

	ranges := registry.Snapshot()
	require.Len(t, ranges, 3)
	require.NotNil(t, ranges[0].Threshold)
	assert.Equal(t, -91.2, *ranges[0].Threshold)
	assert.Nil(t, ranges[1].Threshold)
	require.NotNil(t, ranges[2].Threshold)
	assert.Equal(t, -70.0, *ranges[2].Threshold)
}

type connFlag struct{ v atomic.Bool }

func (c *connFlag) Connected() bool { return c.v.Load() }

func TestWaitConnected(t *testing.T) {
	var c connFlag

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, waitConnected(ctx, &c))

	time.AfterFunc(20*time.Millisecond, func() { c.v.Store(true) })
	assert.True(t, waitConnected(context.Background(), &c))
}

type countingStore struct {
	storage.Store
	saved atomic.Int32
}

func (s *countingStore) StoreTelemetry(context.Context, int64, *telemetry.Telemetry) (int64, error) {
	return int64(s.saved.Add(1)), nil
}

func TestRecordTelemetry_FinalSnapshot(t *testing.T) {
	store := &countingStore{}
	var counters telemetry.Counters

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recordTelemetry(ctx, store, 1, &counters, 10*time.Millisecond, discard)
	}()

	require.Eventually(t, func() bool { return store.saved.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	before := store.saved.Load()
	assert.GreaterOrEqual(t, before, int32(3), "periodic snapshots plus the final one")
}

func TestReconcileRanges(t *testing.T) {
	ctx := context.Background()

	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "monitor.sqlite"))
	t.Cleanup(func() { _ = store.Close() })

	prev := []RangeConfig{
		{Start: 433e6, Stop: 435e6},
		{Start: 868e6, Stop: 870e6},
		{Start: 2400e6, Stop: 2500e6},
	}
	registry, err := createRegistry(ctx, prev, store, discard)
	require.NoError(t, err)

	// live detection state on the first range must survive an unrelated change
	require.NoError(t, registry.Calibrate(1, -90))

	threshold := -85.0
	next := []RangeConfig{
		{Start: 433e6, Stop: 435e6},
		{Start: 860e6, Stop: 870e6, Threshold: &threshold},
	}
	require.NoError(t, reconcileRanges(ctx, registry, prev, next, store, discard))

	ranges := registry.Snapshot()
	require.Len(t, ranges, 2)

	assert.Equal(t, 1, ranges[0].ID)
	require.NotNil(t, ranges[0].Threshold)
	assert.Equal(t, -90.0, *ranges[0].Threshold)

	assert.Equal(t, 2, ranges[1].ID)
	assert.Equal(t, uint64(860e6), ranges[1].StartHz)
	require.NotNil(t, ranges[1].Threshold)
	assert.Equal(t, -85.0, *ranges[1].Threshold)

	next = append(next, RangeConfig{Start: 5725e6, Stop: 5875e6})
	require.NoError(t, reconcileRanges(ctx, registry, next[:2], next, store, discard))

	ranges = registry.Snapshot()
	require.Len(t, ranges, 3)
	assert.Equal(t, 4, ranges[2].ID, "IDs are never reused")
}
