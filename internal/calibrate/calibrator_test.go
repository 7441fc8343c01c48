package calibrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

// fakeQuerier answers each query with a spectrum whose maximum is taken from
// peaks in turn, per start frequency.
type fakeQuerier struct {
	mu        sync.Mutex
	connected bool
	peaks     map[uint64][]float64
	calls     map[uint64]int
	err       error
}

func newFakeQuerier(peaks map[uint64][]float64) *fakeQuerier {
	return &fakeQuerier{connected: true, peaks: peaks, calls: make(map[uint64]int)}
}

func (q *fakeQuerier) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *fakeQuerier) Query(_ context.Context, startHz, _ uint64) (spectrum.Spectrum, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.calls[startHz]
	q.calls[startHz]++

	if q.err != nil {
		return spectrum.Spectrum{}, q.err
	}

	seq := q.peaks[startHz]
	if len(seq) == 0 {
		return spectrum.Spectrum{}, nil
	}

	return spectrum.Spectrum{Samples: []spectrum.Sample{
		{FrequencyMHz: 1, AmplitudeDBm: -110},
		{FrequencyMHz: 2, AmplitudeDBm: seq[n%len(seq)]},
		{FrequencyMHz: 3, AmplitudeDBm: -110},
	}}, nil
}

func (q *fakeQuerier) callsFor(startHz uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[startHz]
}

type memRecorder struct {
	mu      sync.Mutex
	results []spectrum.Calibration
}

func (r *memRecorder) StoreThreshold(_ context.Context, c *spectrum.Calibration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *c)
	return nil
}

func TestCalibrator_InitialUsesMedianPlusOne(t *testing.T) {
	reg := detect.NewRegistry()
	a, _ := reg.Add(400e6, 500e6, nil)
	b, _ := reg.Add(900e6, 950e6, nil)

	q := newFakeQuerier(map[uint64][]float64{
		400e6: {-98.3, -96.1, -97.34, -99.0, -90.0},
		900e6: {-80.06},
	})
	rec := &memRecorder{}

	c := NewCalibrator(q, reg, Config{InitialQueries: 5}, WithRecorder(rec))
	results, err := c.Initial(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 5, q.callsFor(400e6))
	assert.Equal(t, 5, q.callsFor(900e6))

	// median(-99, -98.3, -97.34, -96.1, -90) + 1 = -96.34
	got, _ := reg.Get(a.ID)
	assert.Equal(t, -96.3, *got.Threshold)
	got, _ = reg.Get(b.ID)
	assert.Equal(t, -79.1, *got.Threshold)

	assert.Equal(t, ModeInitial, results[0].Mode)
	assert.Equal(t, 5, results[0].Samples)
	assert.Equal(t, -96.3, results[0].ThresholdDBm)
	assert.Equal(t, results, rec.results)
}

func TestCalibrator_Unavailable(t *testing.T) {
	reg := detect.NewRegistry()
	sr, _ := reg.Add(400e6, 500e6, nil)

	q := newFakeQuerier(nil)
	q.connected = false

	c := NewCalibrator(q, reg, DefaultConfig())

	_, err := c.Initial(context.Background())
	assert.ErrorIs(t, err, ErrCalibrationUnavailable)
	_, err = c.Continuous(context.Background())
	assert.ErrorIs(t, err, ErrCalibrationUnavailable)

	got, _ := reg.Get(sr.ID)
	assert.Nil(t, got.Threshold)
	assert.Zero(t, q.callsFor(400e6))
}

func TestCalibrator_FailedQueriesLeaveThresholdUnset(t *testing.T) {
	reg := detect.NewRegistry()
	sr, _ := reg.Add(400e6, 500e6, nil)

	q := newFakeQuerier(nil)
	q.err = errors.New("response timeout")

	c := NewCalibrator(q, reg, Config{InitialQueries: 3})
	results, err := c.Initial(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	got, _ := reg.Get(sr.ID)
	assert.Nil(t, got.Threshold)
	assert.Equal(t, 3, q.callsFor(400e6))
}

func TestCalibrator_ContinuousUsesMaxPlusOne(t *testing.T) {
	reg := detect.NewRegistry()
	sr, _ := reg.Add(400e6, 500e6, ptr(-50))

	q := newFakeQuerier(map[uint64][]float64{
		400e6: {-98.3, -96.1, -97.34, -99.0},
	})

	c := NewCalibrator(q, reg, Config{
		IterationQueries: 4,
		Duration:         50 * time.Millisecond,
		Pause:            5 * time.Millisecond,
	})

	results, err := c.Continuous(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, ModeContinuous, results[0].Mode)
	assert.Equal(t, -95.1, results[0].ThresholdDBm)

	got, _ := reg.Get(sr.ID)
	assert.Equal(t, -95.1, *got.Threshold)
	assert.GreaterOrEqual(t, q.callsFor(400e6), 4)
}

func TestCalibrator_ContinuousStopsOnCancel(t *testing.T) {
	reg := detect.NewRegistry()
	reg.Add(400e6, 500e6, nil)

	q := newFakeQuerier(map[uint64][]float64{400e6: {-90}})
	c := NewCalibrator(q, reg, Config{Duration: time.Hour, Pause: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := c.Continuous(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("continuous calibration did not stop")
	}
}

func ptr(v float64) *float64 { return &v }
