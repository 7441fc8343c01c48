package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/spectrum-monitor/internal/protocol"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

// burst builds a -100 dBm floor with a two sample wide signal at indices 3
// and 4, wide enough to survive the median filter.
func burst(level float64) spectrum.Spectrum {
	s := spectrum.Spectrum{Samples: make([]spectrum.Sample, 8)}
	for i := range s.Samples {
		s.Samples[i] = spectrum.Sample{FrequencyMHz: 400 + float64(i)*0.5, AmplitudeDBm: -100}
	}
	s.Samples[3].AmplitudeDBm = level
	s.Samples[4].AmplitudeDBm = level
	return s
}

func newPipeline(t *testing.T, options ...func(p *Pipeline)) (*Pipeline, *Registry) {
	t.Helper()

	r := NewRegistry()
	p, err := NewPipeline(r, DefaultParams(), options...)
	require.NoError(t, err)
	return p, r
}

type cycle struct {
	level float64
	at    time.Duration
}

func run(t *testing.T, p *Pipeline, id int, base time.Time, cycles ...cycle) []*spectrum.AlertEvent {
	t.Helper()

	var alerts []*spectrum.AlertEvent
	for _, c := range cycles {
		_, alert, err := p.Process(id, burst(c.level), base.Add(c.at))
		require.NoError(t, err)
		if alert != nil {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	broken := []func(p *Params){
		func(p *Params) { p.MedianWindow = 4 },
		func(p *Params) { p.MedianWindow = 0 },
		func(p *Params) { p.EMAAlpha = 0 },
		func(p *Params) { p.EMAAlpha = 1.5 },
		func(p *Params) { p.HysteresisMargin = -1 },
		func(p *Params) { p.StabilityDuration = 0 },
		func(p *Params) { p.MinAlertInterval = -time.Second },
	}
	for i, mutate := range broken {
		p := DefaultParams()
		mutate(&p)
		assert.ErrorIsf(t, p.Validate(), ErrInvalidParams, "case %d", i)
	}

	_, err := NewPipeline(NewRegistry(), Params{})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestPipeline_FirstCycleSeedsEMA(t *testing.T) {
	p, r := newPipeline(t)
	sr, _ := r.Add(400e6, 404e6, nil)

	a, alert, err := p.Process(sr.ID, burst(-100), time.Now())
	require.NoError(t, err)
	assert.Nil(t, alert)

	assert.Equal(t, -100.0, a.EMA)
	assert.Equal(t, -99.0, a.ThresholdHigh)
	assert.Equal(t, -99.5, a.ThresholdLow)
	assert.Empty(t, a.Peaks)

	got, _ := r.Get(sr.ID)
	require.NotNil(t, got.EMA)
	assert.Equal(t, -100.0, *got.EMA)
	assert.Equal(t, -99.0, *got.Threshold)
}

func TestPipeline_ShortCrossingDoesNotAlert(t *testing.T) {
	p, r := newPipeline(t)
	sr, _ := r.Add(400e6, 404e6, nil)

	alerts := run(t, p, sr.ID, time.Now(),
		cycle{-100, 0},
		cycle{-80, 1 * time.Second},
		cycle{-80, 2 * time.Second},
		cycle{-100, 3 * time.Second},
		cycle{-80, 4 * time.Second},
		cycle{-80, 5 * time.Second},
		cycle{-100, 6 * time.Second},
	)
	assert.Empty(t, alerts)

	got, _ := r.Get(sr.ID)
	assert.Zero(t, got.StabilityCount)
	assert.False(t, got.AlertActive)
}

func TestPipeline_SustainedCrossingAlertsOnce(t *testing.T) {
	p, r := newPipeline(t)
	sr, _ := r.Add(400e6, 404e6, nil)
	base := time.Now()

	alerts := run(t, p, sr.ID, base,
		cycle{-100, 0},
		cycle{-80, 1 * time.Second},
		cycle{-80, 2 * time.Second},
	)
	require.Empty(t, alerts)

	// third qualifying cycle: ema -94.58, threshold -93.58
	a, alert, err := p.Process(sr.ID, burst(-80), base.Add(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, alert)

	assert.Equal(t, sr.ID, alert.RangeID)
	assert.Equal(t, uint64(400e6), alert.StartHz)
	assert.Equal(t, uint64(404e6), alert.StopHz)
	assert.Equal(t, -80.0, alert.AmplitudeDBm)
	assert.Equal(t, 401.5, alert.FrequencyMHz)
	assert.InDelta(t, -93.58, alert.ThresholdDBm, 1e-9)
	assert.Equal(t, base.Add(3*time.Second), alert.Timestamp)

	require.Len(t, a.Peaks, 1)
	assert.Equal(t, 3, a.Peaks[0].Index)
	assert.Equal(t, -80.0, a.Peaks[0].AmplitudeDBm)
	assert.True(t, r.AnyAlertActive())

	// still above: no repeat while active
	alerts = run(t, p, sr.ID, base,
		cycle{-80, 4 * time.Second},
		cycle{-80, 5 * time.Second},
		cycle{-80, 6 * time.Second},
	)
	assert.Empty(t, alerts)

	// drop resets, a new sustained crossing alerts again
	alerts = run(t, p, sr.ID, base, cycle{-100, 7 * time.Second})
	assert.Empty(t, alerts)
	assert.False(t, r.AnyAlertActive())

	alerts = run(t, p, sr.ID, base,
		cycle{-70, 8 * time.Second},
		cycle{-70, 9 * time.Second},
		cycle{-70, 10 * time.Second},
	)
	assert.Len(t, alerts, 1)
}

func TestPipeline_AlertSpacingIsPerRange(t *testing.T) {
	p, r := newPipeline(t)
	first, _ := r.Add(400e6, 404e6, nil)
	second, _ := r.Add(900e6, 904e6, nil)
	base := time.Now()

	crossing := []cycle{
		{-100, 0},
		{-80, 100 * time.Millisecond},
		{-80, 200 * time.Millisecond},
		{-80, 300 * time.Millisecond},
	}

	assert.Len(t, run(t, p, first.ID, base, crossing...), 1)
	// a different range is not held back by the first one's alert
	assert.Len(t, run(t, p, second.ID, base, crossing...), 1)

	// the first range re-arms within a second of its alert: suppressed
	alerts := run(t, p, first.ID, base,
		cycle{-100, 400 * time.Millisecond},
		cycle{-80, 500 * time.Millisecond},
		cycle{-80, 600 * time.Millisecond},
		cycle{-80, 700 * time.Millisecond},
	)
	assert.Empty(t, alerts)

	got, _ := r.Get(first.ID)
	assert.True(t, got.AlertActive)
	assert.Equal(t, base.Add(300*time.Millisecond), got.LastAlert)
}

func TestPipeline_IgnoredSignalsAreExcluded(t *testing.T) {
	known := burst(-80)
	ignore := NewIgnoreSet(
		spectrum.Signal{FrequencyMHz: known.Samples[3].FrequencyMHz, AmplitudeDBm: -80},
		spectrum.Signal{FrequencyMHz: known.Samples[4].FrequencyMHz, AmplitudeDBm: -80},
	)

	p, r := newPipeline(t, WithIgnoreSet(ignore))
	sr, _ := r.Add(400e6, 404e6, nil)

	alerts := run(t, p, sr.ID, time.Now(),
		cycle{-100, 0},
		cycle{-80, 1 * time.Second},
		cycle{-80, 2 * time.Second},
		cycle{-80, 3 * time.Second},
	)
	assert.Empty(t, alerts)

	got, _ := r.Get(sr.ID)
	assert.Equal(t, -100.0, *got.EMA)

	// a different level at the same frequencies is not known
	a, _, err := p.Process(sr.ID, burst(-70), time.Now())
	require.NoError(t, err)
	assert.Equal(t, -70.0, a.Working.AmplitudeDBm)
}

func TestPipeline_IgnoredSignalsMatchDecodedFrames(t *testing.T) {
	amps := make([]float32, 8)
	freqs := make([]float32, 8)
	for i := range amps {
		amps[i] = -100
		freqs[i] = float32(433.9e6 + float64(i)*5e3)
	}
	amps[3], amps[4] = -95.3, -95.3

	payload, err := protocol.EncodeSpectrum(amps, freqs)
	require.NoError(t, err)
	spec, err := protocol.DecodeSpectrum(payload, time.Now())
	require.NoError(t, err)

	// entered as an operator types them
	ignore := NewIgnoreSet(
		spectrum.Signal{FrequencyMHz: 433.915, AmplitudeDBm: -95.3},
		spectrum.Signal{FrequencyMHz: 433.92, AmplitudeDBm: -95.3},
	)

	p, r := newPipeline(t, WithIgnoreSet(ignore))
	sr, err := r.Add(433.9e6, 433.94e6, nil)
	require.NoError(t, err)

	a, _, err := p.Process(sr.ID, spec, time.Now())
	require.NoError(t, err)
	assert.Len(t, a.Samples, 6)
	assert.Equal(t, -100.0, a.Working.AmplitudeDBm)
}

func TestPipeline_AllSamplesIgnoredSkipsCycle(t *testing.T) {
	s := spectrum.Spectrum{Samples: []spectrum.Sample{{FrequencyMHz: 433.92, AmplitudeDBm: -60}}}

	p, r := newPipeline(t, WithIgnoreSet(NewIgnoreSet(spectrum.Signal{FrequencyMHz: 433.92, AmplitudeDBm: -60})))
	sr, _ := r.Add(433e6, 435e6, nil)

	a, alert, err := p.Process(sr.ID, s, time.Now())
	require.NoError(t, err)
	assert.Nil(t, alert)
	assert.True(t, a.Skipped)

	got, _ := r.Get(sr.ID)
	assert.Nil(t, got.EMA)
}

func TestPipeline_CalibratedThresholdSeedsEMA(t *testing.T) {
	p, r := newPipeline(t)
	sr, _ := r.Add(400e6, 404e6, ptr(-90))

	a, _, err := p.Process(sr.ID, burst(-100), time.Now())
	require.NoError(t, err)

	// prev = -90 - 1; ema = 0.1*-100 + 0.9*-91
	assert.InDelta(t, -91.9, a.EMA, 1e-9)
	assert.InDelta(t, -90.9, a.ThresholdHigh, 1e-9)

	got, _ := r.Get(sr.ID)
	assert.InDelta(t, -90.9, *got.Threshold, 1e-9)
}

func TestPipeline_UnknownRange(t *testing.T) {
	p, _ := newPipeline(t)

	_, _, err := p.Process(7, burst(-80), time.Now())
	assert.ErrorIs(t, err, ErrRangeNotFound)
}

func TestPipeline_PreviewLeavesRegistryAlone(t *testing.T) {
	p, r := newPipeline(t)
	sr, _ := r.Add(400e6, 404e6, nil)

	prev := -100.0
	a := p.Preview(burst(-80), &prev)
	assert.InDelta(t, -98.0, a.EMA, 1e-9)
	assert.InDelta(t, -97.0, a.ThresholdHigh, 1e-9)
	require.Len(t, a.Peaks, 1)
	assert.Equal(t, 401.5, a.Peaks[0].FrequencyMHz)

	got, _ := r.Get(sr.ID)
	assert.Nil(t, got.EMA)
}
