package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/spectrum-monitor/internal/device"
	"github.com/roman-kulish/spectrum-monitor/internal/protocol"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/storage"
)

type fakeSource struct {
	status  chan device.Status
	alerts  chan spectrum.AlertEvent
	spectra chan spectrum.Snapshot
	frames  chan *protocol.Frame
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status:  make(chan device.Status, 4),
		alerts:  make(chan spectrum.AlertEvent, 4),
		spectra: make(chan spectrum.Snapshot, 4),
		frames:  make(chan *protocol.Frame, 4),
	}
}

func (f *fakeSource) Status() <-chan device.Status { return f.status }
func (f *fakeSource) Alerts() <-chan spectrum.AlertEvent { return f.alerts }
func (f *fakeSource) Spectra() <-chan spectrum.Snapshot { return f.spectra }
func (f *fakeSource) Frames() <-chan *protocol.Frame { return f.frames }

func (f *fakeSource) close() {
	close(f.status)
	close(f.alerts)
	close(f.spectra)
	close(f.frames)
}

func TestPresenter_StoresAndPrintsAlerts(t *testing.T) {
	ctx := context.Background()

	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "monitor.sqlite"))
	t.Cleanup(func() { _ = store.Close() })

	sid, err := store.CreateSession(ctx, "/dev/ttyUSB0", nil)
	require.NoError(t, err)

	src := newFakeSource()
	var out bytes.Buffer
	p := NewPresenter(src, WithOutput(&out), WithAlertStore(store, sid))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src.status <- device.Status{State: device.Connected, Port: "/dev/ttyUSB0"}
	src.alerts <- spectrum.AlertEvent{
		RangeID:      1,
		StartHz:      433e6,
		StopHz:       435e6,
		AmplitudeDBm: -80,
		FrequencyMHz: 434.25,
		ThresholdDBm: -93.58,
		Timestamp:    ts,
	}
	src.spectra <- spectrum.Snapshot{StartHz: 433e6, StopHz: 435e6}
	src.frames <- &protocol.Frame{}
	src.close()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("presenter did not stop after the streams closed")
	}

	assert.Equal(t,
		"2024-05-01T12:00:00Z ALERT range 1 (433 MHz - 435 MHz): -80.0 dBm at 434.250 MHz, threshold -93.6 dBm\n",
		out.String())

	r, err := store.ReadAlerts(ctx, storage.WithSession(sid))
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next(ctx))
	assert.Equal(t, 434.25, r.Current().FrequencyMHz)
	assert.Equal(t, ts, r.Current().Timestamp)
	assert.False(t, r.Next(ctx))
	assert.NoError(t, r.Error())
}
