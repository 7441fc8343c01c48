package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/device"
	"github.com/roman-kulish/spectrum-monitor/internal/protocol"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

const storeTimeout = 5 * time.Second

// Source is the set of streams published by a device session.
type Source interface {
	Status() <-chan device.Status
	Alerts() <-chan spectrum.AlertEvent
	Spectra() <-chan spectrum.Snapshot
	Frames() <-chan *protocol.Frame
}

// AlertStore persists alerts.
type AlertStore interface {
	StoreAlert(ctx context.Context, sessionID int64, a *spectrum.AlertEvent) (int64, error)
}

// WithOutput sets where alert lines are printed
func WithOutput(w io.Writer) func(p *Presenter) {
	return func(p *Presenter) {
		p.out = w
	}
}

// WithAlertStore sets where alerts are persisted
func WithAlertStore(store AlertStore, sessionID int64) func(p *Presenter) {
	return func(p *Presenter) {
		p.store = store
		p.sessionID = sessionID
	}
}

// WithPresenterLogger sets the logger for the presenter
func WithPresenterLogger(logger *slog.Logger) func(p *Presenter) {
	return func(p *Presenter) {
		p.logger = logger
	}
}

// Presenter is the headless presentation boundary: it drains the session
// streams, prints alerts and persists them.
type Presenter struct {
	source    Source
	store     AlertStore
	sessionID int64
	out       io.Writer
	logger    *slog.Logger

	alerts uint64
	frames uint64
}

// NewPresenter creates a presenter over source.
func NewPresenter(source Source, options ...func(p *Presenter)) *Presenter {
	p := Presenter{
		source: source,
		out:    io.Discard,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Run consumes the streams until all of them are closed. Alerts still
// arriving after ctx is cancelled are stored.
func (p *Presenter) Run(ctx context.Context) error {
	status := p.source.Status()
	alerts := p.source.Alerts()
	spectra := p.source.Spectra()
	frames := p.source.Frames()

	storeCtx := context.WithoutCancel(ctx)

	for status != nil || alerts != nil || spectra != nil || frames != nil {
		select {
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			p.onStatus(st)

		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			p.onAlert(storeCtx, &a)

		case sp, ok := <-spectra:
			if !ok {
				spectra = nil
				continue
			}
			p.onSnapshot(sp)

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			p.frames++
			p.logger.Debug("frame received", slog.Int("size", f.Size()), slog.Uint64("frames", p.frames))
		}
	}

	p.logger.Info("presenter stopped", slog.Uint64("alerts", p.alerts), slog.Uint64("frames", p.frames))
	return nil
}

func (p *Presenter) onStatus(st device.Status) {
	attrs := []any{slog.String("state", st.State.String())}
	if st.Port != "" {
		attrs = append(attrs, slog.String("port", st.Port))
	}
	if st.Err != nil {
		attrs = append(attrs, slog.Any("error", st.Err))
	}

	msg := st.Message
	if msg == "" {
		msg = "device " + st.State.String()
	}

	if st.Err != nil {
		p.logger.Warn(msg, attrs...)
		return
	}
	p.logger.Info(msg, attrs...)
}

func (p *Presenter) onAlert(ctx context.Context, a *spectrum.AlertEvent) {
	p.alerts++

	_, _ = fmt.Fprintln(p.out, FormatAlert(a))

	if p.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if _, err := p.store.StoreAlert(ctx, p.sessionID, a); err != nil {
		p.logger.Error("failed to store alert", slog.Any("error", err), slog.Int("range", a.RangeID))
	}
}

func (p *Presenter) onSnapshot(sp spectrum.Snapshot) {
	if !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	window := "display"
	if sp.RangeID != nil {
		window = fmt.Sprintf("range %d", *sp.RangeID)
	}

	p.logger.Debug("spectrum",
		slog.String("window", window),
		slog.String("start", detect.FormatHz(sp.StartHz)),
		slog.String("stop", detect.FormatHz(sp.StopHz)),
		slog.Int("samples", len(sp.Spectrum.Samples)),
		slog.String("threshold", fmt.Sprintf("%.1fdBm", sp.ThresholdDBm)),
		slog.Int("peaks", len(sp.Peaks)))
}

// FormatAlert renders an alert as a single console line.
func FormatAlert(a *spectrum.AlertEvent) string {
	return fmt.Sprintf("%s ALERT range %d (%s - %s): %.1f dBm at %.3f MHz, threshold %.1f dBm",
		a.Timestamp.Format(time.RFC3339),
		a.RangeID,
		detect.FormatHz(a.StartHz),
		detect.FormatHz(a.StopHz),
		a.AmplitudeDBm,
		a.FrequencyMHz,
		a.ThresholdDBm)
}

// FormatAge renders how long ago t was, e.g. "3 minutes ago".
func FormatAge(t time.Time) string {
	return humanize.Time(t)
}
