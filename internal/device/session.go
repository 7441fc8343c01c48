package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/protocol"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/telemetry"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultPollInterval      = time.Second
	DefaultResponseTimeout   = 5 * time.Second
	DefaultShutdownGrace     = 2 * time.Second

	readBufferSize = 4096
	spectraBacklog = 16
	framesBacklog  = 64
)

// IndicatorConfig configures the auxiliary indicator link.
type IndicatorConfig struct {
	Enabled     bool
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Config configures a device session.
type Config struct {
	Port              string // Primary port; empty to probe the enumerated ports
	BaudRate          int
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
	PollInterval      time.Duration
	ResponseTimeout   time.Duration
	ShutdownGrace     time.Duration

	RFIn      byte
	Bandwidth byte
	Speed     byte

	// Display window, queried every poll in addition to the scan ranges.
	// Disabled when DisplayStopHz is not above DisplayStartHz.
	DisplayStartHz uint64
	DisplayStopHz  uint64

	Indicator IndicatorConfig
}

// DefaultConfig returns the reference session settings.
func DefaultConfig() Config {
	return Config{
		BaudRate:          DefaultBaudRate,
		ReadTimeout:       DefaultReadTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		PollInterval:      DefaultPollInterval,
		ResponseTimeout:   DefaultResponseTimeout,
		ShutdownGrace:     DefaultShutdownGrace,
		RFIn:              protocol.DefaultRFIn,
		Bandwidth:         protocol.DefaultBandwidth,
		Speed:             protocol.DefaultSpeed,
		Indicator: IndicatorConfig{
			BaudRate:    DefaultIndicatorBaudRate,
			ReadTimeout: DefaultReadTimeout,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.Indicator.BaudRate <= 0 {
		c.Indicator.BaudRate = def.Indicator.BaudRate
	}
	if c.Indicator.ReadTimeout <= 0 {
		c.Indicator.ReadTimeout = def.Indicator.ReadTimeout
	}
	return c
}

type target int

const (
	targetDisplay target = iota
	targetRange
	targetRequest
)

type reply struct {
	spec spectrum.Spectrum
	err  error
}

type request struct {
	query protocol.Query
	reply chan reply
}

// pending is a query written to the analyzer and waiting for its response.
type pending struct {
	query   protocol.Query
	kind    target
	rangeID int
	sentAt  time.Time
	reply   chan reply // targetRequest only, buffered
}

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) func(s *Session) {
	return func(s *Session) {
		s.logger = logger.With(slog.String("component", "session"))
	}
}

// WithStateObserver registers fn to be called on every state transition,
// from the session goroutine.
func WithStateObserver(fn func(State)) func(s *Session) {
	return func(s *Session) {
		s.observer = fn
	}
}

// Session owns the analyzer transport: it connects and reconnects, polls the
// display window and the scan ranges, reassembles responses and routes them
// through detection. All transport I/O happens on the session goroutine.
type Session struct {
	cfg         Config
	dialer      Dialer
	registry    *detect.Registry
	pipeline    *detect.Pipeline
	reassembler *protocol.Reassembler

	state   atomic.Int32
	started atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	port      Port
	indicator *Indicator

	requests   chan request
	pending    []*pending
	displayEMA *float64

	status   chan Status
	alertsIn chan spectrum.AlertEvent
	alerts   chan spectrum.AlertEvent
	spectra  chan spectrum.Snapshot
	frames   chan *protocol.Frame

	counters telemetry.Counters
	observer func(State)
	logger   *slog.Logger
}

// NewSession creates a session. It does nothing until Start is called.
func NewSession(cfg Config, dialer Dialer, registry *detect.Registry, pipeline *detect.Pipeline, options ...func(s *Session)) *Session {
	s := Session{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		registry: registry,
		pipeline: pipeline,
		done:     make(chan struct{}),
		requests: make(chan request),
		status:   make(chan Status, 1),
		alertsIn: make(chan spectrum.AlertEvent),
		alerts:   make(chan spectrum.AlertEvent),
		spectra:  make(chan spectrum.Snapshot, spectraBacklog),
		frames:   make(chan *protocol.Frame, framesBacklog),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	s.reassembler = protocol.NewReassembler(
		protocol.WithReassemblerLogger(s.logger.With(slog.String("component", "reassembler"))),
	)
	s.counters.SetConnection(Disconnected.String(), "")

	return &s
}

// Start runs the session until ctx is cancelled or Stop is called. The
// returned channel is closed when the session has fully stopped and carries
// any error from releasing the transport. A session can be started once.
func (s *Session) Start(ctx context.Context) (<-chan error, error) {
	if !s.started.CompareAndSwap(false, true) {
		if s.running.Load() {
			return nil, ErrSessionRunning
		}
		return nil, ErrSessionClosed
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	go s.pumpAlerts()

	stopped := make(chan error, 1)
	go func() {
		defer close(stopped)

		err := s.run(ctx)

		s.running.Store(false)
		close(s.done)
		s.closeStreams()

		if err != nil {
			stopped <- err
		}
	}()

	return stopped, nil
}

// Stop requests shutdown and waits for the session goroutine. If it has not
// exited within the grace period the transport is closed under it.
func (s *Session) Stop() {
	if !s.running.Load() {
		return
	}

	s.cancel()

	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("session did not stop in time, closing transport", slog.Duration("grace", s.cfg.ShutdownGrace))
		if err := s.closePort(); err != nil {
			s.logger.Error("failed to close transport", slog.Any("error", err))
		}
		<-s.done
	}
}

// IsRunning returns true if the session goroutine is active
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// Telemetry returns the session counters.
func (s *Session) Telemetry() telemetry.Provider {
	return &s.counters
}

// Status delivers connection status updates. Only the latest undelivered
// update is kept.
func (s *Session) Status() <-chan Status {
	return s.status
}

// Alerts delivers every alert in order. Alerts are queued, never dropped
// while the session runs. Once it stops, alerts still queued are kept for the
// shutdown grace period and then discarded, and the channel is closed.
func (s *Session) Alerts() <-chan spectrum.AlertEvent {
	return s.alerts
}

// Spectra delivers analysed spectra for presentation. The oldest are
// dropped when the consumer falls behind.
func (s *Session) Spectra() <-chan spectrum.Snapshot {
	return s.spectra
}

// Frames delivers every decoded frame. The oldest are dropped when the
// consumer falls behind.
func (s *Session) Frames() <-chan *protocol.Frame {
	return s.frames
}

// Query sends a query for the given window through the session and waits
// for its response.
func (s *Session) Query(ctx context.Context, startHz, stopHz uint64) (spectrum.Spectrum, error) {
	if !s.Connected() {
		return spectrum.Spectrum{}, ErrTransportUnavailable
	}

	req := request{query: s.query(startHz, stopHz), reply: make(chan reply, 1)}

	timeout := time.NewTimer(s.cfg.ResponseTimeout)
	defer timeout.Stop()

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return spectrum.Spectrum{}, ctx.Err()
	case <-s.done:
		return spectrum.Spectrum{}, ErrTransportClosed
	case <-timeout.C:
		return spectrum.Spectrum{}, ErrResponseTimeout
	}

	select {
	case r := <-req.reply:
		return r.spec, r.err
	case <-ctx.Done():
		return spectrum.Spectrum{}, ctx.Err()
	case <-s.done:
		return spectrum.Spectrum{}, ErrTransportClosed
	case <-timeout.C:
		return spectrum.Spectrum{}, ErrResponseTimeout
	}
}

func (s *Session) query(startHz, stopHz uint64) protocol.Query {
	return protocol.Query{
		StartHz:   startHz,
		StopHz:    stopHz,
		RFIn:      s.cfg.RFIn,
		Bandwidth: s.cfg.Bandwidth,
		Speed:     s.cfg.Speed,
	}
}

func (s *Session) run(ctx context.Context) error {
	var errs []error

	for {
		port, name, err := s.connect(ctx)
		if err != nil {
			break
		}

		err = s.serve(ctx, port, name)

		if cerr := s.disconnect(); cerr != nil {
			s.logger.Warn("failed to release transport", slog.Any("error", cerr))
			if ctx.Err() != nil {
				errs = append(errs, cerr)
			}
		}

		if ctx.Err() != nil {
			break
		}

		s.counters.Reconnects.Add(1)
		if isDisconnect(err) {
			s.logger.Warn("analyzer disconnected", slog.String("port", name), slog.Any("error", err))
		} else {
			s.logger.Error("transport failed", slog.String("port", name), slog.Any("error", err))
		}
		s.setState(Disconnected, "", "connection lost", err)
	}

	s.setState(Disconnected, "", "session stopped", nil)
	s.logger.Info("session stopped",
		slog.String("read", humanize.Bytes(s.counters.BytesRead.Load())),
		slog.Uint64("frames", s.counters.FramesDecoded.Load()))

	return errors.Join(errs...)
}

// connect probes the candidate ports until one opens. It only gives up when
// ctx is cancelled.
func (s *Session) connect(ctx context.Context) (Port, string, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		s.setState(Connecting, "", fmt.Sprintf("looking for the analyzer, attempt %d", attempt), nil)

		port, name, err := s.open()
		if err == nil {
			return port, name, nil
		}

		s.logger.Warn("analyzer not available",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("retryIn", s.cfg.ReconnectInterval))
		s.publishStatus(Status{
			State:     Connecting,
			Message:   fmt.Sprintf("analyzer not available, retrying in %s", s.cfg.ReconnectInterval),
			Err:       err,
			Timestamp: time.Now(),
		})

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// open returns the first candidate port that can be opened and closed, then
// reopened for use.
func (s *Session) open() (Port, string, error) {
	candidates := []string{s.cfg.Port}
	if s.cfg.Port == "" {
		names, err := s.dialer.Ports()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		candidates = slices.DeleteFunc(names, func(name string) bool {
			return s.cfg.Indicator.Enabled && name == s.cfg.Indicator.Port
		})
	}

	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no serial ports found", ErrTransportUnavailable)
	}

	mode := Mode{BaudRate: s.cfg.BaudRate, ReadTimeout: s.cfg.ReadTimeout}

	var errs []error
	for _, name := range candidates {
		probe, err := s.dialer.Open(name, mode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = probe.Close()

		port, err := s.dialer.Open(name, mode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return port, name, nil
	}

	return nil, "", fmt.Errorf("%w: %w", ErrTransportUnavailable, errors.Join(errs...))
}

// serve polls and reads until the transport fails or ctx is cancelled. A nil
// return means shutdown was requested.
func (s *Session) serve(ctx context.Context, port Port, name string) error {
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.reassembler.Reset()
	s.openIndicator()

	s.setState(Connected, name, "connected", nil)
	s.logger.Info("connected to the analyzer", slog.String("port", name), slog.Int("baudRate", s.cfg.BaudRate))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	if err := s.poll(port); err != nil {
		return err
	}

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			s.setState(Draining, name, "stopping", nil)
			return nil
		}

		select {
		case <-ticker.C:
			if err := s.poll(port); err != nil {
				return err
			}
		default:
		}

		if err := s.serveRequests(port); err != nil {
			return err
		}

		n, err := port.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				s.setState(Draining, name, "stopping", nil)
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrTransportClosed, err)
		}

		s.expire(time.Now())
	}
}

// poll sends one query for the display window and one per scan range, unless
// the previous one for the same target is still unanswered.
func (s *Session) poll(port Port) error {
	if s.cfg.DisplayStopHz > s.cfg.DisplayStartHz && !s.outstanding(targetDisplay, 0) {
		p := pending{query: s.query(s.cfg.DisplayStartHz, s.cfg.DisplayStopHz), kind: targetDisplay}
		if err := s.send(port, &p); err != nil {
			return err
		}
	}

	for _, sr := range s.registry.Snapshot() {
		if s.outstanding(targetRange, sr.ID) {
			continue
		}
		p := pending{query: s.query(sr.StartHz, sr.StopHz), kind: targetRange, rangeID: sr.ID}
		if err := s.send(port, &p); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) outstanding(kind target, rangeID int) bool {
	return slices.ContainsFunc(s.pending, func(p *pending) bool {
		return p.kind == kind && p.rangeID == rangeID
	})
}

func (s *Session) serveRequests(port Port) error {
	for {
		select {
		case req := <-s.requests:
			p := pending{query: req.query, kind: targetRequest, reply: req.reply}
			if err := s.send(port, &p); err != nil {
				req.reply <- reply{err: err}
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) send(port Port, p *pending) error {
	if _, err := port.Write(protocol.EncodeQuery(p.query)); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransportClosed, err)
	}

	p.sentAt = time.Now()
	s.pending = append(s.pending, p)
	s.counters.QueriesSent.Add(1)

	return nil
}

// ingest feeds bytes to the reassembler and routes every complete frame.
func (s *Session) ingest(p []byte) {
	s.counters.BytesRead.Add(uint64(len(p)))

	frames := s.reassembler.Ingest(p)

	stats := s.reassembler.Stats()
	s.counters.BytesDiscarded.Store(stats.BytesDiscarded)
	s.counters.FramesInvalid.Store(stats.FramesInvalid)
	s.counters.FramesDecoded.Store(stats.FramesDecoded)

	if len(frames) == 0 {
		return
	}

	now := time.Now()
	for _, f := range frames {
		offer(s.frames, f)

		spec, err := protocol.DecodeSpectrum(f.Payload, now)
		if err != nil {
			s.counters.PayloadsMalformed.Add(1)
			s.logger.Warn("discarding frame", slog.Any("error", err), slog.Int("payloadLength", int(f.PayloadLength)))
			continue
		}

		s.route(spec, now)
	}

	s.updateIndicator()
}

func (s *Session) route(spec spectrum.Spectrum, now time.Time) {
	p := s.match(spec)
	if p == nil {
		s.logger.Debug("unsolicited response", slog.Int("samples", len(spec.Samples)))
		return
	}

	switch p.kind {
	case targetRequest:
		p.reply <- reply{spec: spec}

	case targetDisplay:
		a := s.pipeline.Preview(spec, s.displayEMA)
		if a.Skipped {
			return
		}
		ema := a.EMA
		s.displayEMA = &ema
		offer(s.spectra, snapshot(p, spec, a, nil))

	case targetRange:
		a, alert, err := s.pipeline.Process(p.rangeID, spec, now)
		if err != nil {
			// range removed while its query was in flight
			s.logger.Debug("dropping response", slog.Int("range", p.rangeID), slog.Any("error", err))
			return
		}
		if alert != nil {
			s.alertsIn <- *alert
		}
		if !a.Skipped {
			id := p.rangeID
			offer(s.spectra, snapshot(p, spec, a, &id))
		}
	}
}

func snapshot(p *pending, spec spectrum.Spectrum, a detect.Analysis, rangeID *int) spectrum.Snapshot {
	return spectrum.Snapshot{
		StartHz:      p.query.StartHz,
		StopHz:       p.query.StopHz,
		Spectrum:     spectrum.Spectrum{Timestamp: spec.Timestamp, Samples: a.Samples},
		ThresholdDBm: a.ThresholdHigh,
		Peaks:        a.Peaks,
		RangeID:      rangeID,
		Timestamp:    spec.Timestamp,
	}
}

// match removes and returns the outstanding query whose window best fits the
// frequencies of spec. Ties go to the oldest query.
func (s *Session) match(spec spectrum.Spectrum) *pending {
	low, high, ok := spec.Span()

	best, bestScore := -1, math.Inf(1)
	for i, p := range s.pending {
		var score float64
		if ok {
			score = math.Abs(low*1e6-float64(p.query.StartHz)) + math.Abs(high*1e6-float64(p.query.StopHz))
		}
		if score < bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil
	}

	p := s.pending[best]
	s.pending = slices.Delete(s.pending, best, best+1)
	return p
}

func (s *Session) expire(now time.Time) {
	s.pending = slices.DeleteFunc(s.pending, func(p *pending) bool {
		if now.Sub(p.sentAt) < s.cfg.ResponseTimeout {
			return false
		}

		s.counters.QueriesExpired.Add(1)
		s.logger.Debug("query expired",
			slog.String("start", detect.FormatHz(p.query.StartHz)),
			slog.String("stop", detect.FormatHz(p.query.StopHz)))

		if p.reply != nil {
			p.reply <- reply{err: ErrResponseTimeout}
		}
		return true
	})
}

// disconnect fails the outstanding queries, discards partial frames and
// releases both transports.
func (s *Session) disconnect() error {
	for _, p := range s.pending {
		if p.reply != nil {
			p.reply <- reply{err: ErrTransportClosed}
		}
	}
	s.pending = nil
	s.reassembler.Reset()

	var errs []error
	if s.indicator != nil {
		if err := s.indicator.Close(); err != nil {
			errs = append(errs, err)
		}
		s.indicator = nil
	}
	if err := s.closePort(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Session) closePort() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Session) openIndicator() {
	if !s.cfg.Indicator.Enabled {
		return
	}

	mode := Mode{BaudRate: s.cfg.Indicator.BaudRate, ReadTimeout: s.cfg.Indicator.ReadTimeout}
	ind, err := OpenIndicator(s.dialer, s.cfg.Indicator.Port, mode, s.logger)
	if err != nil {
		s.logger.Warn("indicator link not available", slog.String("port", s.cfg.Indicator.Port), slog.Any("error", err))
		return
	}

	s.indicator = ind
	s.updateIndicator()
}

func (s *Session) updateIndicator() {
	if s.indicator == nil {
		return
	}

	if err := s.indicator.Set(s.registry.AnyAlertActive()); err != nil {
		s.logger.Warn("indicator link failed", slog.Any("error", err))
		_ = s.indicator.Close()
		s.indicator = nil
	}
}

func (s *Session) setState(state State, port, message string, err error) {
	s.state.Store(int32(state))
	s.counters.SetConnection(state.String(), port)

	if s.observer != nil {
		s.observer(state)
	}

	s.publishStatus(Status{
		State:     state,
		Port:      port,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (s *Session) publishStatus(st Status) {
	offer(s.status, st)
}

// pumpAlerts forwards alerts through an unbounded queue so detection never
// blocks on a slow consumer and no alert is lost. After the input closes the
// backlog is offered for ShutdownGrace.
func (s *Session) pumpAlerts() {
	defer close(s.alerts)

	var (
		queue    []spectrum.AlertEvent
		deadline <-chan time.Time
	)
	in := s.alertsIn

	for in != nil || len(queue) > 0 {
		var (
			out  chan<- spectrum.AlertEvent
			next spectrum.AlertEvent
		)
		if len(queue) > 0 {
			out, next = s.alerts, queue[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				deadline = time.After(s.cfg.ShutdownGrace)
				continue
			}
			queue = append(queue, ev)
		case out <- next:
			queue = queue[1:]
		case <-deadline:
			s.logger.Warn("alerts not consumed before shutdown, discarding", slog.Int("alerts", len(queue)))
			return
		}
	}
}

func (s *Session) closeStreams() {
	close(s.status)
	close(s.spectra)
	close(s.frames)
	close(s.alertsIn)
}

// offer sends v without blocking, dropping the oldest queued value when ch
// is full.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}
