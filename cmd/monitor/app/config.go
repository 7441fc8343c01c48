package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/spectrum-monitor/internal/calibrate"
	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/device"
)

const (
	defaultDataDirectory = "data"
	defaultDatabaseName  = "monitor.sqlite"
	defaultTelemetry     = time.Minute
)

// Config represents the main application configuration
type Config struct {
	Settings    Settings          `yaml:"settings" json:"settings"`
	Device      DeviceConfig      `yaml:"device" json:"device"`
	Indicator   IndicatorConfig   `yaml:"indicator" json:"indicator"`
	Detection   DetectionConfig   `yaml:"detection" json:"detection"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Ranges      []RangeConfig     `yaml:"ranges" json:"ranges"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`

	path string // File the configuration was loaded from, for reloads
}

// Settings represents global application settings
type Settings struct {
	LogLevel slog.Level `yaml:"logLevel" json:"logLevel"`
	EventLog string     `yaml:"eventLog" json:"eventLog"` // Append-only event log file, disabled when empty
}

// DeviceConfig represents the analyzer link settings
type DeviceConfig struct {
	Port              string       `yaml:"port" json:"port"` // Empty to probe every enumerated port
	BaudRate          int          `yaml:"baudRate" json:"baudRate"`
	ReadTimeout       TimeDuration `yaml:"readTimeout" json:"readTimeout"`
	ReconnectInterval TimeDuration `yaml:"reconnectInterval" json:"reconnectInterval"`
	PollInterval      TimeDuration `yaml:"pollInterval" json:"pollInterval"`
	ResponseTimeout   TimeDuration `yaml:"responseTimeout" json:"responseTimeout"`
	ShutdownGrace     TimeDuration `yaml:"shutdownGrace" json:"shutdownGrace"`
	RFIn              uint8        `yaml:"rfin" json:"rfin"`
	Bandwidth         uint8        `yaml:"bandwidth" json:"bandwidth"`
	Speed             uint8        `yaml:"speed" json:"speed"`
	DisplayRange      *RangeConfig `yaml:"displayRange" json:"displayRange,omitempty"`
}

// IndicatorConfig represents the auxiliary indicator link settings
type IndicatorConfig struct {
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	Port        string       `yaml:"port" json:"port"`
	BaudRate    int          `yaml:"baudRate" json:"baudRate"`
	ReadTimeout TimeDuration `yaml:"readTimeout" json:"readTimeout"`
}

// DetectionConfig represents the detection pipeline tuning
type DetectionConfig struct {
	MedianWindow      int          `yaml:"medianWindow" json:"medianWindow"`
	EMAAlpha          float64      `yaml:"emaAlpha" json:"emaAlpha"`
	ThresholdOffset   float64      `yaml:"thresholdOffset" json:"thresholdOffset"`
	HysteresisMargin  float64      `yaml:"hysteresisMargin" json:"hysteresisMargin"`
	StabilityDuration uint32       `yaml:"stabilityDuration" json:"stabilityDuration"`
	MinAlertInterval  TimeDuration `yaml:"minAlertInterval" json:"minAlertInterval"`
}

// CalibrationConfig represents the auto-calibration settings
type CalibrationConfig struct {
	OnStart          bool         `yaml:"onStart" json:"onStart"`       // Run the initial calibration once connected
	Continuous       bool         `yaml:"continuous" json:"continuous"` // Follow with a continuous recalibration run
	InitialQueries   int          `yaml:"initialQueries" json:"initialQueries"`
	IterationQueries int          `yaml:"iterationQueries" json:"iterationQueries"`
	Duration         TimeDuration `yaml:"duration" json:"duration"`
	Pause            TimeDuration `yaml:"pause" json:"pause"`
}

// RangeConfig represents a monitored frequency range
type RangeConfig struct {
	Start     Frequency `yaml:"start" json:"start"`
	Stop      Frequency `yaml:"stop" json:"stop"`
	Threshold *float64  `yaml:"threshold" json:"threshold,omitempty"` // dBm; nil to calibrate or restore
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory     string       `yaml:"dataDirectory" json:"dataDirectory"`
	TelemetryInterval TimeDuration `yaml:"telemetryInterval" json:"telemetryInterval"`
}

// DefaultConfig returns the configuration used for values absent from the file.
func DefaultConfig() *Config {
	dev := device.DefaultConfig()
	params := detect.DefaultParams()
	cal := calibrate.DefaultConfig()

	return &Config{
		Settings: Settings{LogLevel: slog.LevelInfo},
		Device: DeviceConfig{
			BaudRate:          dev.BaudRate,
			ReadTimeout:       TimeDuration(dev.ReadTimeout),
			ReconnectInterval: TimeDuration(dev.ReconnectInterval),
			PollInterval:      TimeDuration(dev.PollInterval),
			ResponseTimeout:   TimeDuration(dev.ResponseTimeout),
			ShutdownGrace:     TimeDuration(dev.ShutdownGrace),
			RFIn:              dev.RFIn,
			Bandwidth:         dev.Bandwidth,
			Speed:             dev.Speed,
		},
		Indicator: IndicatorConfig{
			BaudRate:    dev.Indicator.BaudRate,
			ReadTimeout: TimeDuration(dev.Indicator.ReadTimeout),
		},
		Detection: DetectionConfig{
			MedianWindow:      params.MedianWindow,
			EMAAlpha:          params.EMAAlpha,
			ThresholdOffset:   params.ThresholdOffset,
			HysteresisMargin:  params.HysteresisMargin,
			StabilityDuration: params.StabilityDuration,
			MinAlertInterval:  TimeDuration(params.MinAlertInterval),
		},
		Calibration: CalibrationConfig{
			InitialQueries:   cal.InitialQueries,
			IterationQueries: cal.IterationQueries,
			Duration:         TimeDuration(cal.Duration),
			Pause:            TimeDuration(cal.Pause),
		},
		Storage: StorageConfig{
			DataDirectory:     defaultDataDirectory,
			TelemetryInterval: TimeDuration(defaultTelemetry),
		},
	}
}

// LoadConfig reads the YAML configuration at path on top of DefaultConfig
// and validates it.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config, err := DecodeConfig(f)
	if err != nil {
		return nil, err
	}

	config.path = path
	return config, nil
}

// DecodeConfig reads a YAML configuration on top of DefaultConfig and
// validates it. Unknown keys are rejected.
func DecodeConfig(r io.Reader) (*Config, error) {
	config := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    TimeDuration
	}{
		{"device.readTimeout", c.Device.ReadTimeout},
		{"device.reconnectInterval", c.Device.ReconnectInterval},
		{"device.pollInterval", c.Device.PollInterval},
		{"device.responseTimeout", c.Device.ResponseTimeout},
		{"device.shutdownGrace", c.Device.ShutdownGrace},
		{"indicator.readTimeout", c.Indicator.ReadTimeout},
		{"calibration.duration", c.Calibration.Duration},
		{"calibration.pause", c.Calibration.Pause},
		{"storage.telemetryInterval", c.Storage.TelemetryInterval},
	}
	for _, v := range durations {
		if err := v.d.Validate(); err != nil {
			return fmt.Errorf("app.Config: invalid %s: %w", v.name, err)
		}
	}

	if c.Device.BaudRate < 0 {
		return fmt.Errorf("app.Config: baud rate must not be negative: %d", c.Device.BaudRate)
	}
	if c.Device.DisplayRange != nil {
		if err := c.Device.DisplayRange.Validate(); err != nil {
			return fmt.Errorf("app.Config: invalid display range: %w", err)
		}
	}
	if c.Indicator.Enabled {
		if c.Indicator.Port == "" {
			return errors.New("app.Config: indicator port is required when the indicator is enabled")
		}
		if c.Indicator.Port == c.Device.Port {
			return fmt.Errorf("app.Config: indicator port %s is also the analyzer port", c.Indicator.Port)
		}
	}

	if err := c.DetectionParams().Validate(); err != nil {
		return fmt.Errorf("app.Config: %w", err)
	}

	if c.Calibration.InitialQueries < 0 || c.Calibration.IterationQueries < 0 {
		return errors.New("app.Config: calibration query counts must not be negative")
	}

	for i := range c.Ranges {
		if err := c.Ranges[i].Validate(); err != nil {
			return fmt.Errorf("app.Config: invalid range #%d: %w", i+1, err)
		}
	}

	return nil
}

// SessionConfig converts the device and indicator sections.
func (c *Config) SessionConfig() device.Config {
	cfg := device.Config{
		Port:              c.Device.Port,
		BaudRate:          c.Device.BaudRate,
		ReadTimeout:       time.Duration(c.Device.ReadTimeout),
		ReconnectInterval: time.Duration(c.Device.ReconnectInterval),
		PollInterval:      time.Duration(c.Device.PollInterval),
		ResponseTimeout:   time.Duration(c.Device.ResponseTimeout),
		ShutdownGrace:     time.Duration(c.Device.ShutdownGrace),
		RFIn:              c.Device.RFIn,
		Bandwidth:         c.Device.Bandwidth,
		Speed:             c.Device.Speed,
		Indicator: device.IndicatorConfig{
			Enabled:     c.Indicator.Enabled,
			Port:        c.Indicator.Port,
			BaudRate:    c.Indicator.BaudRate,
			ReadTimeout: time.Duration(c.Indicator.ReadTimeout),
		},
	}
	if r := c.Device.DisplayRange; r != nil {
		cfg.DisplayStartHz, cfg.DisplayStopHz = uint64(r.Start), uint64(r.Stop)
	}
	return cfg
}

// DetectionParams converts the detection section.
func (c *Config) DetectionParams() detect.Params {
	return detect.Params{
		MedianWindow:      c.Detection.MedianWindow,
		EMAAlpha:          c.Detection.EMAAlpha,
		ThresholdOffset:   c.Detection.ThresholdOffset,
		HysteresisMargin:  c.Detection.HysteresisMargin,
		StabilityDuration: c.Detection.StabilityDuration,
		MinAlertInterval:  time.Duration(c.Detection.MinAlertInterval),
	}
}

// CalibratorConfig converts the calibration section.
func (c *Config) CalibratorConfig() calibrate.Config {
	return calibrate.Config{
		InitialQueries:   c.Calibration.InitialQueries,
		IterationQueries: c.Calibration.IterationQueries,
		Duration:         time.Duration(c.Calibration.Duration),
		Pause:            time.Duration(c.Calibration.Pause),
	}
}

func (r *RangeConfig) Validate() error {
	if r.Stop <= r.Start {
		return fmt.Errorf("stop %s must be above start %s", r.Stop, r.Start)
	}
	if r.Threshold != nil && (math.IsNaN(*r.Threshold) || math.IsInf(*r.Threshold, 0)) {
		return fmt.Errorf("threshold must be a finite number")
	}
	return nil
}

// Frequency is a frequency in Hz. In YAML and JSON it is either a plain
// number of Hz or a string with an SI prefix, e.g. "433.92MHz" or "2.4G".
type Frequency uint64

// ParseFrequency parses a frequency in Hz with an optional SI prefix and unit.
func ParseFrequency(s string) (Frequency, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Frequency(v), nil
	}

	v, unit, err := humanize.ParseSI(s)
	if err != nil {
		return 0, fmt.Errorf("app.Frequency: failed to parse %q: %w", s, err)
	}
	if unit != "" && !strings.EqualFold(unit, "hz") {
		return 0, fmt.Errorf("app.Frequency: unexpected unit %q in %q", unit, s)
	}
	if v < 0 || v > math.MaxUint64 {
		return 0, fmt.Errorf("app.Frequency: out of range: %q", s)
	}
	return Frequency(math.Round(v)), nil
}

func (f *Frequency) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseFrequency(value.Value)
	if err != nil {
		return err
	}

	*f = v
	return nil
}

func (f *Frequency) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		var n uint64
		if nErr := json.Unmarshal(bytes, &n); nErr != nil {
			return err
		}
		*f = Frequency(n)
		return nil
	}

	v, err := ParseFrequency(s)
	if err != nil {
		return err
	}

	*f = v
	return nil
}

func (f Frequency) String() string {
	return detect.FormatHz(uint64(f))
}

type TimeDuration time.Duration

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d TimeDuration) Validate() error {
	if d < 0 {
		return fmt.Errorf("app.TimeDuration: must not be negative: %s", d)
	}
	return nil
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}
