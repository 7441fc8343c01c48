package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ScanRange is a monitored frequency window with its live detection state.
// Values handed out by the Registry are copies; only the Registry mutates
// the records it owns.
type ScanRange struct {
	ID      int
	StartHz uint64
	StopHz  uint64

	Threshold      *float64 // Calibrated, then live upper threshold in dBm; nil until known
	EMA            *float64 // Smoothed working amplitude; nil before the first cycle
	StabilityCount uint32   // Consecutive cycles above the upper threshold
	AlertActive    bool
	LastAlert      time.Time // Last emitted alert, for per-range spacing
}

// String formats the range for logs and listings, e.g. "400 MHz - 500 MHz (threshold -97.3 dBm)".
func (r ScanRange) String() string {
	threshold := "unset"
	if r.Threshold != nil {
		threshold = fmt.Sprintf("%.1f dBm", *r.Threshold)
	}
	return fmt.Sprintf("%s - %s (threshold %s)", FormatHz(r.StartHz), FormatHz(r.StopHz), threshold)
}

// FormatHz renders a frequency with an SI prefix.
func FormatHz(hz uint64) string {
	return humanize.SIWithDigits(float64(hz), 3, "Hz")
}

func (r *ScanRange) clone() ScanRange {
	c := *r
	if r.Threshold != nil {
		v := *r.Threshold
		c.Threshold = &v
	}
	if r.EMA != nil {
		v := *r.EMA
		c.EMA = &v
	}
	return c
}

func (r *ScanRange) resetState() {
	r.EMA = nil
	r.StabilityCount = 0
	r.AlertActive = false
	r.LastAlert = time.Time{}
}

// Registry owns the monitored ranges. Every access goes through a single
// mutex, so the detection pipeline and the calibrator never interleave
// updates to the same range.
type Registry struct {
	mu     sync.Mutex
	ranges []*ScanRange
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nextID: 1}
}

// Add registers a new range and returns a copy of it.
func (r *Registry) Add(startHz, stopHz uint64, threshold *float64) (ScanRange, error) {
	if startHz >= stopHz {
		return ScanRange{}, fmt.Errorf("%w: start %d Hz must be below stop %d Hz", ErrInvalidRange, startHz, stopHz)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sr := &ScanRange{ID: r.nextID, StartHz: startHz, StopHz: stopHz}
	if threshold != nil {
		v := *threshold
		sr.Threshold = &v
	}
	r.nextID++
	r.ranges = append(r.ranges, sr)

	return sr.clone(), nil
}

// Edit changes the window and threshold of a range. Smoothing and alert
// state belong to the old window and are reset.
func (r *Registry) Edit(id int, startHz, stopHz uint64, threshold *float64) (ScanRange, error) {
	if startHz >= stopHz {
		return ScanRange{}, fmt.Errorf("%w: start %d Hz must be below stop %d Hz", ErrInvalidRange, startHz, stopHz)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sr := r.find(id)
	if sr == nil {
		return ScanRange{}, fmt.Errorf("%w: %d", ErrRangeNotFound, id)
	}

	sr.StartHz, sr.StopHz = startHz, stopHz
	sr.Threshold = nil
	if threshold != nil {
		v := *threshold
		sr.Threshold = &v
	}
	sr.resetState()

	return sr.clone(), nil
}

// Remove deletes a range.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sr := range r.ranges {
		if sr.ID == id {
			r.ranges = append(r.ranges[:i], r.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrRangeNotFound, id)
}

// Get returns a copy of the range with the given ID.
func (r *Registry) Get(id int) (ScanRange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sr := r.find(id)
	if sr == nil {
		return ScanRange{}, false
	}
	return sr.clone(), true
}

// Snapshot returns copies of all ranges in registration order.
func (r *Registry) Snapshot() []ScanRange {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ScanRange, len(r.ranges))
	for i, sr := range r.ranges {
		out[i] = sr.clone()
	}
	return out
}

// Len returns the number of registered ranges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

// AnyAlertActive reports whether at least one range is in the alert state.
func (r *Registry) AnyAlertActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sr := range r.ranges {
		if sr.AlertActive {
			return true
		}
	}
	return false
}

// Calibrate sets a calibrated threshold and restarts smoothing from it.
func (r *Registry) Calibrate(id int, threshold float64) error {
	return r.Mutate(id, func(sr *ScanRange) {
		sr.Threshold = &threshold
		sr.EMA = nil
		sr.StabilityCount = 0
	})
}

// Mutate runs fn on the live record under the registry lock. fn must not
// retain sr or call back into the registry.
func (r *Registry) Mutate(id int, fn func(sr *ScanRange)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sr := r.find(id)
	if sr == nil {
		return fmt.Errorf("%w: %d", ErrRangeNotFound, id)
	}
	fn(sr)
	return nil
}

func (r *Registry) find(id int) *ScanRange {
	for _, sr := range r.ranges {
		if sr.ID == id {
			return sr
		}
	}
	return nil
}
