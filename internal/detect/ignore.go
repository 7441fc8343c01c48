package detect

import (
	"sync"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

// IgnoreSet holds the known signals an operator has whitelisted. Matching is
// exact on both amplitude and frequency at the analyzer's float32 precision.
type IgnoreSet struct {
	mu      sync.RWMutex
	signals map[spectrum.Signal]struct{}
}

// NewIgnoreSet creates a set pre-populated with signals.
func NewIgnoreSet(signals ...spectrum.Signal) *IgnoreSet {
	s := IgnoreSet{signals: make(map[spectrum.Signal]struct{}, len(signals))}
	for _, sig := range signals {
		s.signals[sig.Quantize()] = struct{}{}
	}
	return &s
}

func (s *IgnoreSet) Add(sig spectrum.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.Quantize()] = struct{}{}
}

func (s *IgnoreSet) Remove(sig spectrum.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, sig.Quantize())
}

// Replace swaps the whole set for signals.
func (s *IgnoreSet) Replace(signals ...spectrum.Signal) {
	next := make(map[spectrum.Signal]struct{}, len(signals))
	for _, sig := range signals {
		next[sig.Quantize()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = next
}

func (s *IgnoreSet) Contains(sig spectrum.Signal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signals[sig.Quantize()]
	return ok
}

func (s *IgnoreSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signals)
}

// Filter returns the samples that are not in the set, preserving order.
func (s *IgnoreSet) Filter(samples []spectrum.Sample) []spectrum.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.signals) == 0 {
		return samples
	}

	out := make([]spectrum.Sample, 0, len(samples))
	for _, v := range samples {
		if _, ok := s.signals[spectrum.Signal{FrequencyMHz: v.FrequencyMHz, AmplitudeDBm: v.AmplitudeDBm}.Quantize()]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}
