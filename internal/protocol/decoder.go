package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
)

const floatSize = 4

// DecodeSpectrum interprets a validated payload as little-endian float32
// values: the first half amplitudes in dBm, the second half frequencies in Hz.
// Frequencies are converted to MHz.
func DecodeSpectrum(payload []byte, ts time.Time) (spectrum.Spectrum, error) {
	if len(payload)%floatSize != 0 {
		return spectrum.Spectrum{}, fmt.Errorf("%w: %d bytes is not a whole number of floats", ErrMalformedPayload, len(payload))
	}

	n := len(payload) / floatSize
	if n%2 != 0 {
		return spectrum.Spectrum{}, fmt.Errorf("%w: odd float count %d", ErrMalformedPayload, n)
	}

	half := n / 2
	samples := make([]spectrum.Sample, half)
	for i := range samples {
		amp := readFloat(payload, i)
		freq := readFloat(payload, half+i)

		samples[i] = spectrum.Sample{
			FrequencyMHz: freq / 1e6,
			AmplitudeDBm: amp,
		}
	}

	return spectrum.Spectrum{Timestamp: ts, Samples: samples}, nil
}

func readFloat(p []byte, i int) float64 {
	bits := binary.LittleEndian.Uint32(p[i*floatSize : (i+1)*floatSize])
	return float64(math.Float32frombits(bits))
}

// EncodeSpectrum is the inverse of DecodeSpectrum. Frequencies are given in Hz.
func EncodeSpectrum(amplitudes, frequenciesHz []float32) ([]byte, error) {
	if len(amplitudes) != len(frequenciesHz) {
		return nil, fmt.Errorf("%w: %d amplitudes, %d frequencies", ErrMalformedPayload, len(amplitudes), len(frequenciesHz))
	}

	buf := make([]byte, 0, 2*len(amplitudes)*floatSize)
	for _, v := range amplitudes {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, v := range frequenciesHz {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf, nil
}
