package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpectrum_Pairs(t *testing.T) {
	amps := []float32{-101.5, -97.25, -60}
	freqs := []float32{433e6, 433.5e6, 434e6}

	payload, err := EncodeSpectrum(amps, freqs)
	require.NoError(t, err)
	require.Len(t, payload, 2*len(amps)*4)

	ts := time.Now()
	spec, err := DecodeSpectrum(payload, ts)
	require.NoError(t, err)
	require.Len(t, spec.Samples, len(amps))
	assert.Equal(t, ts, spec.Timestamp)

	for i := range amps {
		assert.InDelta(t, float64(amps[i]), spec.Samples[i].AmplitudeDBm, 1e-6)
		assert.InDelta(t, float64(freqs[i])*1e-6, spec.Samples[i].FrequencyMHz, 1e-9)
	}
}

func TestDecodeSpectrum_CountMatchesHalfOfFloats(t *testing.T) {
	for m := 0; m < 64; m += 7 {
		payload := make([]byte, 2*m*4)

		spec, err := DecodeSpectrum(payload, time.Time{})
		require.NoError(t, err)
		assert.Len(t, spec.Samples, m)
	}
}

func TestDecodeSpectrum_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		size int
	}{
		{"odd float count", 3 * 4},
		{"single float", 4},
		{"partial float", 9},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeSpectrum(make([]byte, tc.size), time.Time{})
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestEncodeSpectrum_LengthMismatch(t *testing.T) {
	_, err := EncodeSpectrum([]float32{1}, nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
