package protocol

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrame(t *testing.T, amps, freqs []float32) []byte {
	t.Helper()

	payload, err := EncodeSpectrum(amps, freqs)
	require.NoError(t, err)

	buf, err := EncodeFrame(CmdGetSpectrumFloat, payload)
	require.NoError(t, err)
	return buf
}

func payloads(frames []*Frame) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Payload
	}
	return out
}

func TestReassembler_NoiseThenFrameAtEverySplit(t *testing.T) {
	stream := append([]byte{0xAA, 0xAA}, mustFrame(t, []float32{-88.5}, []float32{433e6})...)
	require.Len(t, stream, 2+6+8)

	for split := 0; split <= len(stream); split++ {
		r := NewReassembler()

		frames := r.Ingest(stream[:split])
		frames = append(frames, r.Ingest(stream[split:])...)

		require.Lenf(t, frames, 1, "split at %d", split)
		assert.Equal(t, uint16(8), frames[0].PayloadLength)
		assert.Equal(t, 0, r.Len())

		spec, err := DecodeSpectrum(frames[0].Payload, time.Time{})
		require.NoError(t, err)
		require.Len(t, spec.Samples, 1)
		assert.InDelta(t, -88.5, spec.Samples[0].AmplitudeDBm, 1e-9)
		assert.InDelta(t, 433.0, spec.Samples[0].FrequencyMHz, 1e-9)
	}
}

func TestReassembler_CorruptedFrameFollowedByValid(t *testing.T) {
	bad := mustFrame(t, []float32{-50}, []float32{100e6})
	bad[len(bad)-2] ^= 0x5A
	good := mustFrame(t, []float32{-70, -71}, []float32{200e6, 201e6})

	r := NewReassembler()
	frames := r.Ingest(append(append([]byte{}, bad...), good...))

	require.Len(t, frames, 1)
	assert.Equal(t, good[HeaderSize:len(good)-ChecksumSize], frames[0].Payload)
	assert.Equal(t, 0, r.Len())

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.FramesDecoded)
	assert.GreaterOrEqual(t, stats.FramesInvalid, uint64(1))
}

func TestReassembler_ValidFrameInsideCorruptedCandidate(t *testing.T) {
	good := mustFrame(t, []float32{-70}, []float32{200e6})

	// A stray marker whose length field claims exactly enough bytes to cover
	// the real frame; only the marker may be skipped after the checksum fails.
	body := append([]byte{Marker, CmdGetSpectrumFloat, byte(len(good)), 0x00}, good...)
	a, b := Checksum(body)
	stream := append(body, a^0xFF, b)

	r := NewReassembler()
	frames := r.Ingest(stream)

	require.Len(t, frames, 1)
	assert.Equal(t, good[HeaderSize:len(good)-ChecksumSize], frames[0].Payload)
}

func TestReassembler_PartialFrameRetained(t *testing.T) {
	good := mustFrame(t, []float32{-70, -60}, []float32{200e6, 300e6})

	r := NewReassembler()
	assert.Empty(t, r.Ingest(good[:3]))
	assert.Equal(t, 3, r.Len())

	assert.Empty(t, r.Ingest(good[3:10]))
	assert.Equal(t, 10, r.Len())

	frames := r.Ingest(good[10:])
	require.Len(t, frames, 1)
	assert.Equal(t, 0, r.Len())
}

func TestReassembler_NoMarkerClearsBuffer(t *testing.T) {
	r := NewReassembler()
	assert.Empty(t, r.Ingest([]byte{0x01, 0x02, 0x03}))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(3), r.Stats().BytesDiscarded)
}

func TestReassembler_BadCommandSkipsMarker(t *testing.T) {
	good := mustFrame(t, []float32{-70}, []float32{200e6})

	r := NewReassembler()
	frames := r.Ingest(append([]byte{Marker, 0x11, 0xFF, 0xFF}, good...))

	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), r.Stats().FramesInvalid)
}

func TestReassembler_Reset(t *testing.T) {
	good := mustFrame(t, []float32{-70}, []float32{200e6})

	r := NewReassembler()
	r.Ingest(good[:7])
	r.Reset()
	assert.Equal(t, 0, r.Len())

	// the tail of the interrupted frame is noise after a reset
	assert.Empty(t, r.Ingest(good[7:]))
	frames := r.Ingest(good)
	assert.Len(t, frames, 1)
}

func TestReassembler_ChunkingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var stream []byte
	for i := 0; i < 200; i++ {
		switch rng.Intn(5) {
		case 0:
			noise := make([]byte, rng.Intn(16))
			for j := range noise {
				noise[j] = byte(rng.Intn(256))
			}
			stream = append(stream, noise...)
		case 1:
			bad := mustFrame(t, []float32{float32(-i)}, []float32{float32(i) * 1e6})
			bad[HeaderSize+rng.Intn(len(bad)-HeaderSize)] ^= 0x01
			stream = append(stream, bad...)
		default:
			n := rng.Intn(8)
			amps := make([]float32, n)
			freqs := make([]float32, n)
			for j := 0; j < n; j++ {
				amps[j] = -float32(rng.Intn(120))
				freqs[j] = float32(400e6 + float64(j)*1e5)
			}
			stream = append(stream, mustFrame(t, amps, freqs)...)
		}
	}

	whole := NewReassembler()
	expected := payloads(whole.Ingest(stream))
	require.NotEmpty(t, expected)

	for trial := 0; trial < 20; trial++ {
		r := NewReassembler()

		var got []*Frame
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(min(len(rest), 64))
			got = append(got, r.Ingest(rest[:n])...)
			rest = rest[n:]
		}

		assert.Equal(t, expected, payloads(got), "trial %d", trial)
		assert.Equal(t, whole.Len(), r.Len(), "trial %d", trial)
	}
}

func TestReassembler_LargeIngestStaysBounded(t *testing.T) {
	good := mustFrame(t, []float32{-70}, []float32{200e6})

	var stream []byte
	for len(stream) < 3*MaxFrameSize {
		stream = append(stream, good...)
	}

	r := NewReassembler()
	frames := r.Ingest(stream)

	assert.Len(t, frames, len(stream)/len(good))
	assert.LessOrEqual(t, r.Len(), MaxFrameSize)
}

func TestBuffer(t *testing.T) {
	_, err := NewBuffer(0)
	assert.Error(t, err)

	b, err := NewBuffer(4)
	require.NoError(t, err)

	require.NoError(t, b.Append([]byte{1, 2, 3}))
	assert.Error(t, b.Append([]byte{4, 5}))
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())

	b.TrimLeft(1)
	assert.Equal(t, []byte{2, 3}, b.Bytes())
	assert.Equal(t, 2, b.Free())
	assert.Equal(t, 1, b.IndexByte(3))

	b.TrimLeft(10)
	assert.Equal(t, 0, b.Len())
}
