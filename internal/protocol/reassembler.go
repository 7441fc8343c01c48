package protocol

import (
	"errors"
	"io"
	"log/slog"
)

// bufferLimit bounds the reassembly buffer: at most one incomplete frame is
// retained between ingests and each ingest step adds at most one frame worth
// of bytes.
const bufferLimit = 2 * MaxFrameSize

// ReassemblerStats counts what the reassembler did with the bytes it was fed.
type ReassemblerStats struct {
	BytesIngested  uint64
	BytesDiscarded uint64 // noise before a marker, including skipped markers
	FramesDecoded  uint64
	FramesInvalid  uint64
}

// WithReassemblerLogger sets the logger used to report discarded data.
func WithReassemblerLogger(logger *slog.Logger) func(r *Reassembler) {
	return func(r *Reassembler) {
		r.logger = logger
	}
}

// Reassembler recovers complete frames from a byte stream delivered in
// arbitrary chunks. It is not safe for concurrent use.
type Reassembler struct {
	buf    *Buffer
	stats  ReassemblerStats
	logger *slog.Logger
}

// NewReassembler creates an empty reassembler.
func NewReassembler(options ...func(r *Reassembler)) *Reassembler {
	buf, _ := NewBuffer(bufferLimit) // constant limit is always valid

	r := Reassembler{
		buf:    buf,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Ingest appends p to the stream and returns every complete, checksum-valid
// frame now available, in stream order. Trailing partial bytes are kept for
// the next call.
func (r *Reassembler) Ingest(p []byte) []*Frame {
	var frames []*Frame

	r.stats.BytesIngested += uint64(len(p))

	for len(p) > 0 {
		n := min(len(p), r.buf.Free(), MaxFrameSize)
		_ = r.buf.Append(p[:n]) // n never exceeds Free
		p = p[n:]

		frames = r.drain(frames)
	}

	return frames
}

func (r *Reassembler) drain(frames []*Frame) []*Frame {
	for {
		idx := r.buf.IndexByte(Marker)
		if idx < 0 {
			r.discard(r.buf.Len(), "no frame marker")
			r.buf.Reset()
			return frames
		}
		if idx > 0 {
			r.discard(idx, "noise before frame marker")
			r.buf.TrimLeft(idx)
		}

		data := r.buf.Bytes()

		// A wrong command byte can be rejected before the length is known.
		if len(data) >= 2 && data[1] != CmdGetSpectrumFloat {
			r.reject(ErrBadCommand, len(data))
			continue
		}
		if len(data) < HeaderSize {
			return frames
		}
		if len(data) < MinFrameSize+PayloadLength(data) {
			return frames
		}

		frame, size, err := DecodeFrame(data)
		if err != nil {
			r.reject(err, len(data))
			continue
		}

		r.buf.TrimLeft(size)
		r.stats.FramesDecoded++
		frames = append(frames, frame)
	}
}

// reject skips the marker byte only, so a corrupted candidate cannot hide a
// valid frame that starts inside it.
func (r *Reassembler) reject(err error, buffered int) {
	r.stats.FramesInvalid++
	r.stats.BytesDiscarded++

	attrs := []any{slog.Int("buffered", buffered), slog.String("error", err.Error())}

	var csErr *ChecksumError
	if errors.As(err, &csErr) {
		attrs = append(attrs,
			slog.Int("payloadLength", csErr.Length),
			slog.Int("expected", int(csErr.Expected)),
			slog.Int("received", int(csErr.Received)))
	}
	r.logger.Warn("discarding invalid frame candidate", attrs...)

	r.buf.TrimLeft(1)
}

func (r *Reassembler) discard(n int, reason string) {
	if n == 0 {
		return
	}
	r.stats.BytesDiscarded += uint64(n)
	r.logger.Debug("discarding bytes", slog.Int("length", n), slog.String("reason", reason))
}

// Reset drops any partially received frame. Frames never span a reconnect.
func (r *Reassembler) Reset() {
	if n := r.buf.Len(); n > 0 {
		r.logger.Debug("dropping partial frame", slog.Int("length", n))
		r.stats.BytesDiscarded += uint64(n)
	}
	r.buf.Reset()
}

// Len returns the number of bytes waiting for the rest of a frame.
func (r *Reassembler) Len() int {
	return r.buf.Len()
}

// Stats returns the running counters.
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}
