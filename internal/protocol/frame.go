package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Marker is the fixed leading byte of every frame, in both directions
	Marker byte = 0xBB

	// CmdGetSpectrumFloat requests a spectrum as little-endian float32 values
	CmdGetSpectrumFloat byte = 0xC2

	// HeaderSize is marker + command + payload length
	HeaderSize = 4

	// ChecksumSize is the trailing two checksum bytes
	ChecksumSize = 2

	// MinFrameSize is the size of a frame with an empty payload
	MinFrameSize = HeaderSize + ChecksumSize

	// MaxFrameSize is the largest frame a 16-bit payload length can describe
	MaxFrameSize = MinFrameSize + 0xFFFF

	// QueryPayloadSize is startHz(8) + stopHz(8) + rfin + bw + speed
	QueryPayloadSize = 19

	// QuerySize is the total wire size of an encoded query
	QuerySize = HeaderSize + QueryPayloadSize + ChecksumSize
)

// Default query parameters used by the reference client.
const (
	DefaultRFIn      byte = 2
	DefaultBandwidth byte = 3
	DefaultSpeed     byte = 0
)

// Frame is one complete, checksum-validated response unit.
type Frame struct {
	Marker        byte
	Command       byte
	PayloadLength uint16
	Payload       []byte
	Checksum      uint16
}

// Size returns the number of bytes the frame occupies on the wire.
func (f *Frame) Size() int {
	return MinFrameSize + int(f.PayloadLength)
}

// Query describes a GET_SPECTRUM_FLOAT request.
type Query struct {
	StartHz   uint64
	StopHz    uint64
	RFIn      byte
	Bandwidth byte
	Speed     byte
}

// NewQuery returns a query for the given window with the default rfin, bw and speed.
func NewQuery(startHz, stopHz uint64) Query {
	return Query{
		StartHz:   startHz,
		StopHz:    stopHz,
		RFIn:      DefaultRFIn,
		Bandwidth: DefaultBandwidth,
		Speed:     DefaultSpeed,
	}
}

// EncodeQuery serializes q into its 25-byte wire form:
//
//	0xBB | 0xC2 | u16LE(19) | u64LE start | u64LE stop | rfin | bw | speed | crcA | crcB
func EncodeQuery(q Query) []byte {
	buf := make([]byte, QuerySize)

	buf[0] = Marker
	buf[1] = CmdGetSpectrumFloat
	binary.LittleEndian.PutUint16(buf[2:4], QueryPayloadSize)
	binary.LittleEndian.PutUint64(buf[4:12], q.StartHz)
	binary.LittleEndian.PutUint64(buf[12:20], q.StopHz)
	buf[20] = q.RFIn
	buf[21] = q.Bandwidth
	buf[22] = q.Speed

	buf[23], buf[24] = Checksum(buf[:HeaderSize+QueryPayloadSize])
	return buf
}

// PayloadLength reads the declared payload length of the frame starting at buf[0].
// The caller must provide at least HeaderSize bytes.
func PayloadLength(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[2:HeaderSize]))
}

// DecodeFrame parses the frame at the start of buf and returns it together with
// the number of bytes it occupies. ErrNeedMoreData means buf is a valid prefix
// that is still too short; any error wrapping ErrFrameInvalid means the bytes at
// buf[0] do not start a valid frame.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < MinFrameSize {
		return nil, 0, ErrNeedMoreData
	}
	if buf[0] != Marker {
		return nil, 0, fmt.Errorf("%w: got %#02x", ErrBadMarker, buf[0])
	}
	if buf[1] != CmdGetSpectrumFloat {
		return nil, 0, fmt.Errorf("%w: got %#02x", ErrBadCommand, buf[1])
	}

	payloadLen := PayloadLength(buf)
	size := MinFrameSize + payloadLen
	if len(buf) < size {
		return nil, 0, ErrNeedMoreData
	}

	body := buf[:HeaderSize+payloadLen]
	received := binary.LittleEndian.Uint16(buf[HeaderSize+payloadLen : size])
	if expected := Checksum16(body); expected != received {
		return nil, 0, &ChecksumError{Expected: expected, Received: received, Length: payloadLen}
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+payloadLen])

	return &Frame{
		Marker:        buf[0],
		Command:       buf[1],
		PayloadLength: uint16(payloadLen),
		Payload:       payload,
		Checksum:      received,
	}, size, nil
}

// EncodeFrame builds a response frame around payload. The analyzer produces
// these; the client only needs it to replay captures and drive tests.
func EncodeFrame(command byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("payload of %d bytes exceeds 16-bit length field", len(payload))
	}

	buf := make([]byte, MinFrameSize+len(payload))
	buf[0] = Marker
	buf[1] = command
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)

	n := HeaderSize + len(payload)
	buf[n], buf[n+1] = Checksum(buf[:n])
	return buf, nil
}
