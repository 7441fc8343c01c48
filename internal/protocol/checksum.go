package protocol

// Checksum computes the analyzer's two-byte running checksum over p.
// Both accumulators wrap at 256: a is the sum of all bytes, b is the sum of
// every intermediate a. It detects accidental corruption only and will not
// notice every multi-byte error pattern (e.g. swapping 0x00 and 0xFF runs).
func Checksum(p []byte) (a, b byte) {
	for _, c := range p {
		a += c
		b += a
	}
	return a, b
}

// Checksum16 returns the checksum of p as it appears on the wire when read as
// a little-endian uint16: a in the low byte, b in the high byte.
func Checksum16(p []byte) uint16 {
	a, b := Checksum(p)
	return uint16(b)<<8 | uint16(a)
}
