package codec

import "hash/crc32"

// Every encoded segment ends in a four-byte little-endian CRC32 of the bytes
// before it, so a truncated upload or corrupted blob is rejected before
// decompression. Castagnoli rather than IEEE: it is hardware-accelerated on
// the hosts that produce and consume segments.

const trailerSize = 4

var trailerTable = crc32.MakeTable(crc32.Castagnoli)

// sealSegment appends the integrity trailer to an encoded segment.
func sealSegment(encoded []byte) []byte {
	sum := crc32.Checksum(encoded, trailerTable)
	out := make([]byte, len(encoded)+trailerSize)
	copy(out, encoded)
	out[len(encoded)] = byte(sum)
	out[len(encoded)+1] = byte(sum >> 8)
	out[len(encoded)+2] = byte(sum >> 16)
	out[len(encoded)+3] = byte(sum >> 24)
	return out
}

// openSegment verifies the trailer and returns the encoded bytes without it.
// ok is false for blobs shorter than a trailer or whose checksum mismatches.
func openSegment(sealed []byte) (encoded []byte, ok bool) {
	if len(sealed) < trailerSize {
		return nil, false
	}
	n := len(sealed) - trailerSize
	want := uint32(sealed[n]) |
		uint32(sealed[n+1])<<8 |
		uint32(sealed[n+2])<<16 |
		uint32(sealed[n+3])<<24
	encoded = sealed[:n]
	return encoded, crc32.Checksum(encoded, trailerTable) == want
}
