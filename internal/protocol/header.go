// Package protocol implements the fragmenting UDP datagram wire format:
// a fixed 20-byte header in front of a slice of a compressed snapshot,
// reassembled on the receiving side tolerant of reorder, loss and
// duplication within one sequence.
package protocol

import "encoding/binary"

const (
	// MaxDatagramSize is the largest datagram this protocol will ever
	// emit or accept, jumbo-frame-friendly with headroom for IP/UDP
	// headers.
	MaxDatagramSize = 9000

	// HeaderSize is the wire size of header, always 20 bytes:
	// sequence(4) + fragment(2) + fragments(2) + payloadSize(4) + sourceTimeUs(8).
	HeaderSize = 20
	headerSize = HeaderSize

	// MaxPayloadSize is the largest compressed-payload chunk a single
	// datagram can carry.
	MaxPayloadSize = MaxDatagramSize - headerSize
)

// header is the 20-byte wire header, transmitted little-endian.
type header struct {
	sequence     uint32
	fragment     uint16
	fragments    uint16
	payloadSize  uint32
	sourceTimeUs int64
}

func (h header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.sequence)
	binary.LittleEndian.PutUint16(buf[4:6], h.fragment)
	binary.LittleEndian.PutUint16(buf[6:8], h.fragments)
	binary.LittleEndian.PutUint32(buf[8:12], h.payloadSize)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.sourceTimeUs))
}

func decodeHeader(buf []byte) header {
	return header{
		sequence:     binary.LittleEndian.Uint32(buf[0:4]),
		fragment:     binary.LittleEndian.Uint16(buf[4:6]),
		fragments:    binary.LittleEndian.Uint16(buf[6:8]),
		payloadSize:  binary.LittleEndian.Uint32(buf[8:12]),
		sourceTimeUs: int64(binary.LittleEndian.Uint64(buf[12:20])),
	}
}
