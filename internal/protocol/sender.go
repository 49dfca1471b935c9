package protocol

import "errors"

// ErrInvalidData is returned by Sender.Send when the payload would need
// more than 65535 fragments to transmit.
var ErrInvalidData = errors.New("protocol: payload requires more than 65535 fragments")

// Emit hands one fully-formed, header-prefixed datagram to the caller for
// transmission. Send propagates the first error an Emit call returns,
// verbatim, without advancing the sequence counter.
type Emit func(datagram []byte) error

// Sender fragments a compressed snapshot into MaxDatagramSize-bounded
// datagrams stamped with a monotonically increasing sequence number. A
// Sender is owned by a single goroutine: it performs no I/O itself and
// keeps one scratch buffer across calls.
type Sender struct {
	sequence uint32
	scratch  [MaxDatagramSize]byte
}

// NewSender returns a Sender starting at sequence 0.
func NewSender() *Sender {
	return &Sender{}
}

// Send fragments data into ceil(len(data)/MaxPayloadSize) datagrams and
// calls emit once per fragment, in ascending fragment order. sourceTimeUs
// is stamped into every fragment's header, but only the fragment-0 copy is
// authoritative on the receiving side. Send returns the number of
// fragments emitted. On success, the internal sequence counter wraps
// modulo 2^32 for the next call.
func (s *Sender) Send(data []byte, sourceTimeUs int64, emit Emit) (int, error) {
	fragments := (len(data) + MaxPayloadSize - 1) / MaxPayloadSize
	if fragments == 0 {
		// A zero-length payload still counts as one (empty) fragment.
		fragments = 1
	}
	if fragments > 1<<16-1 {
		return 0, ErrInvalidData
	}

	h := header{
		sequence:     s.sequence,
		fragments:    uint16(fragments),
		payloadSize:  uint32(len(data)),
		sourceTimeUs: sourceTimeUs,
	}

	offset := 0
	for i := 0; i < fragments; i++ {
		h.fragment = uint16(i)
		h.encode(s.scratch[:headerSize])

		remaining := len(data) - offset
		fragmentSize := remaining
		if fragmentSize > MaxPayloadSize {
			fragmentSize = MaxPayloadSize
		}
		n := copy(s.scratch[headerSize:], data[offset:offset+fragmentSize])

		if err := emit(s.scratch[:headerSize+n]); err != nil {
			return 0, err
		}
		offset += fragmentSize
	}

	s.sequence++
	return fragments, nil
}
