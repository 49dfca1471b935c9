package protocol

// Receiver reassembles a sequence of fragments emitted by a single Sender
// into complete payloads. A Receiver is owned by a single goroutine; it
// performs no I/O and never blocks.
type Receiver struct {
	haveSequence     bool
	currentSequence  uint32
	totalFragments   uint16
	receivedFragments uint16
	payloadSize      uint32
	fragmentSeen     []bool
	buffer           []byte
	lastSourceTimeUs int64
}

// NewReceiver returns an empty Receiver, ready to start its first sequence
// on the next admitted datagram.
func NewReceiver() *Receiver {
	return &Receiver{}
}

// LastSourceTimeUs returns the source_time_us latched from the most
// recently seen fragment-0 header, regardless of whether that sequence has
// finished reassembling.
func (r *Receiver) LastSourceTimeUs() int64 {
	return r.lastSourceTimeUs
}

// ProcessDatagram admits one datagram into the reassembly state machine.
// It returns the complete payload (valid only until the next call) the
// instant every fragment of its sequence has arrived, and reports whether
// this datagram was fragment 0 of its sequence (the only reliable signal
// that a new snapshot has started).
func (r *Receiver) ProcessDatagram(data []byte) (payload []byte, sequenceChanged bool) {
	if len(data) < headerSize {
		return nil, false
	}

	h := decodeHeader(data)
	if h.fragment == 0 {
		r.lastSourceTimeUs = h.sourceTimeUs
	}

	sequenceChanged = h.fragment == 0
	isDifferentSequence := !r.haveSequence || h.sequence != r.currentSequence
	if isDifferentSequence {
		r.startSequence(h)
	}

	if h.fragments == 0 || h.fragment >= h.fragments {
		return nil, sequenceChanged
	}

	if r.fragmentSeen[h.fragment] {
		return nil, sequenceChanged
	}

	fragmentSize := len(data) - headerSize
	bufferOffset := int(h.fragment) * MaxPayloadSize
	if bufferOffset+fragmentSize > len(r.buffer) {
		return nil, sequenceChanged
	}

	copy(r.buffer[bufferOffset:bufferOffset+fragmentSize], data[headerSize:])
	r.fragmentSeen[h.fragment] = true
	r.receivedFragments++

	if r.receivedFragments == r.totalFragments {
		r.haveSequence = false
		return r.buffer[:r.payloadSize], sequenceChanged
	}
	return nil, sequenceChanged
}

func (r *Receiver) startSequence(h header) {
	r.haveSequence = true
	r.currentSequence = h.sequence
	r.totalFragments = h.fragments
	r.receivedFragments = 0
	r.payloadSize = h.payloadSize

	if cap(r.fragmentSeen) < int(h.fragments) {
		r.fragmentSeen = make([]bool, h.fragments)
	} else {
		r.fragmentSeen = r.fragmentSeen[:h.fragments]
		for i := range r.fragmentSeen {
			r.fragmentSeen[i] = false
		}
	}

	if cap(r.buffer) < int(h.payloadSize) {
		r.buffer = make([]byte, h.payloadSize)
	} else {
		r.buffer = r.buffer[:h.payloadSize]
	}
}
