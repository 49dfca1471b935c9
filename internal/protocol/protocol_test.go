package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testData(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func sendAll(t *testing.T, s *Sender, data []byte, sourceTimeUs int64) [][]byte {
	t.Helper()
	var datagrams [][]byte
	n, err := s.Send(data, sourceTimeUs, func(dg []byte) error {
		cp := make([]byte, len(dg))
		copy(cp, dg)
		datagrams = append(datagrams, cp)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, len(datagrams))
	return datagrams
}

func TestSingleFragmentRoundTrip(t *testing.T) {
	data := testData(1000)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)
	require.Len(t, datagrams, 1)

	r := NewReceiver()
	payload, changed := r.ProcessDatagram(datagrams[0])
	require.True(t, changed)
	require.Equal(t, data, payload)
}

func TestFourFragmentInOrder(t *testing.T) {
	data := testData(3*MaxPayloadSize + 1000)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)
	require.Len(t, datagrams, 4)

	r := NewReceiver()
	for i := 0; i < 3; i++ {
		payload, changed := r.ProcessDatagram(datagrams[i])
		require.Nil(t, payload)
		require.Equal(t, i == 0, changed)
	}
	payload, changed := r.ProcessDatagram(datagrams[3])
	require.Equal(t, data, payload)
	require.False(t, changed)
}

func TestThreeFragmentOutOfOrder(t *testing.T) {
	data := testData(2*MaxPayloadSize + 1000)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)
	require.Len(t, datagrams, 3)

	r := NewReceiver()

	payload, changed := r.ProcessDatagram(datagrams[2])
	require.Nil(t, payload)
	require.False(t, changed)

	payload, changed = r.ProcessDatagram(datagrams[0])
	require.Nil(t, payload)
	require.True(t, changed)

	payload, changed = r.ProcessDatagram(datagrams[1])
	require.Equal(t, data, payload)
	require.False(t, changed)
}

func TestDuplicateFragmentZero(t *testing.T) {
	data := testData(2 * MaxPayloadSize)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)
	require.Len(t, datagrams, 2)

	r := NewReceiver()

	payload, changed := r.ProcessDatagram(datagrams[0])
	require.Nil(t, payload)
	require.True(t, changed)

	// Duplicate of fragment 0 re-latches sequenceChanged without disturbing
	// the in-progress reassembly.
	payload, changed = r.ProcessDatagram(datagrams[0])
	require.Nil(t, payload)
	require.True(t, changed)

	payload, changed = r.ProcessDatagram(datagrams[1])
	require.Equal(t, data, payload)
	require.False(t, changed)
}

func TestCorruptedFragmentIndexIsDropped(t *testing.T) {
	data := testData(1000)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)
	require.Len(t, datagrams, 1)

	corrupted := make([]byte, len(datagrams[0]))
	copy(corrupted, datagrams[0])
	h := decodeHeader(corrupted)
	h.fragment = 99
	h.encode(corrupted[:headerSize])

	r := NewReceiver()
	payload, changed := r.ProcessDatagram(corrupted)
	require.Nil(t, payload)
	require.False(t, changed)
}

func TestBackToBackSequencesWithLoss(t *testing.T) {
	b1 := testData(2*MaxPayloadSize + 1)
	b2 := testData(MaxPayloadSize + 1)

	s := NewSender()
	d1 := sendAll(t, s, b1, 0)
	require.Len(t, d1, 3)
	d2 := sendAll(t, s, b2, 0)
	require.Len(t, d2, 2)

	r := NewReceiver()

	// Only fragments 0 and 1 of b1 arrive; fragment 2 is lost.
	payload, changed := r.ProcessDatagram(d1[0])
	require.Nil(t, payload)
	require.True(t, changed)
	payload, changed = r.ProcessDatagram(d1[1])
	require.Nil(t, payload)
	require.False(t, changed)

	// b2 starts; its fragment 0 abandons the unfinished b1 reassembly.
	payload, changed = r.ProcessDatagram(d2[0])
	require.Nil(t, payload)
	require.True(t, changed)
	payload, changed = r.ProcessDatagram(d2[1])
	require.Equal(t, b2, payload)
	require.False(t, changed)
}

func TestSequenceMonotonicity(t *testing.T) {
	s := NewSender()
	data := testData(10)
	var sequences []uint32
	for i := 0; i < 5; i++ {
		_, err := s.Send(data, 0, func(dg []byte) error {
			sequences = append(sequences, decodeHeader(dg).sequence)
			return nil
		})
		require.NoError(t, err)
	}
	for i := 1; i < len(sequences); i++ {
		require.Equal(t, sequences[i-1]+1, sequences[i])
	}
}

func TestSequenceWrapsModulo32(t *testing.T) {
	s := NewSender()
	s.sequence = ^uint32(0) // one before wraparound
	data := testData(10)

	var first, second uint32
	_, err := s.Send(data, 0, func(dg []byte) error {
		first = decodeHeader(dg).sequence
		return nil
	})
	require.NoError(t, err)
	_, err = s.Send(data, 0, func(dg []byte) error {
		second = decodeHeader(dg).sequence
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, ^uint32(0), first)
	require.Equal(t, uint32(0), second)
}

func TestOversizedRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a ~580MB buffer to cross the 65535-fragment boundary")
	}

	s := NewSender()
	before := s.sequence

	// One byte past exactly 65536 fragments' worth of payload.
	huge := make([]byte, MaxPayloadSize*(1<<16)+1)
	_, err := s.Send(huge, 0, func(dg []byte) error { return nil })
	require.ErrorIs(t, err, ErrInvalidData)
	require.Equal(t, before, s.sequence, "sequence must not advance on rejection")
}

func TestTooShortDatagramDropped(t *testing.T) {
	r := NewReceiver()
	payload, changed := r.ProcessDatagram(make([]byte, headerSize-1))
	require.Nil(t, payload)
	require.False(t, changed)
}

func TestZeroFragmentsDropped(t *testing.T) {
	s := NewSender()
	data := testData(10)
	datagrams := sendAll(t, s, data, 0)

	corrupted := make([]byte, len(datagrams[0]))
	copy(corrupted, datagrams[0])
	h := decodeHeader(corrupted)
	h.fragments = 0
	h.encode(corrupted[:headerSize])

	r := NewReceiver()
	payload, _ := r.ProcessDatagram(corrupted)
	require.Nil(t, payload)
}

func TestLastSourceTimeUsLatchesOnlyFromFragmentZero(t *testing.T) {
	data := testData(2 * MaxPayloadSize)
	s := NewSender()
	datagrams := sendAll(t, s, data, 12345)

	// Tamper with fragment 1's source_time_us; it must never be latched.
	tampered := make([]byte, len(datagrams[1]))
	copy(tampered, datagrams[1])
	h := decodeHeader(tampered)
	h.sourceTimeUs = 999
	h.encode(tampered[:headerSize])

	r := NewReceiver()
	r.ProcessDatagram(datagrams[0])
	r.ProcessDatagram(tampered)
	require.Equal(t, int64(12345), r.LastSourceTimeUs())
}

func TestReorderInvarianceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		size := 1 + rng.Intn(4*MaxPayloadSize)
		data := testData(size)

		s := NewSender()
		datagrams := sendAll(t, s, data, int64(trial))

		perm := rng.Perm(len(datagrams))
		r := NewReceiver()
		var got []byte
		for _, idx := range perm {
			if payload, _ := r.ProcessDatagram(datagrams[idx]); payload != nil {
				got = append([]byte{}, payload...)
			}
		}
		require.Equal(t, data, got)
	}
}

func TestDuplicateToleranceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := testData(3*MaxPayloadSize + 123)
	s := NewSender()
	datagrams := sendAll(t, s, data, 0)

	var withDupes [][]byte
	for _, dg := range datagrams {
		withDupes = append(withDupes, dg)
		if rng.Intn(2) == 0 {
			withDupes = append(withDupes, dg) // duplicate
		}
	}
	rng.Shuffle(len(withDupes), func(i, j int) {
		withDupes[i], withDupes[j] = withDupes[j], withDupes[i]
	})

	r := NewReceiver()
	var got []byte
	completions := 0
	for _, dg := range withDupes {
		if payload, _ := r.ProcessDatagram(dg); payload != nil {
			got = append([]byte{}, payload...)
			completions++
		}
	}
	require.Equal(t, 1, completions, "duplicates must not contribute extra completions")
	require.Equal(t, data, got)
}
