package compress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	src := make([]byte, 5*1024*1024)
	// Telemetry regions are mostly structured floats, not noise; give the
	// compressor something compressible to chew on like the real payload.
	for i := range src {
		src[i] = byte(i % 97)
	}

	c := NewCompressor()
	dst := make([]byte, CompressBound(len(src)))
	n, err := c.Compress(dst, src)
	require.NoError(t, err)
	require.Less(t, n, len(src), "structured input should compress smaller than source")

	out := make([]byte, len(src))
	dn, err := Decompress(out, dst[:n])
	require.NoError(t, err)
	require.Equal(t, len(src), dn)
	require.Equal(t, src, out)
}

func TestEmptyInput(t *testing.T) {
	c := NewCompressor()
	n, err := c.Compress(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRoundTripReusesCompressor(t *testing.T) {
	c := NewCompressor()
	for _, size := range []int{100, 100_000, 10} {
		src := make([]byte, size)
		for i := range src {
			src[i] = byte(i)
		}
		dst := make([]byte, CompressBound(len(src)))
		n, err := c.Compress(dst, src)
		require.NoError(t, err)

		out := make([]byte, len(src))
		dn, err := Decompress(out, dst[:n])
		require.NoError(t, err)
		require.Equal(t, src, out[:dn])
	}
}
