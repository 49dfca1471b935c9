// Package compress wraps the LZ4 block codec used to shrink a telemetry
// snapshot before it is handed to the protocol Sender. It deliberately
// uses the raw block format, not the LZ4 frame format: the wire carries no
// size prefix, so the decompressor must always be given an output buffer
// sized to the expected uncompressed length.
package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Compressor reuses one hash table across calls so that compressing the
// telemetry region on every tick does not allocate.
type Compressor struct {
	hashTable []int
}

// NewCompressor returns an idle Compressor; its hash table is grown lazily
// to fit the first buffer it is asked to compress.
func NewCompressor() *Compressor {
	return &Compressor{}
}

// Compress LZ4-block-compresses src into dst (which must be at least
// CompressBound(len(src)) bytes long) in high-compression mode, and
// returns the number of bytes written.
func (c *Compressor) Compress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if cap(c.hashTable) < len(src) {
		c.hashTable = make([]int, len(src))
	}
	n, err := lz4.CompressBlockHC(src, dst, lz4.Level9, c.hashTable[:len(src)], nil)
	if err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("compress: destination buffer too small for %d-byte input", len(src))
	}
	return n, nil
}

// Decompress LZ4-block-decompresses src into dst. dst must be exactly the
// expected uncompressed length: the block format carries no length
// prefix, so there is no other way to know when decompression is
// complete.
func Decompress(dst, src []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("decompress: %w", err)
	}
	return n, nil
}

// CompressBound returns the worst-case compressed size of a srcSize-byte
// input: the size a caller should allocate its compression scratch buffer
// to.
func CompressBound(srcSize int) int {
	return lz4.CompressBlockBound(srcSize)
}
