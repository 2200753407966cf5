package sqlitestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/lz4"
)

// compressIfBeneficial attempts LZ4 frame compression of data,
// prefixed with its uncompressed size. It keeps the compressed form
// only if strictly smaller than the original, per spec §4.6's
// "never store compressed if not smaller" rule.
func compressIfBeneficial(data []byte) (stored []byte, isCompressed bool, err error) {
	var buf bytes.Buffer
	var sizePrefix [8]byte
	binary.BigEndian.PutUint64(sizePrefix[:], uint64(len(data)))
	buf.Write(sizePrefix[:])

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, false, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("lz4 compress: %w", err)
	}

	if buf.Len() < len(data) {
		return buf.Bytes(), true, nil
	}
	return data, false, nil
}

// decompressBlob reverses compressIfBeneficial. Any failure here
// indicates storage corruption, per spec §4.6.
func decompressBlob(data []byte, isCompressed bool) ([]byte, error) {
	if !isCompressed {
		return data, nil
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("compressed blob missing size prefix")
	}
	size := binary.BigEndian.Uint64(data[:8])
	r := lz4.NewReader(bytes.NewReader(data[8:]))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}
