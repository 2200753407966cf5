package sqlitestore

import (
	"bytes"
	"testing"
)

func TestCompressIfBeneficialKeepsSmallerForm(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 10000)
	stored, isCompressed, err := compressIfBeneficial(data)
	if err != nil {
		t.Fatalf("compressIfBeneficial: %v", err)
	}
	if !isCompressed {
		t.Fatal("highly repetitive data should compress smaller than its raw form")
	}
	if len(stored) >= len(data) {
		t.Fatalf("compressed form (%d bytes) is not smaller than raw (%d bytes)", len(stored), len(data))
	}

	roundTripped, err := decompressBlob(stored, isCompressed)
	if err != nil {
		t.Fatalf("decompressBlob: %v", err)
	}
	if !bytes.Equal(roundTripped, data) {
		t.Fatal("decompressed data does not match the original")
	}
}

func TestCompressIfBeneficialRejectsWhenNotSmaller(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	stored, isCompressed, err := compressIfBeneficial(data)
	if err != nil {
		t.Fatalf("compressIfBeneficial: %v", err)
	}
	if isCompressed {
		t.Fatal("tiny incompressible data must not be stored compressed")
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("uncompressed path must return the original bytes unchanged")
	}

	roundTripped, err := decompressBlob(stored, isCompressed)
	if err != nil {
		t.Fatalf("decompressBlob: %v", err)
	}
	if !bytes.Equal(roundTripped, data) {
		t.Fatal("decompressBlob must be the identity when isCompressed is false")
	}
}
