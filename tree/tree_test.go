package tree

import "testing"

func mustBlob(t *testing.T, data []byte) TreeBlob {
	t.Helper()
	b, err := NewTreeBlob(data)
	if err != nil {
		t.Fatalf("NewTreeBlob(%q): %v", data, err)
	}
	return b
}

func mustChildren(t *testing.T, refs []Digest) TreeChildren {
	t.Helper()
	c, err := NewTreeChildren(refs)
	if err != nil {
		t.Fatalf("NewTreeChildren: %v", err)
	}
	return c
}

func fakeDigest(fill byte) Digest {
	var d Digest
	d[0] = fill
	return d
}

func TestEmptyTreeDigestConstant(t *testing.T) {
	empty := NewTree(TreeBlob{}, EmptyChildren())
	got := HashTree(empty).Digest()
	want := "f0140e314ee38d4472393680e7a72a81abb36b134b467d90ea943b7aa1ea03bf2323bc1a2df91f7230a225952e162f6629cf435e53404e9cdd727a2d94e4f909"
	if got.String() != want {
		t.Fatalf("empty tree digest = %s, want %s", got.String(), want)
	}
}

func TestLeafDigestConstant(t *testing.T) {
	blob := mustBlob(t, []byte("test 123"))
	leaf := NewTree(blob, EmptyChildren())
	got := HashTree(leaf).Digest()
	want := "9be8213097a391e7b693a99d6645d11297b72113314f5e9ef98704205a7c795e41819a670fb10a60b4ca6aa92b4abd8a50932503ec843df6c40219d49f08a623"
	if got.String() != want {
		t.Fatalf("leaf digest = %s, want %s", got.String(), want)
	}
}

func TestParentWithOneChildDigestConstant(t *testing.T) {
	childBlob := mustBlob(t, []byte("ref"))
	child := HashTree(NewTree(childBlob, EmptyChildren()))

	parentBlob := mustBlob(t, []byte("test 123"))
	parent := NewTree(parentBlob, mustChildren(t, []Digest{child.Digest()}))
	got := HashTree(parent).Digest()
	want := "2a5e58d44738686013ea93248096f982b2ad03dfce91e5235247d5e3c3f4acc0376d2628f68b75c4afbe9484459465ccdaefe402ef3c42de270b2db096cc5c82"
	if got.String() != want {
		t.Fatalf("parent digest = %s, want %s", got.String(), want)
	}
}

func TestHashTreeMatchesCanonicalHash(t *testing.T) {
	blob := mustBlob(t, []byte("hello"))
	tr := NewTree(blob, EmptyChildren())
	if HashTree(tr).Digest() != CanonicalHash(tr) {
		t.Fatal("HashTree digest diverged from CanonicalHash")
	}
}

func TestDelayedHashVerifiesCorrectDigest(t *testing.T) {
	blob := mustBlob(t, []byte("payload"))
	tr := NewTree(blob, EmptyChildren())
	digest := CanonicalHash(tr)

	hashed, ok := Delayed(tr, digest).Hash()
	if !ok {
		t.Fatal("Hash() returned false for a matching expected digest")
	}
	if hashed.Digest() != digest {
		t.Fatalf("hashed digest = %s, want %s", hashed.Digest(), digest)
	}
}

func TestDelayedHashRejectsMismatchedDigest(t *testing.T) {
	blob := mustBlob(t, []byte("payload"))
	tr := NewTree(blob, EmptyChildren())
	wrongDigest := CanonicalHash(NewTree(mustBlob(t, []byte("other")), EmptyChildren()))

	if _, ok := Delayed(tr, wrongDigest).Hash(); ok {
		t.Fatal("Hash() returned true for a mismatched expected digest")
	}
}

func TestImmediateHashAlwaysSucceeds(t *testing.T) {
	blob := mustBlob(t, []byte("x"))
	hashed := HashTree(NewTree(blob, EmptyChildren()))
	got, ok := Immediate(hashed).Hash()
	if !ok || got.Digest() != hashed.Digest() {
		t.Fatal("Immediate(h).Hash() did not return h unchanged")
	}
}

func TestNewTreeBlobRejectsOversized(t *testing.T) {
	if _, err := NewTreeBlob(make([]byte, BlobMax+1)); err == nil {
		t.Fatal("expected ErrBlobTooLong")
	}
}

func TestNewTreeChildrenRejectsOversized(t *testing.T) {
	refs := make([]Digest, ChildMax+1)
	if _, err := NewTreeChildren(refs); err == nil {
		t.Fatal("expected ErrTooManyChildren")
	}
}

func TestTreeChildrenPreservesDuplicatesAndOrder(t *testing.T) {
	d1 := fakeDigest(0xaa)
	children := mustChildren(t, []Digest{d1, d1, d1})
	if children.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", children.Len())
	}
	other := mustChildren(t, []Digest{d1, d1, d1})
	if !children.Equal(other) {
		t.Fatal("duplicate-preserving children should compare equal")
	}
}
