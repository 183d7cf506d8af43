package accounttree

import "testing"

func TestNew_EmptyTreeRootIsDeterministic(t *testing.T) {
	t1 := New(8, KeccakHasher{}, nil)
	t2 := New(8, KeccakHasher{}, nil)
	if t1.Root() != t2.Root() {
		t.Fatalf("two empty trees of the same depth should share a root")
	}
}

func TestSetLeaf_ChangesRoot(t *testing.T) {
	tr := New(8, KeccakHasher{}, nil)
	before := tr.Root()
	if err := tr.SetLeaf(5, []byte("account-5")); err != nil {
		t.Fatalf("SetLeaf: %v", err)
	}
	if tr.Root() == before {
		t.Fatalf("root should change after writing a leaf")
	}
}

func TestSetLeaf_OrderIndependent(t *testing.T) {
	a := New(8, KeccakHasher{}, nil)
	a.SetLeaf(1, []byte("one"))
	a.SetLeaf(2, []byte("two"))

	b := New(8, KeccakHasher{}, nil)
	b.SetLeaf(2, []byte("two"))
	b.SetLeaf(1, []byte("one"))

	if a.Root() != b.Root() {
		t.Fatalf("root should not depend on write order")
	}
}

func TestRemoveLeaf_RestoresEmptyRoot(t *testing.T) {
	tr := New(8, KeccakHasher{}, nil)
	empty := tr.Root()
	tr.SetLeaf(3, []byte("three"))
	if err := tr.RemoveLeaf(3); err != nil {
		t.Fatalf("RemoveLeaf: %v", err)
	}
	if tr.Root() != empty {
		t.Fatalf("removing the only written leaf should restore the empty root")
	}
}

func TestSetLeaf_OutOfRange(t *testing.T) {
	tr := New(4, KeccakHasher{}, nil) // 16 leaves, valid indices 0..15
	if err := tr.SetLeaf(16, []byte("x")); err == nil {
		t.Fatalf("expected an out-of-range error for index 16 at depth 4")
	}
}

func TestGetSetInternals_RoundTrip(t *testing.T) {
	src := New(8, KeccakHasher{}, nil)
	src.SetLeaf(1, []byte("one"))
	src.SetLeaf(40, []byte("forty"))
	wantRoot := src.Root()

	dst := New(8, KeccakHasher{}, nil)
	dst.SetInternals(src.GetInternals())

	if dst.Root() != wantRoot {
		t.Fatalf("root after SetInternals: want %x, got %x", wantRoot, dst.Root())
	}
	if dst.LeafHash(1) != src.LeafHash(1) {
		t.Fatalf("leaf 1 hash mismatch after SetInternals round-trip")
	}
}

func TestNodeCache_AcceleratesWithoutChangingResult(t *testing.T) {
	cache := NewNodeCache(1 << 20)
	tr := New(8, KeccakHasher{}, cache)
	tr.SetLeaf(7, []byte("seven"))

	plain := New(8, KeccakHasher{}, nil)
	plain.SetLeaf(7, []byte("seven"))

	if tr.Root() != plain.Root() {
		t.Fatalf("using a node cache should not change the computed root")
	}
}

func TestMiMCHasher_DistinctFromKeccak(t *testing.T) {
	keccakTree := New(4, KeccakHasher{}, nil)
	mimcTree := New(4, MiMCHasher{}, nil)
	keccakTree.SetLeaf(0, []byte("x"))
	mimcTree.SetLeaf(0, []byte("x"))
	if keccakTree.Root() == mimcTree.Root() {
		t.Fatalf("different hashers should produce different roots")
	}
}
