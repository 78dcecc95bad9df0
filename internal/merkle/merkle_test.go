package merkle

import "testing"

func leafHash(b byte) Hash {
	var h Hash
	h[0] = b
	return h
}

func TestNextPow2(t *testing.T) {
	cases := map[uint32]uint32{
		0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 8: 8, 9: 16,
	}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Errorf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNewLayout(t *testing.T) {
	tr := New(3, nil)
	if tr.NumLeaves != 4 {
		t.Fatalf("expected nl=4 for nc=3, got %d", tr.NumLeaves)
	}
	if len(tr.Nodes) != 7 {
		t.Fatalf("expected 7 nodes (2*4-1), got %d", len(tr.Nodes))
	}
	if tr.RootNode() != 3 {
		t.Errorf("expected root at index 3, got %d", tr.RootNode())
	}
	// Leaves 0,2,4,6; chunk 3 (index nc=3..nl-1) is padding.
	if tr.Nodes[6].ChunkIndex != -1 {
		t.Errorf("padding leaf should have ChunkIndex -1, got %d", tr.Nodes[6].ChunkIndex)
	}
	if tr.Nodes[0].ChunkIndex != 0 || tr.Nodes[2].ChunkIndex != 1 || tr.Nodes[4].ChunkIndex != 2 {
		t.Errorf("unexpected chunk index assignment: %+v", tr.Nodes)
	}
}

func TestRootDeterminism(t *testing.T) {
	data := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	build := func() Hash {
		tr := New(uint32(len(data)), SHA1Hasher{})
		for i, d := range data {
			tr.SetLeaf(uint32(i), SHA1Hasher{}.Sum(d))
		}
		tr.UpdateSHA()
		return tr.Root()
	}

	r1 := build()
	r2 := build()
	if r1 != r2 {
		t.Errorf("root hash not deterministic: %x != %x", r1, r2)
	}
}

func TestPaddingLeavesAreZero(t *testing.T) {
	tr := New(3, SHA1Hasher{})
	for i := uint32(0); i < 3; i++ {
		tr.SetLeaf(i, leafHash(byte(i + 1)))
	}
	tr.UpdateSHA()

	var zero Hash
	if tr.Nodes[6].SHA != zero {
		t.Errorf("padding leaf should be zero hash, got %x", tr.Nodes[6].SHA)
	}

	// The padding leaf's interior parent must still fold to a deterministic
	// value derived from the zero vector, not skip the node.
	parent := tr.Nodes[6].Parent
	if tr.Nodes[parent].SHA == zero {
		t.Errorf("parent of padding leaf should not itself be zero once siblings are hashed")
	}
}

func TestUpdateSHAFoldsBottomUp(t *testing.T) {
	// nc=3, nl=4, size=7, root at index 3. Interior nodes are 1 (children
	// leaves 0,2), 5 (children leaves 4,6, the latter a zero padding leaf),
	// and the root 3 (children nodes 1 and 5). A stale ascending pass
	// computes node 3 before node 5 exists, folding in a zero right child
	// instead of node 5's real hash.
	tr := New(3, SHA1Hasher{})
	for i := uint32(0); i < 3; i++ {
		tr.SetLeaf(i, leafHash(byte(i+1)))
	}
	tr.UpdateSHA()

	h := SHA1Hasher{}
	node1 := h.Sum(append(append([]byte{}, tr.Nodes[0].SHA[:]...), tr.Nodes[2].SHA[:]...))
	node5 := h.Sum(append(append([]byte{}, tr.Nodes[4].SHA[:]...), tr.Nodes[6].SHA[:]...))
	wantRoot := h.Sum(append(append([]byte{}, node1[:]...), node5[:]...))

	if tr.Nodes[1].SHA != node1 {
		t.Errorf("node1 = %x, want %x", tr.Nodes[1].SHA, node1)
	}
	if tr.Nodes[5].SHA != node5 {
		t.Errorf("node5 = %x, want %x", tr.Nodes[5].SHA, node5)
	}
	if tr.Root() != wantRoot {
		t.Errorf("root = %x, want H(node1||node5) = %x (got H(node1||0) if fold order is stale)", tr.Root(), wantRoot)
	}
}

func TestPaddingInvarianceAcrossEquivalentTrees(t *testing.T) {
	// A 3-chunk tree and a 4-chunk tree whose 4th leaf is explicitly the
	// zero hash must produce the same root.
	tr3 := New(3, SHA1Hasher{})
	for i := uint32(0); i < 3; i++ {
		tr3.SetLeaf(i, leafHash(byte(i+10)))
	}
	tr3.UpdateSHA()

	tr4 := New(4, SHA1Hasher{})
	for i := uint32(0); i < 3; i++ {
		tr4.SetLeaf(i, leafHash(byte(i+10)))
	}
	tr4.SetLeaf(3, Hash{})
	tr4.UpdateSHA()

	if tr3.Root() != tr4.Root() {
		t.Errorf("padding leaf should be equivalent to an explicit zero leaf: %x != %x", tr3.Root(), tr4.Root())
	}
}

func TestLeafHashesRange(t *testing.T) {
	tr := New(5, SHA1Hasher{})
	for i := uint32(0); i < 5; i++ {
		tr.SetLeaf(i, leafHash(byte(i)))
	}
	tr.UpdateSHA()

	hashes, err := tr.LeafHashes(1, 3)
	if err != nil {
		t.Fatalf("LeafHashes: %v", err)
	}
	if len(hashes) != 3 {
		t.Fatalf("expected 3 hashes, got %d", len(hashes))
	}
	for i, h := range hashes {
		want := leafHash(byte(i + 1))
		if h != want {
			t.Errorf("hash %d = %x, want %x", i, h, want)
		}
	}

	if _, err := tr.LeafHashes(2, 10); err == nil {
		t.Error("expected error for out-of-range leaf request")
	}
}

func TestSetLeafOutOfRange(t *testing.T) {
	tr := New(3, SHA1Hasher{})
	if err := tr.SetLeaf(3, Hash{}); err == nil {
		t.Error("expected error setting leaf beyond nc")
	}
}

func TestHasherForID(t *testing.T) {
	if _, ok := HasherForID(nil).(SHA1Hasher); !ok {
		t.Error("nil option should resolve to SHA1Hasher")
	}
	sha1ID := MerkleHashFuncSHA1
	if _, ok := HasherForID(&sha1ID).(SHA1Hasher); !ok {
		t.Error("explicit SHA1 id should resolve to SHA1Hasher")
	}
	blakeID := MerkleHashFuncBLAKE3
	if _, ok := HasherForID(&blakeID).(BLAKE3Hasher); !ok {
		t.Error("BLAKE3 id should resolve to BLAKE3Hasher")
	}
}

func TestBLAKE3HasherDeterministicAndSized(t *testing.T) {
	h := BLAKE3Hasher{}
	a := h.Sum([]byte("swarm"))
	b := h.Sum([]byte("swarm"))
	if a != b {
		t.Errorf("BLAKE3Hasher not deterministic: %x != %x", a, b)
	}
	if len(a) != HashSize {
		t.Errorf("BLAKE3Hasher digest should be %d bytes, got %d", HashSize, len(a))
	}
	c := h.Sum([]byte("different"))
	if a == c {
		t.Error("distinct inputs produced the same truncated digest (unexpected collision)")
	}
}

func TestSingleChunkTree(t *testing.T) {
	tr := New(1, SHA1Hasher{})
	if tr.NumLeaves != 1 {
		t.Fatalf("expected nl=1 for nc=1, got %d", tr.NumLeaves)
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("expected single-node tree, got %d nodes", len(tr.Nodes))
	}
	tr.SetLeaf(0, leafHash(7))
	tr.UpdateSHA()
	if tr.Root() != leafHash(7) {
		t.Errorf("single-leaf root should equal the leaf hash itself")
	}
}
