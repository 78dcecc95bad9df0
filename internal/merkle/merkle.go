// Package merkle builds the binary hash tree used to prove chunk ranges of a
// shared file against a single root hash.
//
// The tree is stored as a flat array, the layout the reference swift-style
// implementation uses: leaves occupy the even indices 0, 2, 4, ..., 2(nl-1);
// interior nodes occupy the odd indices in between; the root sits at
// nl-1. Parent/left/right links are array indices, never pointers, so the
// tree owns its storage and there is nothing to free but the slice.
package merkle

import (
	"crypto/sha1"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the width of every node hash: SHA-1's 20 bytes, the fixed
// width the wire codec and the catalog both assume.
const HashSize = 20

// Hash is the tree's node/leaf digest type.
type Hash [HashSize]byte

// NoParent marks the root's parent slot; the root has none.
const NoParent uint32 = 1<<32 - 1

// NodeState mirrors spec's two-value leaf/interior lifecycle.
type NodeState uint8

const (
	StateInitialized NodeState = iota
	StateActive
)

// Hasher is the pluggable content hash. The wire protocol and catalog only
// ever see the resulting 20-byte digest, so callers may swap in any
// algorithm that fits that width; New uses SHA1Hasher when given a nil
// Hasher.
type Hasher interface {
	Sum(data []byte) Hash
}

// SHA1Hasher is the default Hasher: SHA-1 treated as an opaque
// H(bytes) -> [20]byte function, per the core's scope (the digest algorithm
// itself is an external collaborator, not something this package implements).
type SHA1Hasher struct{}

func (SHA1Hasher) Sum(data []byte) Hash {
	return Hash(sha1.Sum(data))
}

// BLAKE3Hasher is an alternate Hasher advertised through the handshake's
// MERKLE_HASH_FUNC option (tag 4): swift's registry reserves that option for
// negotiating a hash function other than the SHA-1 default, so a seeder and
// leecher that both opt in may build their tree over BLAKE3 digests instead.
// The digest is truncated to HashSize so it drops into the same fixed-width
// wire layout as SHA1Hasher.
type BLAKE3Hasher struct{}

func (BLAKE3Hasher) Sum(data []byte) Hash {
	full := blake3.Sum256(data)
	var h Hash
	copy(h[:], full[:HashSize])
	return h
}

// MerkleHashFuncID values for the handshake's MERKLE_HASH_FUNC option.
const (
	MerkleHashFuncSHA1   uint8 = 0
	MerkleHashFuncBLAKE3 uint8 = 1
)

// HasherForID resolves a negotiated MERKLE_HASH_FUNC option value to a
// Hasher, defaulting to SHA1Hasher for an absent or unrecognized id.
func HasherForID(id *uint8) Hasher {
	if id != nil && *id == MerkleHashFuncBLAKE3 {
		return BLAKE3Hasher{}
	}
	return SHA1Hasher{}
}

// Node is one entry of the tree's flat array.
type Node struct {
	Number     uint32
	Left       uint32 // NoParent if this is a leaf
	Right      uint32 // NoParent if this is a leaf
	Parent     uint32 // NoParent for the root
	SHA        Hash
	State      NodeState
	ChunkIndex int // index into the owning chunk table, -1 for interior/padding-only nodes
}

func (n *Node) IsLeaf() bool {
	return n.Number%2 == 0
}

// Tree is a Merkle tree constructed over NumLeaves = nextPow2(NumChunks)
// leaves, per spec §3/§4.1.
type Tree struct {
	Nodes      []Node
	NumChunks  uint32 // nc
	NumLeaves  uint32 // nl
	Hasher     Hasher
}

// NextPow2 returns the smallest power of two >= n, with NextPow2(0) == 1.
func NextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// New constructs the flat node array for nc chunks: allocates 2*nl-1 nodes,
// wires parent/left/right index relationships, and leaves every node's hash
// zero (padding leaves stay zero per the padding invariant; real leaves are
// filled in by SetLeaf).
func New(nc uint32, hasher Hasher) *Tree {
	if hasher == nil {
		hasher = SHA1Hasher{}
	}
	nl := NextPow2(nc)
	size := 2*nl - 1

	t := &Tree{
		Nodes:     make([]Node, size),
		NumChunks: nc,
		NumLeaves: nl,
		Hasher:    hasher,
	}

	for i := range t.Nodes {
		t.Nodes[i].Number = uint32(i)
		t.Nodes[i].Parent = NoParent
		t.Nodes[i].ChunkIndex = -1
	}

	// Leaves: even indices 0..2(nl-1), chunk-index i at node 2i.
	for i := uint32(0); i < nl; i++ {
		leaf := &t.Nodes[2*i]
		leaf.Left = NoParent
		leaf.Right = NoParent
		if i < nc {
			leaf.ChunkIndex = int(i)
			leaf.State = StateActive
		}
	}

	// Interior nodes: odd indices. For node k, step = lowest-set-bit(k+1) >> 1;
	// children are k-step and k+step. This is the bin-numbering scheme the
	// reference tree uses to fold an array into a balanced binary tree.
	if size > 1 {
		for k := uint32(1); k < size; k += 2 {
			kp1 := k + 1
			lsb := kp1 & (-kp1)
			step := lsb >> 1
			left := k - step
			right := k + step
			t.Nodes[k].Left = left
			t.Nodes[k].Right = right
			t.Nodes[left].Parent = k
			t.Nodes[right].Parent = k
		}
	}

	return t
}

// SetLeaf assigns the content hash for chunk i and marks the leaf active, per
// spec's "Leaf assignment". i must be in [0, nc).
func (t *Tree) SetLeaf(i uint32, sha Hash) error {
	if i >= t.NumChunks {
		return fmt.Errorf("merkle: leaf index %d out of range [0,%d)", i, t.NumChunks)
	}
	leaf := &t.Nodes[2*i]
	leaf.SHA = sha
	leaf.State = StateActive
	return nil
}

// UpdateSHA recomputes every interior node bottom-up: v.sha = H(left.sha ||
// right.sha). Padding leaves keep the zero hash, so their parents fold a
// zero vector in exactly like a real leaf would — deterministic and
// dependent only on the leaf hashes actually set.
//
// A single ascending pass over the odd indices does NOT visit children
// before parents in this bin-numbering scheme: for k=1 the right child is
// k+step, a higher index than k itself, and has not been folded yet when nl
// >= 4. Instead this walks level by level, step = 1, 2, 4, ..., where step
// is lowest-set-bit(k+1)>>1 — the node's height above the leaves — so every
// node at a given step has both children already computed by an earlier
// (smaller-step) pass.
func (t *Tree) UpdateSHA() {
	size := uint32(len(t.Nodes))
	if size <= 1 {
		return
	}
	buf := make([]byte, 0, 2*HashSize)
	for step := uint32(1); step < t.NumLeaves; step <<= 1 {
		for k := 2*step - 1; k < size; k += 4 * step {
			left := &t.Nodes[t.Nodes[k].Left]
			right := &t.Nodes[t.Nodes[k].Right]
			buf = buf[:0]
			buf = append(buf, left.SHA[:]...)
			buf = append(buf, right.SHA[:]...)
			t.Nodes[k].SHA = t.Hasher.Sum(buf)
			t.Nodes[k].State = StateActive
		}
	}
}

// Root returns the tree root, the node at index nl-1.
func (t *Tree) Root() Hash {
	if len(t.Nodes) == 0 {
		return Hash{}
	}
	return t.Nodes[t.NumLeaves-1].SHA
}

// RootNode returns the root's index, matching spec's root.number = nl-1.
func (t *Tree) RootNode() uint32 {
	return t.NumLeaves - 1
}

// LeafHashes returns the 20-byte hash of every leaf tree[2i] for i in [a,b],
// the payload the reference sends as an INTEGRITY message — see spec §4.1's
// "Sibling path extraction" note: this core sends leaf hashes only, not the
// uncle path, so full-root re-derivation from an INTEGRITY message alone is
// not possible end-to-end (spec §9 design notes, open question 3).
func (t *Tree) LeafHashes(a, b uint32) ([]Hash, error) {
	if a > b || b >= t.NumChunks {
		return nil, fmt.Errorf("merkle: invalid leaf range [%d,%d) for %d chunks", a, b, t.NumChunks)
	}
	out := make([]Hash, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, t.Nodes[2*i].SHA)
	}
	return out, nil
}

// LeafSHA returns the stored hash for chunk i's leaf.
func (t *Tree) LeafSHA(i uint32) Hash {
	return t.Nodes[2*i].SHA
}
