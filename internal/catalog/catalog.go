// Package catalog maintains the set of files a seeder advertises, each
// keyed by the Merkle root of its chunked contents. Directory walking is an
// external collaborator (per spec §1); this package only builds and stores
// the per-file chunk table, tree, and root once given a path.
//
// Grounded on the teacher's internal/chunker package (ComputeManifest's
// open-stat-chunk-hash loop) and daemon/manager/store.go's mutex-guarded
// map-of-entries pattern, adapted from a single session-keyed map to the
// catalog's two lookup keys (path, root hash).
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/swiftp2p/swarmd/internal/fec"
	"github.com/swiftp2p/swarmd/internal/merkle"
)

var (
	ErrNotFound      = errors.New("catalog: no entry for that key")
	ErrAlreadyExists = errors.New("catalog: entry already exists for that path")
)

// ChunkState mirrors spec's per-chunk lifecycle.
type ChunkState uint8

const (
	ChunkEmpty ChunkState = iota
	ChunkActive
)

// Chunk is one fixed-size window of a catalog entry's file. A Parity chunk
// (Parity != nil) has no on-disk Offset of its own; its bytes are the
// Reed-Solomon shard computed at catalog-add time and held in memory.
type Chunk struct {
	Offset     int64
	Len        uint32 // may be shorter than ChunkSize for the last chunk
	SHA        merkle.Hash
	State      ChunkState
	Downloaded bool
	Parity     []byte
}

// FECProfile names the Reed-Solomon data/parity shard split for a catalog
// entry. Nil means the entry carries no FEC coverage and behaves exactly as
// spec.md's base protocol describes — this is an additive feature, not a
// wire-format change (see internal/fec).
type FECProfile struct {
	K int // data shards per group
	R int // parity shards per group
}

// Entry is one seeder-side catalog record, per spec §3's "File catalog
// entry".
type Entry struct {
	Path       string
	FileName   string
	FileSize   int64
	ChunkSize  uint32
	NumChunks  uint32 // nc
	NumLeaves  uint32 // nl
	Chunks     []Chunk
	Tree       *merkle.Tree
	Root       merkle.Hash
	StartChunk uint32
	EndChunk   uint32
	FEC        *FECProfile

	// ParityCount is the number of Reed-Solomon parity chunks appended to
	// Chunks past index NumChunks-1 and readable through ReadChunk. The
	// seeder's REQUEST path does not serve them: its INTEGRITY step covers
	// data chunks only. They are not covered by Tree/Root — only FEC, never
	// hash-tree, verified.
	ParityCount uint32

	mu sync.RWMutex
}

// RLock/RUnlock let callers outside the package take the entry's read lock
// when inspecting Chunks concurrently with AddFile's population pass.
func (e *Entry) RLock()   { e.mu.RLock() }
func (e *Entry) RUnlock() { e.mu.RUnlock() }

// Catalog is the seeder's set of shared files, keyed both by path and by
// Merkle root — the two lookups spec §4.3 names.
type Catalog struct {
	mu      sync.RWMutex
	byPath  map[string]*Entry
	byRoot  map[merkle.Hash]*Entry
	hasher  merkle.Hasher
}

func New(hasher merkle.Hasher) *Catalog {
	if hasher == nil {
		hasher = merkle.SHA1Hasher{}
	}
	return &Catalog{
		byPath: make(map[string]*Entry),
		byRoot: make(map[merkle.Hash]*Entry),
		hasher: hasher,
	}
}

// AddFile builds a catalog entry for a single regular file: chunks it,
// hashes every chunk, constructs the Merkle tree, and indexes the entry by
// both path and root.
func (c *Catalog) AddFile(path string, chunkSize uint32, fec *FECProfile) (*Entry, error) {
	c.mu.Lock()
	if _, exists := c.byPath[path]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	c.mu.Unlock()

	entry, err := buildEntry(path, chunkSize, fec, c.hasher)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byPath[path] = entry
	c.byRoot[entry.Root] = entry
	c.mu.Unlock()

	return entry, nil
}

// AddDirectory walks dir recursively (delegated to filepath.WalkDir, a
// stdlib directory walk — walking itself is out of this core's scope per
// spec §1, but some caller must invoke it to discover regular files) and
// calls AddFile for every regular file found.
func (c *Catalog) AddDirectory(dir string, chunkSize uint32, fec *FECProfile) ([]*Entry, error) {
	var added []*Entry
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		entry, addErr := c.AddFile(path, chunkSize, fec)
		if addErr != nil {
			if errors.Is(addErr, ErrAlreadyExists) {
				return nil
			}
			return addErr
		}
		added = append(added, entry)
		return nil
	})
	if err != nil {
		return added, err
	}
	return added, nil
}

// Remove drops a catalog entry by path.
func (c *Catalog) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(c.byPath, path)
	delete(c.byRoot, entry.Root)
	return nil
}

// ByRoot looks up a catalog entry by its Merkle root — the handshake-time
// lookup a seeder performs against an incoming sha_demanded.
func (c *Catalog) ByRoot(root merkle.Hash) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byRoot[root]
	return e, ok
}

func (c *Catalog) ByPath(path string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byPath[path]
	return e, ok
}

func (c *Catalog) List() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.byPath))
	for _, e := range c.byPath {
		out = append(out, e)
	}
	return out
}

func buildEntry(path string, chunkSize uint32, fec *FECProfile, hasher merkle.Hasher) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("catalog: stat %s: %w", path, err)
	}
	fileSize := info.Size()

	nc := uint32(fileSize / int64(chunkSize))
	if fileSize%int64(chunkSize) != 0 {
		nc++
	}
	if nc == 0 {
		nc = 1 // empty file still gets one (zero-length) chunk
	}

	tree := merkle.New(nc, hasher)
	chunks := make([]Chunk, nc)

	buf := make([]byte, chunkSize)
	for i := uint32(0); i < nc; i++ {
		offset := int64(i) * int64(chunkSize)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("catalog: read chunk %d of %s: %w", i, path, err)
		}
		sha := hasher.Sum(buf[:n])
		chunks[i] = Chunk{Offset: offset, Len: uint32(n), SHA: sha, State: ChunkActive}
		if err := tree.SetLeaf(i, sha); err != nil {
			return nil, fmt.Errorf("catalog: set leaf %d: %w", i, err)
		}
	}
	tree.UpdateSHA()

	var parityChunks []Chunk
	if fec != nil {
		var err error
		parityChunks, err = computeParityChunks(path, chunks, chunkSize, fec, hasher)
		if err != nil {
			return nil, err
		}
	}

	return &Entry{
		Path:        path,
		FileName:    filepath.Base(path),
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		NumChunks:   nc,
		NumLeaves:   tree.NumLeaves,
		Chunks:      append(chunks, parityChunks...),
		Tree:        tree,
		Root:        tree.Root(),
		StartChunk:  0,
		EndChunk:    nc - 1,
		FEC:         fec,
		ParityCount: uint32(len(parityChunks)),
	}, nil
}

// computeParityChunks groups path's already-hashed data chunks into
// FECProfile.K-sized runs and computes FECProfile.R Reed-Solomon parity
// shards per run, per spec's "FEC group" note (§3): a short final group is
// zero-padded up to K shards for the encode call only, matching the
// library's fixed-width shard requirement. The returned chunks are
// addressable starting at index nc (one past the last data chunk) and carry
// their payload directly since they have no single on-disk offset.
func computeParityChunks(path string, dataChunks []Chunk, chunkSize uint32, profile *FECProfile, hasher merkle.Hasher) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s for FEC encode: %w", path, err)
	}
	defer f.Close()

	nc := uint32(len(dataChunks))
	var parity []Chunk
	for groupStart := uint32(0); groupStart < nc; groupStart += uint32(profile.K) {
		groupEnd := groupStart + uint32(profile.K)
		if groupEnd > nc {
			groupEnd = nc
		}

		shards := make([][]byte, profile.K)
		for i := range shards {
			shard := make([]byte, chunkSize)
			idx := groupStart + uint32(i)
			if idx < groupEnd {
				c := dataChunks[idx]
				if _, err := f.ReadAt(shard[:c.Len], c.Offset); err != nil && err != io.EOF {
					return nil, fmt.Errorf("catalog: read chunk %d for FEC encode: %w", idx, err)
				}
			}
			shards[i] = shard
		}

		enc, err := fec.NewEncoder(profile.K, profile.R)
		if err != nil {
			return nil, fmt.Errorf("catalog: FEC encoder for group at %d: %w", groupStart, err)
		}
		parityShards, err := enc.Encode(shards)
		if err != nil {
			return nil, fmt.Errorf("catalog: FEC encode group at %d: %w", groupStart, err)
		}
		for _, shard := range parityShards {
			parity = append(parity, Chunk{
				Len:    uint32(len(shard)),
				SHA:    hasher.Sum(shard),
				State:  ChunkActive,
				Parity: shard,
			})
		}
	}
	return parity, nil
}

// ReadChunk reads chunk i of entry's file from disk, per the seeder's
// SEND_DATA state (spec §4.5 step 6). Indices in
// [entry.NumChunks, entry.NumChunks+entry.ParityCount) serve a precomputed
// FEC parity shard instead of a file read.
func ReadChunk(entry *Entry, i uint32) ([]byte, error) {
	if i >= uint32(len(entry.Chunks)) {
		return nil, fmt.Errorf("catalog: chunk index %d out of range [0,%d)", i, len(entry.Chunks))
	}
	entry.RLock()
	c := entry.Chunks[i]
	entry.RUnlock()

	if c.Parity != nil {
		return c.Parity, nil
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", entry.Path, err)
	}
	defer f.Close()

	buf := make([]byte, c.Len)
	if _, err := f.ReadAt(buf, c.Offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("catalog: read chunk %d of %s: %w", i, entry.Path, err)
	}
	return buf, nil
}
