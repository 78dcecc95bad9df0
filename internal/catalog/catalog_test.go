package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/swiftp2p/swarmd/internal/merkle"
)

func TestAddFileSmall(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "small.bin")

	data := make([]byte, 3072)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cat := New(nil)
	entry, err := cat.AddFile(testFile, 1024, nil)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if entry.NumChunks != 3 {
		t.Errorf("nc = %d, want 3", entry.NumChunks)
	}
	if entry.NumLeaves != 4 {
		t.Errorf("nl = %d, want 4", entry.NumLeaves)
	}
	if entry.FileSize != 3072 {
		t.Errorf("file size = %d, want 3072", entry.FileSize)
	}

	got, ok := cat.ByRoot(entry.Root)
	if !ok || got != entry {
		t.Error("ByRoot lookup did not return the added entry")
	}
	got2, ok := cat.ByPath(testFile)
	if !ok || got2 != entry {
		t.Error("ByPath lookup did not return the added entry")
	}
}

func TestAddFileNonPowerOfTwoPadding(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "partial.bin")

	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cat := New(nil)
	entry, err := cat.AddFile(testFile, 1024, nil)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if entry.NumChunks != 3 {
		t.Fatalf("nc = %d, want 3", entry.NumChunks)
	}
	if entry.Chunks[2].Len != 452 {
		t.Errorf("last chunk len = %d, want 452", entry.Chunks[2].Len)
	}

	// Root must equal a tree built with one explicit zero-sha padding leaf.
	tree := merkle.New(4, merkle.SHA1Hasher{})
	for i := 0; i < 3; i++ {
		tree.SetLeaf(uint32(i), entry.Chunks[i].SHA)
	}
	tree.SetLeaf(3, merkle.Hash{})
	tree.UpdateSHA()
	if entry.Root != tree.Root() {
		t.Errorf("catalog root %x != manually-padded tree root %x", entry.Root, tree.Root())
	}
}

func TestAddFileDuplicatePath(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "dup.bin")
	if err := os.WriteFile(testFile, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cat := New(nil)
	if _, err := cat.AddFile(testFile, 1024, nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := cat.AddFile(testFile, 1024, nil); err == nil {
		t.Error("expected error re-adding the same path")
	}
}

func TestByRootMiss(t *testing.T) {
	cat := New(nil)
	if _, ok := cat.ByRoot(merkle.Hash{}); ok {
		t.Error("expected miss looking up an unregistered root")
	}
}

func TestReadChunk(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "read.bin")
	data := make([]byte, 1024*3)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cat := New(nil)
	entry, err := cat.AddFile(testFile, 1024, nil)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	chunk1, err := ReadChunk(entry, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk1) != 1024 {
		t.Fatalf("len = %d, want 1024", len(chunk1))
	}
	for i := range chunk1 {
		if chunk1[i] != data[1024+i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestAddFileWithFECComputesParityChunks(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "fec.bin")

	// 5 chunks of 256 bytes each, grouped K=2 => 3 groups (2,2,1), R=1
	// parity shard per group => 3 parity chunks total.
	data := make([]byte, 256*5)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cat := New(nil)
	entry, err := cat.AddFile(testFile, 256, &FECProfile{K: 2, R: 1})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if entry.NumChunks != 5 {
		t.Fatalf("nc = %d, want 5", entry.NumChunks)
	}
	if entry.ParityCount != 3 {
		t.Fatalf("ParityCount = %d, want 3", entry.ParityCount)
	}
	if len(entry.Chunks) != int(entry.NumChunks+entry.ParityCount) {
		t.Fatalf("len(Chunks) = %d, want %d", len(entry.Chunks), entry.NumChunks+entry.ParityCount)
	}

	// A parity chunk is addressable through the same ReadChunk path as a
	// data chunk, serving its precomputed shard instead of a file read.
	parity, err := ReadChunk(entry, entry.NumChunks)
	if err != nil {
		t.Fatalf("ReadChunk(parity): %v", err)
	}
	if len(parity) != 256 {
		t.Fatalf("parity shard length = %d, want 256", len(parity))
	}

	// The base hash tree is unaffected by FEC: its root still matches an
	// identically-chunked entry with no FEC profile.
	plain, err := New(nil).AddFile(testFile, 256, nil)
	if err != nil {
		t.Fatalf("AddFile (plain): %v", err)
	}
	if entry.Root != plain.Root {
		t.Errorf("FEC entry root %x != plain entry root %x", entry.Root, plain.Root)
	}
}
