package leecher

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/swiftp2p/swarmd/internal/config"
	"github.com/swiftp2p/swarmd/internal/seeder"
)

// writerAtBuffer adapts a plain byte slice to io.WriterAt for FetchRange,
// since bytes.Buffer itself has no WriteAt.
type writerAtBuffer struct {
	data []byte
}

func (w *writerAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(w.data)) {
		grown := make([]byte, end)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[off:], p)
	return len(p), nil
}

// startTestSeeder writes content to a temp file, catalogues it on an
// ephemeral loopback port, and starts serving. The returned root is the
// sha_demanded a leecher needs to ask for that file.
func startTestSeeder(t *testing.T, content []byte, chunkSize uint32) (sess *seeder.Session, addr *net.UDPAddr, root [20]byte) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.ChunkSize = chunkSize
	cfg.PeerTimeout = 2

	sess, err := seeder.New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("seeder.New: %v", err)
	}
	if err := sess.AddFileOrDirectory(path, nil); err != nil {
		t.Fatalf("AddFileOrDirectory: %v", err)
	}
	root, ok := sess.RootForPath(path)
	if !ok {
		t.Fatalf("RootForPath: no entry for %s", path)
	}
	sess.Serve()

	bound := sess.Addr()
	addr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: bound.Port}
	return sess, addr, root
}

func TestSmallFileOneBatchTransfer(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 3*1024+7) // not a multiple of chunk size
	sess, addr, root := startTestSeeder(t, content, 1024)
	defer sess.Close()

	cfg := config.DefaultConfig()
	cfg.PeerTimeout = 2

	lsess, err := New(cfg, addr, root, nil, nil, nil)
	if err != nil {
		t.Fatalf("leecher.New: %v", err)
	}
	defer lsess.Close()

	meta := lsess.GetMetadata()
	if meta.FileSize != int64(len(content)) {
		t.Fatalf("expected file size %d, got %d", len(content), meta.FileSize)
	}

	out := &writerAtBuffer{}
	if err := lsess.FetchRange(0, meta.NumChunks-1, out); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}

	if !bytes.Equal(out.data[:len(content)], content) {
		t.Fatalf("fetched content does not match source")
	}
}

func TestMultiBatchTransferAcrossManyChunks(t *testing.T) {
	content := bytes.Repeat([]byte{0x17, 0x42, 0x99, 0x01}, 20000) // 80000 bytes, many chunks
	sess, addr, root := startTestSeeder(t, content, 512)
	defer sess.Close()

	cfg := config.DefaultConfig()
	cfg.PeerTimeout = 2
	cfg.HashesPerMTU = 32 // 157 chunks -> 5 batches

	lsess, err := New(cfg, addr, root, nil, nil, nil)
	if err != nil {
		t.Fatalf("leecher.New: %v", err)
	}
	defer lsess.Close()

	meta := lsess.GetMetadata()
	out := &writerAtBuffer{}
	if err := lsess.FetchRange(0, meta.NumChunks-1, out); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if !bytes.Equal(out.data[:len(content)], content) {
		t.Fatalf("fetched content does not match source across a multi-batch transfer")
	}
}

func TestUnknownRootReturnsNotFound(t *testing.T) {
	content := []byte("hello world")
	sess, addr, _ := startTestSeeder(t, content, 1024)
	defer sess.Close()

	var bogusRoot [20]byte
	for i := range bogusRoot {
		bogusRoot[i] = 0xFF
	}

	cfg := config.DefaultConfig()
	cfg.PeerTimeout = 2

	_, err := New(cfg, addr, bogusRoot, nil, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown root hash, got %v", err)
	}
}

func TestSingleByteFile(t *testing.T) {
	content := []byte{0x55}
	sess, addr, root := startTestSeeder(t, content, 1024)
	defer sess.Close()

	cfg := config.DefaultConfig()
	cfg.PeerTimeout = 2

	lsess, err := New(cfg, addr, root, nil, nil, nil)
	if err != nil {
		t.Fatalf("leecher.New: %v", err)
	}
	defer lsess.Close()

	meta := lsess.GetMetadata()
	if meta.NumChunks != 1 {
		t.Fatalf("expected a single-chunk file, got %d chunks", meta.NumChunks)
	}

	out := &writerAtBuffer{}
	if err := lsess.FetchRange(0, 0, out); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if !bytes.Equal(out.data, content) {
		t.Fatalf("fetched content does not match source for a single-byte file")
	}
}
