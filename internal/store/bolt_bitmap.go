package store

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// BoltBitmapStore is a lightweight alternative to the SQLite-backed
// BitmapStore: a single-file BoltDB resume cache keyed by swarm
// root hash rather than session_id, for a leecher that wants to survive a
// restart without standing up the full catalog/session database.
//
// Grounded on the teacher's BoltCAS content-addressed cache; repurposed here
// from a hash->seen-timestamp set into a root->bitmap-bytes store, since this
// protocol core has no content-addressed dedup concern to serve the original
// shape.
type BoltBitmapStore struct {
	db *bolt.DB
}

var bucketBitmaps = []byte("chunk_bitmaps")

func OpenBoltBitmapStore(path string) (*BoltBitmapStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketBitmaps)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBitmapStore{db: db}, nil
}

func (b *BoltBitmapStore) Close() error { return b.db.Close() }

// SaveBitmap persists the raw bitmap bytes for a root hash, along with the
// chunks-received count and a last-updated timestamp used by GC.
func (b *BoltBitmapStore) SaveBitmap(rootHash string, bitmap *ChunkBitmap) error {
	data := bitmap.Serialize()
	_, total := bitmap.GetProgress()

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBitmaps)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		received, _ := bitmap.GetProgress()
		record := make([]byte, 16+len(data))
		binary.BigEndian.PutUint64(record[0:8], uint64(time.Now().Unix()))
		binary.BigEndian.PutUint64(record[8:16], uint64(received))
		copy(record[16:], data)
		_ = total
		return bk.Put([]byte(rootHash), record)
	})
}

// LoadBitmap reconstructs a ChunkBitmap for rootHash, or returns
// ErrBitmapNotFound if nothing has been saved for it.
func (b *BoltBitmapStore) LoadBitmap(rootHash string, totalChunks int64) (*ChunkBitmap, error) {
	var record []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBitmaps)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(rootHash))
		if v != nil {
			record = make([]byte, len(v))
			copy(record, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record == nil || len(record) < 16 {
		return nil, ErrBitmapNotFound
	}

	bitmap := NewChunkBitmap(rootHash, totalChunks)
	if err := bitmap.Deserialize(record[16:]); err != nil {
		return nil, err
	}
	return bitmap, nil
}

// DeleteBitmap removes the saved bitmap for rootHash.
func (b *BoltBitmapStore) DeleteBitmap(rootHash string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBitmaps)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete([]byte(rootHash))
	})
}

// GC drops saved bitmaps whose last save is older than maxAge, for content
// that has presumably been re-seeded or gone cold.
func (b *BoltBitmapStore) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBitmaps)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) >= 8 {
				ts := int64(binary.BigEndian.Uint64(v[:8]))
				if ts < cutoff {
					if err := c.Delete(); err != nil {
						return err
					}
					removed++
				}
			}
		}
		return nil
	})
	return removed, err
}
