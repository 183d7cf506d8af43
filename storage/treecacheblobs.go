package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/holiman/billy"

	"github.com/l2node/rollup/statekeeper"
)

// cacheSlotter buckets tree-cache blobs into a small number of fixed-size
// classes, mirroring the slotting scheme go-ethereum's blob pool uses for
// its own billy store: writes round up to the nearest class, keeping the
// on-disk layout free-list friendly instead of one file per exact size.
func cacheSlotter() func() (uint32, bool) {
	classes := []uint32{4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20}
	i := 0
	return func() (uint32, bool) {
		if i >= len(classes) {
			return 0, false
		}
		size := classes[i]
		i++
		return size, true
	}
}

// TreeCacheBlobStore persists TreeCache snapshots in an append-only,
// slotted blob store (holiman/billy) rather than the key-value store,
// trading random-access update for fast sequential writes -- appropriate
// given tree caches are written once per CacheEveryNBlocks and never
// mutated in place.
type TreeCacheBlobStore struct {
	mu    sync.RWMutex
	db    billy.Database
	index map[statekeeper.BlockNumber]uint64 // block -> billy slot id
}

// OpenTreeCacheBlobStore opens (creating if necessary) a blob store rooted
// at dir.
func OpenTreeCacheBlobStore(dir string) (*TreeCacheBlobStore, error) {
	index := make(map[statekeeper.BlockNumber]uint64)
	db, err := billy.Open(billy.Options{Path: dir}, cacheSlotter(), func(id uint64, data []byte) error {
		block, _, err := decodeCacheBlob(data)
		if err != nil {
			// Corrupt or foreign entry; surfacing the error here would
			// abort opening the whole store, so the entry is skipped and
			// simply won't be found by block number.
			return nil
		}
		index[block] = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TreeCacheBlobStore{db: db, index: index}, nil
}

// Store persists cache under block.
func (s *TreeCacheBlobStore) Store(block statekeeper.BlockNumber, cache statekeeper.TreeCache) error {
	enc, err := cache.EncodeRLP()
	if err != nil {
		return err
	}
	blob := encodeCacheBlob(block, enc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if oldID, ok := s.index[block]; ok {
		_ = s.db.Delete(oldID)
	}
	id, err := s.db.Put(blob)
	if err != nil {
		return err
	}
	s.index[block] = id
	return nil
}

// Load returns the cache stored for block.
func (s *TreeCacheBlobStore) Load(block statekeeper.BlockNumber) (statekeeper.TreeCache, error) {
	s.mu.RLock()
	id, ok := s.index[block]
	s.mu.RUnlock()
	if !ok {
		return statekeeper.TreeCache{}, fmt.Errorf("storage: no tree cache recorded for block %d", block)
	}
	blob, err := s.db.Get(id)
	if err != nil {
		return statekeeper.TreeCache{}, err
	}
	_, enc, err := decodeCacheBlob(blob)
	if err != nil {
		return statekeeper.TreeCache{}, err
	}
	return statekeeper.DecodeTreeCacheRLP(enc)
}

// Close closes the underlying blob store.
func (s *TreeCacheBlobStore) Close() error {
	return s.db.Close()
}

// encodeCacheBlob prefixes the RLP payload with its block number so the
// billy open-time scan can rebuild the in-memory index.
func encodeCacheBlob(block statekeeper.BlockNumber, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(block))
	copy(buf[8:], payload)
	return buf
}

func decodeCacheBlob(blob []byte) (statekeeper.BlockNumber, []byte, error) {
	if len(blob) < 8 {
		return 0, nil, fmt.Errorf("storage: truncated tree cache blob")
	}
	return statekeeper.BlockNumber(binary.BigEndian.Uint64(blob[:8])), blob[8:], nil
}
