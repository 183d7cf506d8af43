// Package storage provides concrete StorageDB backends for the state
// keeper: a key-value-backed implementation usable with any
// core/rawdb.Database (pebble, goleveldb, or the in-memory test store), and
// an append-only blob store for large tree-cache snapshots backed by
// holiman/billy.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/l2node/rollup/core/rawdb"
	"github.com/l2node/rollup/statekeeper"
)

// Key prefixes partition the keyspace by record type, following
// go-ethereum's single-byte-prefix rawdb schema convention.
const (
	prefixAccountState byte = 0x01 // accountId(8) -> Account RLP
	prefixTreeCache     byte = 0x02 // block(8) -> TreeCache RLP
	prefixStateDiff     byte = 0x03 // fromBlock(8) || toBlock(8) -> AccountUpdates RLP
	prefixRootHash      byte = 0x04 // block(8) -> 32-byte root
	prefixMeta          byte = 0x05 // metaKey -> value
)

var (
	metaLastCommitted = []byte{prefixMeta, 0x01}
	metaLastCached    = []byte{prefixMeta, 0x02}
	metaVerified      = []byte{prefixMeta, 0x03}
)

// KVStateDB implements statekeeper.StorageDB over any core/rawdb.Database.
type KVStateDB struct {
	db rawdb.Database
	// cacheBlobs, if set, is used instead of the key-value store for
	// account tree cache payloads -- useful when caches are large enough
	// that an append-only blob store out-performs LSM-tree writes.
	cacheBlobs *TreeCacheBlobStore
}

// NewKVStateDB wraps db as a StorageDB.
func NewKVStateDB(db rawdb.Database) *KVStateDB {
	return &KVStateDB{db: db}
}

// WithCacheBlobStore routes StoreAccountTreeCache/LoadAccountTreeCache
// through a billy-backed blob store instead of the key-value store.
func (s *KVStateDB) WithCacheBlobStore(store *TreeCacheBlobStore) *KVStateDB {
	s.cacheBlobs = store
	return s
}

func accountKey(id statekeeper.AccountId) []byte {
	k := make([]byte, 9)
	k[0] = prefixAccountState
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

func cacheKey(block statekeeper.BlockNumber) []byte {
	k := make([]byte, 9)
	k[0] = prefixTreeCache
	binary.BigEndian.PutUint64(k[1:], uint64(block))
	return k
}

func rootHashKey(block statekeeper.BlockNumber) []byte {
	k := make([]byte, 9)
	k[0] = prefixRootHash
	binary.BigEndian.PutUint64(k[1:], uint64(block))
	return k
}

func diffKey(from, to statekeeper.BlockNumber) []byte {
	k := make([]byte, 17)
	k[0] = prefixStateDiff
	binary.BigEndian.PutUint64(k[1:9], uint64(from))
	binary.BigEndian.PutUint64(k[9:17], uint64(to))
	return k
}

func encodeBlockNumber(n statekeeper.BlockNumber) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeBlockNumber(b []byte) statekeeper.BlockNumber {
	return statekeeper.BlockNumber(binary.BigEndian.Uint64(b))
}

// LoadLastCommittedBlock implements statekeeper.StorageDB.
func (s *KVStateDB) LoadLastCommittedBlock(ctx context.Context) (statekeeper.BlockNumber, error) {
	v, err := s.db.Get(metaLastCommitted)
	if err == rawdb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeBlockNumber(v), nil
}

// LoadLastCachedBlock implements statekeeper.StorageDB.
func (s *KVStateDB) LoadLastCachedBlock(ctx context.Context) (statekeeper.BlockNumber, bool, error) {
	v, err := s.db.Get(metaLastCached)
	if err == rawdb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decodeBlockNumber(v), true, nil
}

// LoadCommittedState implements statekeeper.StorageDB. The simplified
// single-table schema keeps only the latest committed value per account, so
// this returns the full current state regardless of the requested block.
// TreeRestore also calls it with the last cached block, which can be older
// than the last committed block; it then receives the latest state.
func (s *KVStateDB) LoadCommittedState(ctx context.Context, block statekeeper.BlockNumber) (map[statekeeper.AccountId]*statekeeper.Account, error) {
	return s.scanAccounts(ctx)
}

// LoadVerifiedState implements statekeeper.StorageDB, returning the last
// committed block and state as the verified anchor. A production deployment
// would track a distinct "L1-verified" watermark separate from "sealed by
// the sequencer"; this implementation uses the one committed watermark for
// both.
func (s *KVStateDB) LoadVerifiedState(ctx context.Context) (statekeeper.BlockNumber, map[statekeeper.AccountId]*statekeeper.Account, error) {
	block, err := s.LoadLastCommittedBlock(ctx)
	if err != nil {
		return 0, nil, err
	}
	state, err := s.scanAccounts(ctx)
	if err != nil {
		return 0, nil, err
	}
	return block, state, nil
}

func (s *KVStateDB) scanAccounts(ctx context.Context) (map[statekeeper.AccountId]*statekeeper.Account, error) {
	iterDB, ok := s.db.(rawdb.KeyValueIterator)
	if !ok {
		return nil, fmt.Errorf("storage: backing database does not support iteration")
	}
	out := make(map[statekeeper.AccountId]*statekeeper.Account)
	it := iterDB.NewIterator([]byte{prefixAccountState})
	defer it.Release()
	for it.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		key := it.Key()
		if len(key) != 9 {
			continue
		}
		id := statekeeper.AccountId(binary.BigEndian.Uint64(key[1:]))
		acc, err := statekeeper.DecodeAccountRLP(it.Value())
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

// LoadAccountTreeCache implements statekeeper.StorageDB.
func (s *KVStateDB) LoadAccountTreeCache(ctx context.Context, block statekeeper.BlockNumber) (statekeeper.TreeCache, error) {
	if s.cacheBlobs != nil {
		return s.cacheBlobs.Load(block)
	}
	v, err := s.db.Get(cacheKey(block))
	if err != nil {
		if err == rawdb.ErrNotFound {
			return statekeeper.TreeCache{}, rawdb.ErrNotFound
		}
		return statekeeper.TreeCache{}, err
	}
	return statekeeper.DecodeTreeCacheRLP(v)
}

// LoadStateDiff implements statekeeper.StorageDB.
func (s *KVStateDB) LoadStateDiff(ctx context.Context, from, to statekeeper.BlockNumber) (statekeeper.AccountUpdates, bool, error) {
	v, err := s.db.Get(diffKey(from, to))
	if err == rawdb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	updates, err := statekeeper.DecodeAccountUpdates(v)
	if err != nil {
		return nil, false, err
	}
	return updates, true, nil
}

// LoadBlockRootHash implements statekeeper.StorageDB.
func (s *KVStateDB) LoadBlockRootHash(ctx context.Context, block statekeeper.BlockNumber) (statekeeper.RootHash, error) {
	v, err := s.db.Get(rootHashKey(block))
	if err != nil {
		return statekeeper.RootHash{}, err
	}
	var h statekeeper.RootHash
	h.SetBytes(v)
	return h, nil
}

// StoreAccountTreeCache implements statekeeper.StorageDB.
func (s *KVStateDB) StoreAccountTreeCache(ctx context.Context, block statekeeper.BlockNumber, cache statekeeper.TreeCache) error {
	if s.cacheBlobs != nil {
		if err := s.cacheBlobs.Store(block, cache); err != nil {
			return err
		}
		return s.db.Put(metaLastCached, encodeBlockNumber(block))
	}
	enc, err := cache.EncodeRLP()
	if err != nil {
		return err
	}
	if err := s.db.Put(cacheKey(block), enc); err != nil {
		return err
	}
	return s.db.Put(metaLastCached, encodeBlockNumber(block))
}

// StoreBlockRootHash implements statekeeper.StorageDB.
func (s *KVStateDB) StoreBlockRootHash(ctx context.Context, block statekeeper.BlockNumber, root statekeeper.RootHash) error {
	return s.db.Put(rootHashKey(block), root.Bytes())
}

// StoreCommittedState persists the full post-block account set and advances
// the last-committed-block watermark. It is not part of the StorageDB port
// itself (the original system's execution pipeline owns that write path)
// but is provided so tests and the demo CLI can seed storage realistically.
func (s *KVStateDB) StoreCommittedState(ctx context.Context, block statekeeper.BlockNumber, accounts map[statekeeper.AccountId]*statekeeper.Account) error {
	batch := s.db.NewBatch()
	for id, acc := range accounts {
		enc, err := acc.EncodeRLP()
		if err != nil {
			return err
		}
		if err := batch.Put(accountKey(id), enc); err != nil {
			return err
		}
	}
	if err := batch.Put(metaLastCommitted, encodeBlockNumber(block)); err != nil {
		return err
	}
	return batch.Write()
}

// StoreStateDiff persists the update batch that advances state from block
// `from` to `to`, used by LoadStateDiff during incremental restore.
func (s *KVStateDB) StoreStateDiff(ctx context.Context, from, to statekeeper.BlockNumber, updates statekeeper.AccountUpdates) error {
	enc, err := statekeeper.EncodeAccountUpdates(updates)
	if err != nil {
		return err
	}
	return s.db.Put(diffKey(from, to), enc)
}
