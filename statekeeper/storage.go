package statekeeper

import "context"

// StorageDB is the durable-storage port TreeRestore and RootHashCalculator
// are written against. Concrete backends (pebble, goleveldb, in-memory) live
// in the storage package; this package never imports a specific database
// driver directly, matching the hexagonal split between domain logic and
// persistence adapters used elsewhere in this codebase.
type StorageDB interface {
	// LoadLastCommittedBlock returns the highest block number the
	// sequencer has sealed and committed to storage.
	LoadLastCommittedBlock(ctx context.Context) (BlockNumber, error)

	// LoadLastCachedBlock returns the highest block number for which an
	// account tree cache snapshot exists, or ok=false if none does.
	LoadLastCachedBlock(ctx context.Context) (BlockNumber, bool, error)

	// LoadCommittedState returns the full account set as of block.
	LoadCommittedState(ctx context.Context, block BlockNumber) (map[AccountId]*Account, error)

	// LoadAccountTreeCache returns the persisted tree-internals snapshot
	// taken at block.
	LoadAccountTreeCache(ctx context.Context, block BlockNumber) (TreeCache, error)

	// LoadStateDiff returns the ordered account updates that advance state
	// from block `from` to block `to`, or found=false if no such diff is
	// recorded.
	LoadStateDiff(ctx context.Context, from, to BlockNumber) (AccountUpdates, bool, error)

	// LoadVerifiedState returns the most recent block number known to be
	// correct (anchored by an externally verified proof) along with its
	// full account set.
	LoadVerifiedState(ctx context.Context) (BlockNumber, map[AccountId]*Account, error)

	// LoadBlockRootHash returns the previously computed and persisted root
	// hash for block.
	LoadBlockRootHash(ctx context.Context, block BlockNumber) (RootHash, error)

	// StoreAccountTreeCache persists a tree-internals snapshot for block.
	StoreAccountTreeCache(ctx context.Context, block BlockNumber, cache TreeCache) error

	// StoreBlockRootHash persists the computed root hash for block.
	StoreBlockRootHash(ctx context.Context, block BlockNumber, root RootHash) error
}
