package statekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/l2node/rollup/accounttree"
	"github.com/l2node/rollup/core/types"
	"github.com/l2node/rollup/log"
	"github.com/l2node/rollup/metrics"
)

// TreeRestore rebuilds the in-memory account Merkle tree from durable
// storage at startup: either by rehydrating the last persisted tree cache
// and replaying any state diffs sealed since, or -- if no cache exists --
// by replaying the entire committed state from scratch. Once the tree
// reaches the last committed block, its root is checked against the
// persisted root hash for that block; any mismatch means storage itself has
// diverged from what was actually committed, and the process can no longer
// trust its own state.
type TreeRestore struct {
	storage     StorageDB
	tree        *accounttree.AccountTree
	accIDByAddr map[types.Address]AccountId
	addrByID    map[AccountId]types.Address

	logger *log.Logger
}

// NewTreeRestore creates a TreeRestore bound to storage, with a fresh
// account tree of the given depth and hasher.
func NewTreeRestore(storage StorageDB, depth uint8, hasher accounttree.Hasher, cache *accounttree.NodeCache) *TreeRestore {
	return &TreeRestore{
		storage:     storage,
		tree:        accounttree.New(depth, hasher, cache),
		accIDByAddr: make(map[types.Address]AccountId),
		addrByID:    make(map[AccountId]types.Address),
		logger:      log.Default().Module("tree_restore"),
	}
}

// Tree returns the restored account tree, valid only after Restore returns
// successfully.
func (t *TreeRestore) Tree() *accounttree.AccountTree { return t.tree }

// Restore rebuilds the tree up to the last committed block, persists a tree
// cache snapshot for that block, and returns that block number. It never
// returns an error for a state-divergence condition:
// those terminate the process via log.Crit, matching the "panics as
// contract" discipline the rest of the state keeper follows. Restore can
// still return an error for ordinary I/O failures against storage.
func (t *TreeRestore) Restore(ctx context.Context) (BlockNumber, error) {
	start := time.Now()
	defer func() { metrics.TreeRestoreTime.Observe(float64(time.Since(start).Milliseconds())) }()

	lastCommitted, err := t.storage.LoadLastCommittedBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("statekeeper: loading last committed block: %w", err)
	}

	current, fromCache, err := t.initTree(ctx)
	if err != nil {
		return 0, err
	}
	if fromCache {
		t.assertCalculatedRoot(ctx, "cached tree root hash mismatch", current)
	}

	for current < lastCommitted {
		next := current + 1
		diff, found, err := t.storage.LoadStateDiff(ctx, current, next)
		if err != nil {
			return 0, fmt.Errorf("statekeeper: loading state diff %d->%d: %w", current, next, err)
		}
		if !found {
			t.logger.Crit("missing state diff while restoring tree",
				"from", current, "to", next)
			return 0, fmt.Errorf("unreachable")
		}
		t.applyStateDiff(next, diff)
		current = next
	}

	t.assertCalculatedRoot(ctx, "root hash mismatch after restoring tree from storage", lastCommitted)

	internals := t.tree.GetInternals()
	nodes := make([]CacheNode, len(internals))
	for i, n := range internals {
		nodes[i] = CacheNode{Height: n.Height, Index: n.Index, Hash: n.Hash}
	}
	if err := t.storage.StoreAccountTreeCache(ctx, lastCommitted, TreeCache{Depth: t.tree.Depth(), Nodes: nodes}); err != nil {
		return 0, fmt.Errorf("statekeeper: persisting tree cache at block %d: %w", lastCommitted, err)
	}
	return lastCommitted, nil
}

// initTree seeds the tree either from the last persisted cache (fast path)
// or from an empty tree when no cache has ever been written (cold start),
// returning the block number the tree now reflects.
func (t *TreeRestore) initTree(ctx context.Context) (BlockNumber, bool, error) {
	cachedBlock, hasCache, err := t.storage.LoadLastCachedBlock(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("statekeeper: loading last cached block: %w", err)
	}
	if !hasCache {
		block, err := t.initTreeWithoutCache(ctx)
		return block, false, err
	}
	block, err := t.initTreeWithCache(ctx, cachedBlock)
	return block, true, err
}

// initTreeWithCache populates the address index from the committed state at
// the cached block, then overlays the persisted tree cache's internal nodes
// so the tree's root reflects the cache without rehashing from scratch. The
// committed-state pass is what the plain SetInternals overlay alone would
// miss: SetInternals only replaces hash nodes, it does not know about
// accIDByAddr/addrByID, so every live account as of the cached block -- not
// just those touched by diffs replayed afterward -- must be indexed here.
func (t *TreeRestore) initTreeWithCache(ctx context.Context, block BlockNumber) (BlockNumber, error) {
	state, err := t.storage.LoadCommittedState(ctx, block)
	if err != nil {
		return 0, fmt.Errorf("statekeeper: loading committed state at block %d: %w", block, err)
	}
	for id, acc := range state {
		t.insertAccount(id, acc)
	}

	cache, err := t.storage.LoadAccountTreeCache(ctx, block)
	if err != nil {
		return 0, fmt.Errorf("statekeeper: loading tree cache at block %d: %w", block, err)
	}
	nodes := make([]accounttree.InternalNode, len(cache.Nodes))
	for i, n := range cache.Nodes {
		nodes[i] = accounttree.InternalNode{Height: n.Height, Index: n.Index, Hash: n.Hash}
	}
	t.tree.SetInternals(nodes)
	return block, nil
}

// initTreeWithoutCache rebuilds the tree from the full committed account set
// at the last committed block -- the path taken the first time a node ever
// starts against a given storage instance.
func (t *TreeRestore) initTreeWithoutCache(ctx context.Context) (BlockNumber, error) {
	lastCommitted, err := t.storage.LoadLastCommittedBlock(ctx)
	if err != nil {
		return 0, err
	}
	state, err := t.storage.LoadCommittedState(ctx, lastCommitted)
	if err != nil {
		return 0, fmt.Errorf("statekeeper: loading committed state at block %d: %w", lastCommitted, err)
	}
	for id, acc := range state {
		t.insertAccount(id, acc)
	}
	return lastCommitted, nil
}

// applyStateDiff applies the last write for each account touched in the
// batch, in ascending AccountId order so tree updates are deterministic
// regardless of the diff's original write order.
func (t *TreeRestore) applyStateDiff(block BlockNumber, diff AccountUpdates) {
	ids, last := diff.TouchedIds()
	for _, id := range ids {
		u := last[id]
		switch u.Kind {
		case UpdateDelete:
			t.removeAccount(id)
		case UpdateCreate, UpdateModify:
			t.insertAccount(id, u.Account)
		default:
			t.logger.Warn("unrecognized account update kind", "block", block, "account", id, "kind", u.Kind)
		}
	}
}

func (t *TreeRestore) insertAccount(id AccountId, acc *Account) {
	enc, err := acc.EncodeRLP()
	if err != nil {
		// An account that fails to encode cannot be a product of this
		// codebase's own state machine -- storage itself is corrupt.
		t.logger.Crit("failed to encode account while restoring tree", "account", id, "err", err)
		return
	}
	if err := t.tree.SetLeaf(uint64(id), enc); err != nil {
		t.logger.Crit("failed to set tree leaf while restoring tree", "account", id, "err", err)
		return
	}
	if old, ok := t.addrByID[id]; ok {
		delete(t.accIDByAddr, old)
	}
	t.addrByID[id] = acc.Address
	t.accIDByAddr[acc.Address] = id
}

func (t *TreeRestore) removeAccount(id AccountId) {
	if err := t.tree.RemoveLeaf(uint64(id)); err != nil {
		t.logger.Crit("failed to remove tree leaf while restoring tree", "account", id, "err", err)
		return
	}
	if addr, ok := t.addrByID[id]; ok {
		delete(t.accIDByAddr, addr)
		delete(t.addrByID, id)
	}
}

// assertCalculatedRoot compares the tree's current root against the
// persisted root hash for block, terminating the process via log.Crit on
// mismatch after locating the exact point of divergence.
func (t *TreeRestore) assertCalculatedRoot(ctx context.Context, message string, block BlockNumber) {
	stored, err := t.storage.LoadBlockRootHash(ctx, block)
	if err != nil {
		t.logger.Crit("failed to load persisted root hash for verification",
			"block", block, "err", err)
		return
	}
	calculated := t.tree.Root()
	if Equal(calculated, stored) {
		return
	}
	t.logger.Warn(message, "block", block, "calculated_root", calculated.Hex(), "stored_root", stored.Hex())
	t.findHashMismatchPoint(ctx, block)
}

// findHashMismatchPoint rebuilds the tree from the last verified anchor and
// replays every block forward, recomputing the root after each one, until it
// finds the first block whose recomputed root disagrees with the
// persisted one. This is a linear bisection-by-iteration, not a true binary
// search: the scan always starts from the verified anchor because that is
// the only point both sides of the comparison are known to agree on, and
// the search must walk every block between that anchor and the divergence
// to apply each one's diff in turn. It never returns.
func (t *TreeRestore) findHashMismatchPoint(ctx context.Context, upTo BlockNumber) {
	anchor, state, err := t.storage.LoadVerifiedState(ctx)
	if err != nil {
		t.logger.Crit("failed to load verified state while diagnosing root hash divergence", "err", err)
		return
	}

	t.tree = accounttree.New(t.tree.Depth(), accounttree.KeccakHasher{}, nil)
	t.accIDByAddr = make(map[types.Address]AccountId)
	t.addrByID = make(map[AccountId]types.Address)
	for id, acc := range state {
		t.insertAccount(id, acc)
	}

	current := anchor
	for current < upTo {
		next := current + 1
		diff, found, err := t.storage.LoadStateDiff(ctx, current, next)
		if err != nil {
			t.logger.Crit("failed to load state diff while diagnosing root hash divergence",
				"from", current, "to", next, "err", err)
			return
		}
		if !found {
			t.logger.Crit("missing state diff while diagnosing root hash divergence",
				"from", current, "to", next)
			return
		}
		t.applyStateDiff(next, diff)

		stored, err := t.storage.LoadBlockRootHash(ctx, next)
		if err != nil {
			t.logger.Crit("failed to load persisted root hash while diagnosing root hash divergence",
				"block", next, "err", err)
			return
		}
		calculated := t.tree.Root()
		if !Equal(calculated, stored) {
			t.logger.Crit("root hashes diverged",
				"block", next,
				"calculated_root", calculated.Hex(),
				"stored_root", stored.Hex())
			return
		}
		current = next
	}

	t.logger.Crit("root hash mismatch reported but no divergent block found between verified anchor and last committed block",
		"anchor", anchor, "last_committed", upTo)
}
