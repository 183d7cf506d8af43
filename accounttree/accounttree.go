package accounttree

import (
	"fmt"

	"github.com/l2node/rollup/core/types"
)

// AccountTree is a fixed-depth sparse Merkle tree keyed by a dense leaf
// index (the AccountId space). Height 0 is the leaf row; height Depth is the
// single root node. A leaf that has never been written reads as the
// precomputed "default" hash for its height, so the tree never needs to
// materialize more than the accounts that have actually been touched.
type AccountTree struct {
	depth   uint8
	hasher  Hasher
	nodes   map[uint8]map[uint64]types.Hash // authoritative sparse store
	cache   *NodeCache                      // optional off-heap memo, best-effort
	deflt   []types.Hash                    // deflt[h] = hash of an all-empty subtree of height h
	root    types.Hash
	touched int // number of SetLeaf calls, for diagnostics/metrics
}

// ErrIndexOutOfRange is returned when a leaf index does not fit the tree's depth.
type ErrIndexOutOfRange struct {
	Index uint64
	Depth uint8
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("accounttree: leaf index %d out of range for depth %d", e.Index, e.Depth)
}

// New creates an empty AccountTree of the given depth (2^depth leaves). The
// cache may be nil, in which case node lookups are served only from the
// in-memory sparse map.
func New(depth uint8, hasher Hasher, cache *NodeCache) *AccountTree {
	if hasher == nil {
		hasher = KeccakHasher{}
	}
	t := &AccountTree{
		depth:  depth,
		hasher: hasher,
		nodes:  make(map[uint8]map[uint64]types.Hash),
		cache:  cache,
		deflt:  make([]types.Hash, depth+1),
	}
	t.deflt[0] = hasher.HashLeaf(nil)
	for h := uint8(1); h <= depth; h++ {
		t.deflt[h] = hasher.HashNode(t.deflt[h-1], t.deflt[h-1])
	}
	t.root = t.deflt[depth]
	return t
}

// Depth returns the tree's fixed depth.
func (t *AccountTree) Depth() uint8 { return t.depth }

// Root returns the current tree root.
func (t *AccountTree) Root() types.Hash { return t.root }

// maxIndex is the exclusive upper bound on leaf indices for this depth.
func (t *AccountTree) maxIndex() uint64 {
	if t.depth >= 63 {
		return ^uint64(0)
	}
	return uint64(1) << t.depth
}

// getNode returns the hash stored at (height, index), or the default hash
// for that height if nothing has been written there.
func (t *AccountTree) getNode(height uint8, index uint64) types.Hash {
	if row, ok := t.nodes[height]; ok {
		if h, ok := row[index]; ok {
			return h
		}
	}
	if t.cache != nil {
		if h, ok := t.cache.Get(height, index); ok {
			return h
		}
	}
	return t.deflt[height]
}

// setNode stores or clears the hash at (height, index), keeping the sparse
// map minimal by dropping entries that revert to the default hash.
func (t *AccountTree) setNode(height uint8, index uint64, hash types.Hash) {
	if hash == t.deflt[height] {
		if row, ok := t.nodes[height]; ok {
			delete(row, index)
		}
		if t.cache != nil {
			t.cache.Del(height, index)
		}
		return
	}
	row, ok := t.nodes[height]
	if !ok {
		row = make(map[uint64]types.Hash)
		t.nodes[height] = row
	}
	row[index] = hash
	if t.cache != nil {
		t.cache.Set(height, index, hash)
	}
}

// SetLeaf hashes data and writes it at index, recomputing every ancestor
// hash up to the root.
func (t *AccountTree) SetLeaf(index uint64, data []byte) error {
	if index >= t.maxIndex() {
		return &ErrIndexOutOfRange{Index: index, Depth: t.depth}
	}
	t.touched++
	return t.setLeafHash(index, t.hasher.HashLeaf(data))
}

// RemoveLeaf resets index to the empty-leaf default hash, recomputing every
// ancestor up to the root.
func (t *AccountTree) RemoveLeaf(index uint64) error {
	if index >= t.maxIndex() {
		return &ErrIndexOutOfRange{Index: index, Depth: t.depth}
	}
	return t.setLeafHash(index, t.deflt[0])
}

func (t *AccountTree) setLeafHash(index uint64, leafHash types.Hash) error {
	t.setNode(0, index, leafHash)

	cur := leafHash
	idx := index
	for h := uint8(0); h < t.depth; h++ {
		var left, right types.Hash
		if idx%2 == 0 {
			left, right = cur, t.getNode(h, idx^1)
		} else {
			left, right = t.getNode(h, idx^1), cur
		}
		cur = t.hasher.HashNode(left, right)
		idx /= 2
		t.setNode(h+1, idx, cur)
	}
	t.root = cur
	return nil
}

// LeafHash returns the current hash stored at the given leaf index.
func (t *AccountTree) LeafHash(index uint64) types.Hash {
	return t.getNode(0, index)
}

// GetInternals snapshots every non-default node currently held by the tree,
// for persistence as a block's TreeCache.
func (t *AccountTree) GetInternals() []InternalNode {
	var out []InternalNode
	for h, row := range t.nodes {
		for idx, hash := range row {
			out = append(out, InternalNode{Height: h, Index: idx, Hash: hash})
		}
	}
	return out
}

// SetInternals replaces the tree's sparse node set with the given snapshot
// and recomputes the root from it. It is the counterpart to GetInternals,
// used by TreeRestore to rehydrate a tree from a persisted TreeCache without
// replaying every account.
func (t *AccountTree) SetInternals(nodes []InternalNode) {
	t.nodes = make(map[uint8]map[uint64]types.Hash)
	if t.cache != nil {
		t.cache.Reset()
	}
	for _, n := range nodes {
		t.setNode(n.Height, n.Index, n.Hash)
	}
	t.root = t.getNode(t.depth, 0)
}

// InternalNode is a single (height, index) -> hash entry retained from the
// tree's sparse node set.
type InternalNode struct {
	Height uint8
	Index  uint64
	Hash   types.Hash
}
