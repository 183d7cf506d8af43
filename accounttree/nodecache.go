package accounttree

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/l2node/rollup/core/types"
)

// NodeCache is an off-heap cache of internal tree node hashes keyed by
// (height, index). It sits in front of the authoritative sparse node map so
// that repeated root recomputation over a large tree does not repeatedly
// allocate on the Go heap.
type NodeCache struct {
	cache *fastcache.Cache
}

// NewNodeCache creates a node cache with the given byte budget.
func NewNodeCache(maxBytes int) *NodeCache {
	return &NodeCache{cache: fastcache.New(maxBytes)}
}

// nodeCacheKey packs (height, index) into an 9-byte lookup key.
func nodeCacheKey(height uint8, index uint64) []byte {
	var k [9]byte
	k[0] = height
	binary.BigEndian.PutUint64(k[1:], index)
	return k[:]
}

// Get returns the cached hash for (height, index), if present.
func (c *NodeCache) Get(height uint8, index uint64) (types.Hash, bool) {
	if c == nil {
		return types.Hash{}, false
	}
	buf := c.cache.Get(nil, nodeCacheKey(height, index))
	if len(buf) != types.HashLength {
		return types.Hash{}, false
	}
	return types.BytesToHash(buf), true
}

// Set stores the hash for (height, index).
func (c *NodeCache) Set(height uint8, index uint64, hash types.Hash) {
	if c == nil {
		return
	}
	c.cache.Set(nodeCacheKey(height, index), hash.Bytes())
}

// Del removes a cached entry, used when a node reverts to its default
// (zero-subtree) hash and no longer needs explicit storage.
func (c *NodeCache) Del(height uint8, index uint64) {
	if c == nil {
		return
	}
	c.cache.Del(nodeCacheKey(height, index))
}

// Reset clears the cache.
func (c *NodeCache) Reset() {
	if c == nil {
		return
	}
	c.cache.Reset()
}
