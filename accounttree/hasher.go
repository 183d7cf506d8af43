// Package accounttree implements the rollup's account Merkle tree: a
// fixed-depth sparse Merkle tree keyed by the dense AccountId space, as used
// by the circuit-level state representation. Unlike a variable-depth hashed-
// key trie, every leaf occupies a deterministic position determined solely
// by its AccountId, which is what makes the tree's root independent of
// insertion order.
package accounttree

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/l2node/rollup/core/types"
	"github.com/l2node/rollup/crypto"
)

// Hasher combines two child hashes (or hashes a leaf's encoded bytes) into a
// parent node hash. Implementations must be safe for concurrent use.
type Hasher interface {
	// HashLeaf hashes the RLP-encoded bytes of a single account.
	HashLeaf(data []byte) types.Hash
	// HashNode combines a left and right child hash into their parent.
	HashNode(left, right types.Hash) types.Hash
	// Name identifies the hasher for logging/metrics.
	Name() string
}

// KeccakHasher is the default Hasher, backed by the Keccak256 permutation
// used throughout the rest of the client.
type KeccakHasher struct{}

// HashLeaf implements Hasher.
func (KeccakHasher) HashLeaf(data []byte) types.Hash {
	return crypto.Keccak256Hash(data)
}

// HashNode implements Hasher.
func (KeccakHasher) HashNode(left, right types.Hash) types.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

// Name implements Hasher.
func (KeccakHasher) Name() string { return "keccak256" }

// MiMCHasher is an optional, pluggable ZK-circuit-friendly hasher over the
// BN254 scalar field. It is not used by default -- MiMC is far slower than
// Keccak256 in software and only earns its cost when the tree root must be
// recomputed inside a SNARK circuit.
type MiMCHasher struct{}

// HashLeaf implements Hasher.
func (MiMCHasher) HashLeaf(data []byte) types.Hash {
	h := mimc.NewMiMC()
	h.Write(data)
	return types.BytesToHash(h.Sum(nil))
}

// HashNode implements Hasher.
func (MiMCHasher) HashNode(left, right types.Hash) types.Hash {
	h := mimc.NewMiMC()
	h.Write(left.Bytes())
	h.Write(right.Bytes())
	return types.BytesToHash(h.Sum(nil))
}

// Name implements Hasher.
func (MiMCHasher) Name() string { return "mimc_bn254" }
