// Package statekeeper implements the rollup state-keeper's tree restoration
// and background root hash computation pipeline: reconstructing the account
// Merkle tree from durable storage at startup (TreeRestore), and computing
// block root hashes off the hot execution path (RootHashJobQueue /
// RootHashCalculator).
package statekeeper

import (
	"bytes"
	"sort"

	"github.com/holiman/uint256"

	"github.com/l2node/rollup/core/types"
	"github.com/l2node/rollup/rlp"
)

// BlockNumber identifies a sealed L2 block by its sequential height.
type BlockNumber uint64

// AccountId is the dense, tree-assigned index of an account. Unlike an
// Address, AccountIds are allocated sequentially as accounts are first seen
// and are stable for the lifetime of the rollup.
type AccountId uint64

// TokenID identifies a fungible token registered with the rollup.
type TokenID uint32

// RootHash is the Merkle root of the account tree at a given block.
type RootHash = types.Hash

// Account is the balance-sheet state tracked per AccountId in the tree. Nonce
// and PubKeyHash mirror the circuit-level account layout; Balances holds only
// the non-zero token balances for compactness.
type Account struct {
	Nonce      uint64
	PubKeyHash types.Hash
	Address    types.Address
	Balances   map[TokenID]*uint256.Int
}

// NewAccount returns an empty account bound to addr.
func NewAccount(addr types.Address) *Account {
	return &Account{
		Address:  addr,
		Balances: make(map[TokenID]*uint256.Int),
	}
}

// Balance returns the balance of token, or zero if the account holds none.
func (a *Account) Balance(token TokenID) *uint256.Int {
	if b, ok := a.Balances[token]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// SetBalance sets the balance of token on the account. A zero balance removes
// the entry rather than storing an explicit zero, keeping the serialized
// form and non-zero-balance invariant aligned.
func (a *Account) SetBalance(token TokenID, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		delete(a.Balances, token)
		return
	}
	a.Balances[token] = amount
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := &Account{
		Nonce:      a.Nonce,
		PubKeyHash: a.PubKeyHash,
		Address:    a.Address,
		Balances:   make(map[TokenID]*uint256.Int, len(a.Balances)),
	}
	for tok, bal := range a.Balances {
		c.Balances[tok] = new(uint256.Int).Set(bal)
	}
	return c
}

// accountBalanceEntry is the RLP-friendly representation of a single token
// balance. The rlp package has no map support, so Account's Balances map is
// flattened to a sorted slice of entries for encoding.
type accountBalanceEntry struct {
	Token   uint32
	Balance []byte // big-endian, no leading zeros
}

// accountRLP is the on-disk RLP shape of an Account.
type accountRLP struct {
	Nonce      uint64
	PubKeyHash []byte
	Address    []byte
	Balances   []accountBalanceEntry
}

// EncodeRLP returns the RLP encoding of the account.
func (a *Account) EncodeRLP() ([]byte, error) {
	tokens := make([]TokenID, 0, len(a.Balances))
	for tok := range a.Balances {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	entries := make([]accountBalanceEntry, 0, len(tokens))
	for _, tok := range tokens {
		entries = append(entries, accountBalanceEntry{
			Token:   uint32(tok),
			Balance: a.Balances[tok].Bytes(),
		})
	}

	return rlp.EncodeToBytes(accountRLP{
		Nonce:      a.Nonce,
		PubKeyHash: a.PubKeyHash.Bytes(),
		Address:    a.Address.Bytes(),
		Balances:   entries,
	})
}

// DecodeAccountRLP decodes an Account previously produced by EncodeRLP.
func DecodeAccountRLP(data []byte) (*Account, error) {
	var raw accountRLP
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	a := &Account{
		Nonce:    raw.Nonce,
		Balances: make(map[TokenID]*uint256.Int, len(raw.Balances)),
	}
	a.PubKeyHash.SetBytes(raw.PubKeyHash)
	a.Address.SetBytes(raw.Address)
	for _, e := range raw.Balances {
		a.Balances[TokenID(e.Token)] = new(uint256.Int).SetBytes(e.Balance)
	}
	return a, nil
}

// UpdateKind tags the variant of an AccountUpdate.
type UpdateKind uint8

const (
	// UpdateCreate inserts a brand new account at the given id.
	UpdateCreate UpdateKind = iota
	// UpdateModify replaces the full state of an existing account.
	UpdateModify
	// UpdateDelete removes an account from the tree entirely.
	UpdateDelete
)

// String implements fmt.Stringer.
func (k UpdateKind) String() string {
	switch k {
	case UpdateCreate:
		return "create"
	case UpdateModify:
		return "modify"
	case UpdateDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// AccountUpdate describes one account's change within a block. Account is
// nil for UpdateDelete.
type AccountUpdate struct {
	Id      AccountId
	Kind    UpdateKind
	Account *Account
}

// IndexedAccountUpdate pairs an update with the position it occupied in the
// originating block, used to preserve write order for tie-breaking when
// multiple updates touch the same account within one block.
type IndexedAccountUpdate struct {
	Index  int
	Update AccountUpdate
}

// AccountUpdates is an ordered batch of per-account changes for a block.
type AccountUpdates []IndexedAccountUpdate

// TouchedIds returns the deduplicated, sorted set of account ids touched by
// the batch, with each id mapped to its last update (by Index) -- mirroring
// "last write wins" semantics for accounts touched more than once in a
// block.
func (u AccountUpdates) TouchedIds() ([]AccountId, map[AccountId]AccountUpdate) {
	last := make(map[AccountId]AccountUpdate)
	lastIdx := make(map[AccountId]int)
	for _, iu := range u {
		if prev, ok := lastIdx[iu.Update.Id]; !ok || iu.Index > prev {
			last[iu.Update.Id] = iu.Update
			lastIdx[iu.Update.Id] = iu.Index
		}
	}
	ids := make([]AccountId, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, last
}

// cacheNodeRecord is the RLP-friendly representation of one non-empty
// internal or leaf node retained in a TreeCache snapshot.
type cacheNodeRecord struct {
	Height uint8
	Index  uint64
	Hash   []byte
}

// TreeCache is an opaque, block-scoped snapshot of the account tree's
// internal node hashes, persisted so TreeRestore can reconstruct the tree
// without replaying every account from genesis.
type TreeCache struct {
	Depth uint8
	Nodes []CacheNode
}

// CacheNode identifies one retained node by its (height, index) coordinate
// within the fixed-depth tree, height 0 being the leaves.
type CacheNode struct {
	Height uint8
	Index  uint64
	Hash   RootHash
}

// EncodeRLP returns the RLP encoding of the cache.
func (c TreeCache) EncodeRLP() ([]byte, error) {
	records := make([]cacheNodeRecord, len(c.Nodes))
	for i, n := range c.Nodes {
		records[i] = cacheNodeRecord{Height: n.Height, Index: n.Index, Hash: n.Hash.Bytes()}
	}
	return rlp.EncodeToBytes(struct {
		Depth uint8
		Nodes []cacheNodeRecord
	}{Depth: c.Depth, Nodes: records})
}

// DecodeTreeCacheRLP decodes a TreeCache previously produced by EncodeRLP.
func DecodeTreeCacheRLP(data []byte) (TreeCache, error) {
	var raw struct {
		Depth uint8
		Nodes []cacheNodeRecord
	}
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return TreeCache{}, err
	}
	nodes := make([]CacheNode, len(raw.Nodes))
	for i, r := range raw.Nodes {
		n := CacheNode{Height: r.Height, Index: r.Index}
		n.Hash.SetBytes(r.Hash)
		nodes[i] = n
	}
	return TreeCache{Depth: raw.Depth, Nodes: nodes}, nil
}

// accountUpdateRLP is the on-disk RLP shape of one IndexedAccountUpdate. The
// nested Account is itself RLP-encoded into a byte string rather than
// inlined, since it may be absent (UpdateDelete).
type accountUpdateRLP struct {
	Index   uint64
	Id      uint64
	Kind    uint8
	Account []byte
}

// EncodeAccountUpdates serializes an AccountUpdates batch for durable
// storage (e.g. as a state-diff record between two blocks).
func EncodeAccountUpdates(updates AccountUpdates) ([]byte, error) {
	records := make([]accountUpdateRLP, len(updates))
	for i, iu := range updates {
		r := accountUpdateRLP{
			Index: uint64(iu.Index),
			Id:    uint64(iu.Update.Id),
			Kind:  uint8(iu.Update.Kind),
		}
		if iu.Update.Account != nil {
			enc, err := iu.Update.Account.EncodeRLP()
			if err != nil {
				return nil, err
			}
			r.Account = enc
		}
		records[i] = r
	}
	return rlp.EncodeToBytes(struct{ Updates []accountUpdateRLP }{records})
}

// DecodeAccountUpdates decodes an AccountUpdates batch previously produced
// by EncodeAccountUpdates.
func DecodeAccountUpdates(data []byte) (AccountUpdates, error) {
	var raw struct{ Updates []accountUpdateRLP }
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	out := make(AccountUpdates, len(raw.Updates))
	for i, r := range raw.Updates {
		u := AccountUpdate{Id: AccountId(r.Id), Kind: UpdateKind(r.Kind)}
		if len(r.Account) > 0 {
			acc, err := DecodeAccountRLP(r.Account)
			if err != nil {
				return nil, err
			}
			u.Account = acc
		}
		out[i] = IndexedAccountUpdate{Index: int(r.Index), Update: u}
	}
	return out, nil
}

// Equal reports whether two root hashes are byte-identical. Defined here
// (rather than relying on == on the underlying array) so call sites read
// as domain comparisons rather than incidental array equality.
func Equal(a, b RootHash) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
