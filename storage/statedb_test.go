package storage

import (
	"context"
	"testing"

	"github.com/holiman/uint256"

	"github.com/l2node/rollup/core/rawdb"
	"github.com/l2node/rollup/core/types"
	"github.com/l2node/rollup/statekeeper"
)

func newTestDB(t *testing.T) *KVStateDB {
	t.Helper()
	return NewKVStateDB(rawdb.NewMemoryDB())
}

func TestKVStateDB_CommittedStateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	acc := statekeeper.NewAccount(types.Address{0x01})
	acc.SetBalance(1, uint256.NewInt(500))
	accounts := map[statekeeper.AccountId]*statekeeper.Account{1: acc}

	if err := db.StoreCommittedState(ctx, 10, accounts); err != nil {
		t.Fatalf("StoreCommittedState: %v", err)
	}

	block, err := db.LoadLastCommittedBlock(ctx)
	if err != nil {
		t.Fatalf("LoadLastCommittedBlock: %v", err)
	}
	if block != 10 {
		t.Fatalf("want last committed block 10, got %d", block)
	}

	state, err := db.LoadCommittedState(ctx, 10)
	if err != nil {
		t.Fatalf("LoadCommittedState: %v", err)
	}
	got, ok := state[1]
	if !ok {
		t.Fatalf("expected account 1 in loaded committed state")
	}
	if got.Balance(1).Cmp(uint256.NewInt(500)) != 0 {
		t.Fatalf("balance mismatch after round trip")
	}
}

func TestKVStateDB_RootHashRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	root := types.Hash{0x01, 0x02, 0x03}
	if err := db.StoreBlockRootHash(ctx, 5, root); err != nil {
		t.Fatalf("StoreBlockRootHash: %v", err)
	}
	got, err := db.LoadBlockRootHash(ctx, 5)
	if err != nil {
		t.Fatalf("LoadBlockRootHash: %v", err)
	}
	if got != root {
		t.Fatalf("root hash mismatch: want %x, got %x", root, got)
	}
}

func TestKVStateDB_StateDiffRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	acc := statekeeper.NewAccount(types.Address{0x02})
	updates := statekeeper.AccountUpdates{
		{Index: 0, Update: statekeeper.AccountUpdate{Id: 2, Kind: statekeeper.UpdateCreate, Account: acc}},
	}
	if err := db.StoreStateDiff(ctx, 0, 1, updates); err != nil {
		t.Fatalf("StoreStateDiff: %v", err)
	}

	got, found, err := db.LoadStateDiff(ctx, 0, 1)
	if err != nil {
		t.Fatalf("LoadStateDiff: %v", err)
	}
	if !found {
		t.Fatalf("expected to find the stored diff")
	}
	if len(got) != 1 || got[0].Update.Id != 2 {
		t.Fatalf("unexpected diff content: %+v", got)
	}

	if _, found, err := db.LoadStateDiff(ctx, 1, 2); err != nil || found {
		t.Fatalf("expected no diff for an unstored range, found=%v err=%v", found, err)
	}
}

func TestKVStateDB_TreeCacheRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cache := statekeeper.TreeCache{
		Depth: 16,
		Nodes: []statekeeper.CacheNode{{Height: 0, Index: 1, Hash: types.Hash{0xAB}}},
	}
	if err := db.StoreAccountTreeCache(ctx, 20, cache); err != nil {
		t.Fatalf("StoreAccountTreeCache: %v", err)
	}

	block, ok, err := db.LoadLastCachedBlock(ctx)
	if err != nil || !ok || block != 20 {
		t.Fatalf("LoadLastCachedBlock: block=%d ok=%v err=%v", block, ok, err)
	}

	got, err := db.LoadAccountTreeCache(ctx, 20)
	if err != nil {
		t.Fatalf("LoadAccountTreeCache: %v", err)
	}
	if got.Depth != cache.Depth || len(got.Nodes) != len(cache.Nodes) {
		t.Fatalf("tree cache mismatch after round trip")
	}
}

func TestOpenBackend_UnknownName(t *testing.T) {
	if _, _, err := OpenBackend("bogus", "/tmp/x"); err == nil {
		t.Fatalf("expected an error for an unknown backend name")
	}
}

func TestOpenBackend_Memory(t *testing.T) {
	sdb, db, err := OpenBackend(BackendMemory, "")
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer db.Close()
	if sdb == nil {
		t.Fatalf("expected a non-nil StorageDB")
	}
}
