package statekeeper

import (
	"context"
	"sync"
	"testing"

	"github.com/holiman/uint256"

	"github.com/l2node/rollup/accounttree"
	"github.com/l2node/rollup/core/types"
	"github.com/l2node/rollup/log"
)

// fakeStorage is an in-memory StorageDB double used to exercise TreeRestore
// without a real backend.
type fakeStorage struct {
	mu             sync.Mutex
	lastCommitted  BlockNumber
	committedState map[AccountId]*Account
	verifiedBlock  BlockNumber
	verifiedState  map[AccountId]*Account
	cachedBlock    BlockNumber
	hasCache       bool
	caches         map[BlockNumber]TreeCache
	diffs          map[[2]BlockNumber]AccountUpdates
	roots          map[BlockNumber]RootHash
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		committedState: make(map[AccountId]*Account),
		verifiedState:  make(map[AccountId]*Account),
		caches:         make(map[BlockNumber]TreeCache),
		diffs:          make(map[[2]BlockNumber]AccountUpdates),
		roots:          make(map[BlockNumber]RootHash),
	}
}

func (s *fakeStorage) LoadLastCommittedBlock(ctx context.Context) (BlockNumber, error) {
	return s.lastCommitted, nil
}

func (s *fakeStorage) LoadLastCachedBlock(ctx context.Context) (BlockNumber, bool, error) {
	return s.cachedBlock, s.hasCache, nil
}

func (s *fakeStorage) LoadCommittedState(ctx context.Context, block BlockNumber) (map[AccountId]*Account, error) {
	return s.committedState, nil
}

func (s *fakeStorage) LoadAccountTreeCache(ctx context.Context, block BlockNumber) (TreeCache, error) {
	return s.caches[block], nil
}

func (s *fakeStorage) LoadStateDiff(ctx context.Context, from, to BlockNumber) (AccountUpdates, bool, error) {
	d, ok := s.diffs[[2]BlockNumber{from, to}]
	return d, ok, nil
}

func (s *fakeStorage) LoadVerifiedState(ctx context.Context) (BlockNumber, map[AccountId]*Account, error) {
	return s.verifiedBlock, s.verifiedState, nil
}

func (s *fakeStorage) LoadBlockRootHash(ctx context.Context, block BlockNumber) (RootHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots[block], nil
}

func (s *fakeStorage) StoreAccountTreeCache(ctx context.Context, block BlockNumber, cache TreeCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[block] = cache
	return nil
}

func (s *fakeStorage) StoreBlockRootHash(ctx context.Context, block BlockNumber, root RootHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[block] = root
	return nil
}

func testAccount(addr byte, balance uint64) *Account {
	a := NewAccount(types.Address{addr})
	a.SetBalance(1, uint256.NewInt(balance))
	return a
}

func TestTreeRestore_FromScratch(t *testing.T) {
	s := newFakeStorage()
	s.committedState[1] = testAccount(0x01, 100)
	s.committedState[2] = testAccount(0x02, 200)
	s.lastCommitted = 0

	// Compute the expected root independently via a second tree built the
	// same way TreeRestore builds its own, then seed storage's root table
	// so Restore's post-check passes.
	ref := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	for id, acc := range s.committedState {
		enc, _ := acc.EncodeRLP()
		ref.SetLeaf(uint64(id), enc)
	}
	s.roots[0] = ref.Root()

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	restored, err := tr.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 0 {
		t.Fatalf("want restored block 0, got %d", restored)
	}
	if tr.Tree().Root() != ref.Root() {
		t.Fatalf("restored tree root does not match reference tree")
	}
}

func TestTreeRestore_FromCacheWithDiff(t *testing.T) {
	s := newFakeStorage()

	base := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	acc1 := testAccount(0x01, 100)
	enc1, _ := acc1.EncodeRLP()
	base.SetLeaf(1, enc1)

	s.caches[5] = TreeCache{Depth: 16, Nodes: toCacheNodes(base.GetInternals())}
	s.cachedBlock = 5
	s.hasCache = true
	s.lastCommitted = 6
	s.roots[5] = base.Root()

	acc2 := testAccount(0x02, 50)
	diff := AccountUpdates{{Index: 0, Update: AccountUpdate{Id: 2, Kind: UpdateCreate, Account: acc2}}}
	s.diffs[[2]BlockNumber{5, 6}] = diff

	want := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	want.SetLeaf(1, enc1)
	enc2, _ := acc2.EncodeRLP()
	want.SetLeaf(2, enc2)
	s.roots[6] = want.Root()

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	restored, err := tr.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 6 {
		t.Fatalf("want restored block 6, got %d", restored)
	}
	if tr.Tree().Root() != want.Root() {
		t.Fatalf("restored tree root does not match expected root after applying diff")
	}
}

func TestTreeRestore_DeletionRemovesLeaf(t *testing.T) {
	s := newFakeStorage()

	acc1 := testAccount(0x01, 100)
	enc1, _ := acc1.EncodeRLP()
	withAccount := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	withAccount.SetLeaf(1, enc1)

	s.caches[5] = TreeCache{Depth: 16, Nodes: toCacheNodes(withAccount.GetInternals())}
	s.cachedBlock = 5
	s.hasCache = true
	s.lastCommitted = 6
	s.roots[5] = withAccount.Root()

	diff := AccountUpdates{{Index: 0, Update: AccountUpdate{Id: 1, Kind: UpdateDelete}}}
	s.diffs[[2]BlockNumber{5, 6}] = diff

	empty := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	s.roots[6] = empty.Root()

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	_, err := tr.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if tr.Tree().Root() != empty.Root() {
		t.Fatalf("tree root after deleting the only account should match the empty root")
	}
}

func TestTreeRestore_DivergenceTriggersCrit(t *testing.T) {
	var exitCode int
	var exited bool
	log.SetExitFunc(func(code int) { exited = true; exitCode = code; panic("crit") })
	defer func() { recover() }()

	s := newFakeStorage()
	s.committedState[1] = testAccount(0x01, 100)
	s.lastCommitted = 0
	s.roots[0] = types.Hash{0xDE, 0xAD} // deliberately wrong root
	s.verifiedBlock = 0
	s.verifiedState = map[AccountId]*Account{1: testAccount(0x01, 100)}

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	tr.Restore(context.Background())

	if !exited || exitCode != 1 {
		t.Fatalf("expected Restore to trigger log.Crit on root divergence")
	}
}

func TestTreeRestore_CacheRootMismatchTriggersCrit(t *testing.T) {
	var exitCode int
	var exited bool
	log.SetExitFunc(func(code int) { exited = true; exitCode = code; panic("crit") })
	defer func() { recover() }()

	s := newFakeStorage()

	acc1 := testAccount(0x01, 100)
	enc1, _ := acc1.EncodeRLP()
	base := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	base.SetLeaf(1, enc1)

	s.caches[5] = TreeCache{Depth: 16, Nodes: toCacheNodes(base.GetInternals())}
	s.cachedBlock = 5
	s.hasCache = true
	s.lastCommitted = 5
	s.roots[5] = types.Hash{0xDE, 0xAD} // deliberately wrong, so the cache itself is bad
	s.verifiedBlock = 0
	s.verifiedState = map[AccountId]*Account{}

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	tr.Restore(context.Background())

	if !exited || exitCode != 1 {
		t.Fatalf("expected Restore to trigger log.Crit on cache root mismatch")
	}
}

func TestTreeRestore_CachePathIndexesCommittedState(t *testing.T) {
	s := newFakeStorage()

	acc1 := testAccount(0x01, 100)
	enc1, _ := acc1.EncodeRLP()
	base := accounttree.New(16, accounttree.KeccakHasher{}, nil)
	base.SetLeaf(1, enc1)

	// Account 1 is live as of the cached block but touched by no later diff;
	// it must still end up in the address index after a cache-path restore.
	s.committedState[1] = acc1
	s.caches[5] = TreeCache{Depth: 16, Nodes: toCacheNodes(base.GetInternals())}
	s.cachedBlock = 5
	s.hasCache = true
	s.lastCommitted = 5
	s.roots[5] = base.Root()

	tr := NewTreeRestore(s, 16, accounttree.KeccakHasher{}, nil)
	if _, err := tr.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if id, ok := tr.accIDByAddr[acc1.Address]; !ok || id != 1 {
		t.Fatalf("expected account 1 to be indexed by address after cache-path restore, got ok=%v id=%d", ok, id)
	}
	if addr, ok := tr.addrByID[1]; !ok || addr != acc1.Address {
		t.Fatalf("expected addrByID[1] to be populated after cache-path restore")
	}
}

func toCacheNodes(internals []accounttree.InternalNode) []CacheNode {
	out := make([]CacheNode, len(internals))
	for i, n := range internals {
		out[i] = CacheNode{Height: n.Height, Index: n.Index, Hash: n.Hash}
	}
	return out
}
