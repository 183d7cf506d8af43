package statekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/l2node/rollup/accounttree"
	"github.com/l2node/rollup/log"
	"github.com/l2node/rollup/metrics"
)

// CalculatorConfig tunes RootHashCalculator's behavior.
type CalculatorConfig struct {
	// CacheEveryNBlocks controls how often the account tree's internal
	// node set is re-persisted as a TreeCache snapshot. A value of 1
	// persists after every block; 0 disables caching by the calculator
	// entirely (no snapshot is taken when Run returns).
	CacheEveryNBlocks uint64
}

// DefaultCalculatorConfig returns the default calculator configuration.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{CacheEveryNBlocks: 100}
}

// RootHashCalculator consumes BlockRootHashJobs in strict block order,
// applying each block's account updates to the live tree and persisting
// the resulting root hash. It is the only writer of the account tree once
// TreeRestore has handed it off.
type RootHashCalculator struct {
	storage StorageDB
	queue   *RootHashJobQueue
	tree    *accounttree.AccountTree
	config  CalculatorConfig

	expectedNext BlockNumber
	logger       *log.Logger
}

// NewRootHashCalculator creates a calculator that consumes from queue,
// starting at expectedNext (normally the block immediately after the one
// TreeRestore returned).
func NewRootHashCalculator(storage StorageDB, queue *RootHashJobQueue, tree *accounttree.AccountTree, expectedNext BlockNumber, config CalculatorConfig) *RootHashCalculator {
	return &RootHashCalculator{
		storage:      storage,
		queue:        queue,
		tree:         tree,
		config:       config,
		expectedNext: expectedNext,
		logger:       log.Default().Module("root_hash_calculator"),
	}
}

// Run consumes jobs until ctx is canceled; Pop never blocks, so whenever the
// queue is empty Run waits on its own 25ms poll ticker. It returns ctx.Err() when
// canceled; any state-consistency violation terminates the process via
// log.Crit rather than returning an error.
func (c *RootHashCalculator) Run(ctx context.Context) error {
	const idlePollInterval = 25 * time.Millisecond
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		job, ok := c.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				continue
			}
		}
		if err := c.process(ctx, job); err != nil {
			return err
		}
	}
}

// process applies one job's updates to the tree, persists the resulting
// root hash, and periodically persists a tree cache snapshot.
func (c *RootHashCalculator) process(ctx context.Context, job BlockRootHashJob) error {
	if job.Block != c.expectedNext {
		c.logger.Crit("root hash job received out of order",
			"expected", c.expectedNext, "got", job.Block)
		return fmt.Errorf("unreachable")
	}

	start := time.Now()

	ids, last := job.Updates.TouchedIds()
	for _, id := range ids {
		u := last[id]
		switch u.Kind {
		case UpdateDelete:
			if err := c.tree.RemoveLeaf(uint64(id)); err != nil {
				return fmt.Errorf("statekeeper: removing leaf %d at block %d: %w", id, job.Block, err)
			}
		case UpdateCreate, UpdateModify:
			enc, err := u.Account.EncodeRLP()
			if err != nil {
				return fmt.Errorf("statekeeper: encoding account %d at block %d: %w", id, job.Block, err)
			}
			if err := c.tree.SetLeaf(uint64(id), enc); err != nil {
				return fmt.Errorf("statekeeper: setting leaf %d at block %d: %w", id, job.Block, err)
			}
		}
	}

	root := c.tree.Root()
	if err := c.storage.StoreBlockRootHash(ctx, job.Block, root); err != nil {
		return fmt.Errorf("statekeeper: storing root hash for block %d: %w", job.Block, err)
	}

	if c.config.CacheEveryNBlocks > 0 && uint64(job.Block)%c.config.CacheEveryNBlocks == 0 {
		if err := c.persistCache(ctx, job.Block); err != nil {
			return err
		}
	}

	metrics.RootHashCalculated.Inc()
	metrics.RootHashComputeTime.Observe(float64(time.Since(start).Milliseconds()))
	c.expectedNext = job.Block + 1
	return nil
}

func (c *RootHashCalculator) persistCache(ctx context.Context, block BlockNumber) error {
	internals := c.tree.GetInternals()
	nodes := make([]CacheNode, len(internals))
	for i, n := range internals {
		nodes[i] = CacheNode{Height: n.Height, Index: n.Index, Hash: n.Hash}
	}
	cache := TreeCache{Depth: c.tree.Depth(), Nodes: nodes}
	if err := c.storage.StoreAccountTreeCache(ctx, block, cache); err != nil {
		return fmt.Errorf("statekeeper: persisting tree cache at block %d: %w", block, err)
	}
	return nil
}
