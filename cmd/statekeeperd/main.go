// Command statekeeperd runs the rollup state keeper's tree restoration and
// background root hash computation pipeline against a chosen storage
// backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/l2node/rollup/accounttree"
	"github.com/l2node/rollup/log"
	"github.com/l2node/rollup/metrics"
	"github.com/l2node/rollup/statekeeper"
	"github.com/l2node/rollup/storage"
)

var (
	depthFlag = &cli.IntFlag{
		Name:  "depth",
		Usage: "account tree depth (2^depth leaves)",
		Value: 32,
	}
	throttleThresholdFlag = &cli.IntFlag{
		Name:  "throttle-threshold",
		Usage: "queue depth at which block sealing throttles",
		Value: 2,
	}
	throttlePollFlag = &cli.DurationFlag{
		Name:  "throttle-poll-interval",
		Usage: "how often Throttle rechecks queue depth",
		Value: 25 * time.Millisecond,
	}
	cacheEveryFlag = &cli.Uint64Flag{
		Name:  "cache-every-n-blocks",
		Usage: "persist a tree cache snapshot every N processed blocks",
		Value: 100,
	}
	dbBackendFlag = &cli.StringFlag{
		Name:  "db-backend",
		Usage: "storage backend: pebble, leveldb, or memory",
		Value: storage.BackendPebble,
	}
	dbPathFlag = &cli.StringFlag{
		Name:  "db-path",
		Usage: "path to the storage backend's data directory",
		Value: "./statekeeper-data",
	}
	mimcHasherFlag = &cli.BoolFlag{
		Name:  "mimc-hasher",
		Usage: "use the MiMC (BN254) account tree hasher instead of Keccak256",
	}
	metricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "port to serve Prometheus metrics on (0 disables)",
		Value: 6061,
	}
)

func main() {
	app := &cli.App{
		Name:  "statekeeperd",
		Usage: "restore and maintain the rollup account tree",
		Flags: []cli.Flag{
			depthFlag, throttleThresholdFlag, throttlePollFlag, cacheEveryFlag,
			dbBackendFlag, dbPathFlag, mimcHasherFlag, metricsPortFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("statekeeperd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.Default().Module("statekeeperd")

	sdb, db, err := storage.OpenBackend(c.String(dbBackendFlag.Name), c.String(dbPathFlag.Name))
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}
	defer db.Close()

	var hasher accounttree.Hasher = accounttree.KeccakHasher{}
	if c.Bool(mimcHasherFlag.Name) {
		hasher = accounttree.MiMCHasher{}
	}

	depth := uint8(c.Int(depthFlag.Name))
	cache := accounttree.NewNodeCache(64 << 20)

	if port := c.Int(metricsPortFlag.Name); port > 0 {
		exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
		go func() {
			addr := fmt.Sprintf(":%d", port)
			logger.Info("serving metrics", "addr", addr)
			if err := serveMetrics(addr, exporter); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel, logger)

	restore := statekeeper.NewTreeRestore(sdb, depth, hasher, cache)
	lastCommitted, err := restore.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring account tree: %w", err)
	}
	logger.Info("account tree restored", "block", lastCommitted, "root", restore.Tree().Root().Hex())

	queue := statekeeper.NewRootHashJobQueue(nil,
		statekeeper.WithThrottleThreshold(c.Int(throttleThresholdFlag.Name)),
		statekeeper.WithThrottlePollInterval(c.Duration(throttlePollFlag.Name)))

	calcConfig := statekeeper.CalculatorConfig{CacheEveryNBlocks: c.Uint64(cacheEveryFlag.Name)}
	calc := statekeeper.NewRootHashCalculator(sdb, queue, restore.Tree(), lastCommitted+1, calcConfig)

	logger.Info("root hash calculator starting", "expected_next_block", lastCommitted+1)
	if err := calc.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("root hash calculator stopped: %w", err)
	}
	return nil
}

func serveMetrics(addr string, exporter *metrics.PrometheusExporter) error {
	return http.ListenAndServe(addr, exporter.Handler())
}

func waitForSignal(cancel context.CancelFunc, logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()
}
