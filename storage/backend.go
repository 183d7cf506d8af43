package storage

import (
	"fmt"

	"github.com/l2node/rollup/core/rawdb"
)

// Backend names accepted by OpenBackend / the statekeeperd CLI.
const (
	BackendPebble = "pebble"
	BackendLevelDB = "leveldb"
	BackendMemory = "memory"
)

// OpenBackend opens the named on-disk (or in-memory) key-value backend at
// path and wraps it as a StorageDB.
func OpenBackend(name, path string) (*KVStateDB, rawdb.Database, error) {
	var db rawdb.Database
	var err error

	switch name {
	case BackendPebble:
		db, err = rawdb.NewPebbleDB(path)
	case BackendLevelDB:
		db, err = rawdb.NewLevelDB(path)
	case BackendMemory, "":
		db = rawdb.NewMemoryDB()
	default:
		return nil, nil, fmt.Errorf("storage: unknown backend %q (want %q, %q, or %q)", name, BackendPebble, BackendLevelDB, BackendMemory)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: opening %s backend at %s: %w", name, path, err)
	}
	return NewKVStateDB(db), db, nil
}
