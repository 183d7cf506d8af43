package rawdb

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// PebbleDB is a Database implementation backed by cockroachdb/pebble, an
// LSM-tree key-value store. It is the default production StorageDB backend.
type PebbleDB struct {
	db *pebble.DB
}

// NewPebbleDB opens (creating if necessary) a pebble database at path.
func NewPebbleDB(path string) (*PebbleDB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleDB{db: db}, nil
}

func (d *PebbleDB) Has(key []byte) (bool, error) {
	v, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	_ = v
	return true, nil
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

func (d *PebbleDB) Put(key, value []byte) error {
	return d.db.Set(key, value, pebble.Sync)
}

func (d *PebbleDB) Delete(key []byte) error {
	return d.db.Delete(key, pebble.Sync)
}

func (d *PebbleDB) Close() error { return d.db.Close() }

// NewBatch creates a new pebble write batch.
func (d *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{db: d.db, batch: d.db.NewBatch()}
}

// NewIterator returns an iterator over all keys sharing prefix.
func (d *PebbleDB) NewIterator(prefix []byte) Iterator {
	upper := upperBound(prefix)
	it, _ := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	return &pebbleIterator{it: it, prefix: prefix}
}

// upperBound returns the smallest key greater than every key with the given
// prefix, used to bound a prefix scan.
func upperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	up := make([]byte, len(prefix))
	copy(up, prefix)
	for i := len(up) - 1; i >= 0; i-- {
		up[i]++
		if up[i] != 0 {
			return up[:i+1]
		}
	}
	return nil
}

type pebbleBatch struct {
	db    *pebble.DB
	batch *pebble.Batch
	size  int
}

func (b *pebbleBatch) Put(key, value []byte) error {
	b.size += len(key) + len(value)
	return b.batch.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) error {
	b.size += len(key)
	return b.batch.Delete(key, nil)
}

func (b *pebbleBatch) ValueSize() int { return b.size }

func (b *pebbleBatch) Write() error {
	return b.db.Apply(b.batch, pebble.Sync)
}

func (b *pebbleBatch) Reset() {
	b.batch.Reset()
	b.size = 0
}

type pebbleIterator struct {
	it      *pebble.Iterator
	prefix  []byte
	started bool
}

func (it *pebbleIterator) Next() bool {
	var ok bool
	if !it.started {
		it.started = true
		ok = it.it.First()
	} else {
		ok = it.it.Next()
	}
	return ok && bytes.HasPrefix(it.it.Key(), it.prefix)
}

func (it *pebbleIterator) Key() []byte { return append([]byte{}, it.it.Key()...) }

func (it *pebbleIterator) Value() []byte { return append([]byte{}, it.it.Value()...) }

func (it *pebbleIterator) Release() { it.it.Close() }
