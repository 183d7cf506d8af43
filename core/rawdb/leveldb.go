package rawdb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a Database implementation backed by syndtr/goleveldb, offered
// as a secondary on-disk backend alongside PebbleDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (creating if necessary) a goleveldb database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (d *LevelDB) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err == errors.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (d *LevelDB) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

func (d *LevelDB) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *LevelDB) Close() error { return d.db.Close() }

// NewBatch creates a new goleveldb write batch.
func (d *LevelDB) NewBatch() Batch {
	return &levelBatch{db: d.db, batch: new(leveldb.Batch)}
}

// NewIterator returns an iterator over all keys sharing prefix.
func (d *LevelDB) NewIterator(prefix []byte) Iterator {
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	return &levelIterator{it: it}
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
	size  int
}

func (b *levelBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	b.size += len(key)
	return nil
}

func (b *levelBatch) ValueSize() int { return b.size }

func (b *levelBatch) Write() error {
	return b.db.Write(b.batch, nil)
}

func (b *levelBatch) Reset() {
	b.batch.Reset()
	b.size = 0
}

type levelIterator struct {
	it iterator.Iterator
}

func (it *levelIterator) Next() bool   { return it.it.Next() }
func (it *levelIterator) Key() []byte  { return append([]byte{}, it.it.Key()...) }
func (it *levelIterator) Value() []byte { return append([]byte{}, it.it.Value()...) }
func (it *levelIterator) Release()     { it.it.Release() }
