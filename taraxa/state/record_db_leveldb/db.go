package record_db_leveldb

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

const Backend = "leveldb"

func init() {
	record_db.Register(Backend, func(opts record_db.Opts) (record_db.DB, error) {
		return Open(opts)
	})
}

// DB keeps all columns in one leveldb keyspace, each key prefixed with its
// column byte.
type DB struct {
	db    *leveldb.DB
	optsW *opt.WriteOptions
}

func Open(opts record_db.Opts) (*DB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if opts.InMemory {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.Path, &opt.Options{
			Filter: filter.NewBloomFilter(10),
		})
	}
	if err != nil {
		return nil, state_common.IOError(err, "open leveldb at %q", opts.Path)
	}
	return &DB{db: db, optsW: &opt.WriteOptions{Sync: opts.SyncWrites}}, nil
}

func NewMemory() *DB {
	ret, err := Open(record_db.Opts{InMemory: true})
	if err != nil {
		panic(err)
	}
	return ret
}

func colKey(col record_db.Column, key []byte) []byte {
	ret := make([]byte, 1+len(key))
	ret[0] = col
	copy(ret[1:], key)
	return ret
}

func (d *DB) Get(col record_db.Column, key []byte) ([]byte, error) {
	v, err := d.db.Get(colKey(col, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, state_common.IOError(err, "leveldb get from %s", record_db.ColumnName(col))
	}
	return v, nil
}

func (d *DB) NewBatch() record_db.Batch {
	return record_db.NewOpsBatch()
}

func (d *DB) Write(b record_db.Batch) error {
	var batch leveldb.Batch
	for _, op := range record_db.AsOpsBatch(b).Ops() {
		if op.Delete {
			batch.Delete(colKey(op.Col, op.Key))
		} else {
			batch.Put(colKey(op.Col, op.Key), op.Value)
		}
	}
	if err := d.db.Write(&batch, d.optsW); err != nil {
		return state_common.IOError(err, "leveldb write batch of %d ops", batch.Len())
	}
	return nil
}

func (d *DB) NewIterator(col record_db.Column, start, limit []byte) record_db.Iterator {
	r := &util.Range{Start: colKey(col, start)}
	if limit != nil {
		r.Limit = colKey(col, limit)
	} else {
		r.Limit = []byte{col + 1}
	}
	return &iter{d.db.NewIterator(r, nil)}
}

func (d *DB) Close() error {
	return errors.Wrap(d.db.Close(), "close leveldb")
}

type iter struct {
	iterator.Iterator
}

func (it *iter) Key() []byte {
	return it.Iterator.Key()[1:]
}

func (it *iter) Error() error {
	if err := it.Iterator.Error(); err != nil {
		return state_common.IOError(err, "leveldb iterate")
	}
	return nil
}
