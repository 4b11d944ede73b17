//go:build rocksdb
// +build rocksdb

package record_db_rocksdb

import (
	"bytes"
	"runtime"
	"strconv"

	"github.com/tecbot/gorocksdb"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/goroutines"
)

const Backend = "rocksdb"

func init() {
	record_db.Register(Backend, func(opts record_db.Opts) (record_db.DB, error) {
		return Open(opts)
	})
}

// DB stores every column in its own column family.
type DB struct {
	db                      *gorocksdb.DB
	cfHandleDefault         *gorocksdb.ColumnFamilyHandle
	cfHandles               [record_db.ColCount]*gorocksdb.ColumnFamilyHandle
	optsR                   *gorocksdb.ReadOptions
	optsW                   *gorocksdb.WriteOptions
	maintenanceTaskExecutor goroutines.GoroutineGroup
}

func Open(opts record_db.Opts) (*DB, error) {
	newDBOpts := func() *gorocksdb.Options {
		ret := gorocksdb.NewDefaultOptions()
		ret.SetErrorIfExists(false)
		ret.SetCreateIfMissing(true)
		ret.SetCreateIfMissingColumnFamilies(true)
		ret.IncreaseParallelism(runtime.NumCPU())
		ret.SetMaxFileOpeningThreads(runtime.NumCPU())
		ret.SetMaxBackgroundCompactions(runtime.NumCPU())
		ret.SetMaxBackgroundFlushes(runtime.NumCPU())
		return ret
	}
	const realColCount = 1 + record_db.ColCount
	cfOptsDefault := gorocksdb.NewDefaultOptions()
	defer cfOptsDefault.Destroy()
	cfNames, cfOpts := [realColCount]string{"default"}, [realColCount]*gorocksdb.Options{cfOptsDefault}
	for i := 1; i < realColCount; i++ {
		o := newDBOpts()
		defer o.Destroy()
		// leaf values are only ever fetched by key
		if col := record_db.Column(i - 1); col == record_db.ColLeafValue {
			o.SetAllowConcurrentMemtableWrites(false)
			o.OptimizeForPointLookup(300)
		}
		cfNames[i], cfOpts[i] = strconv.Itoa(i), o
	}
	dbOpts := newDBOpts()
	defer dbOpts.Destroy()
	db, cfHandles, err := gorocksdb.OpenDbColumnFamilies(dbOpts, opts.Path, cfNames[:], cfOpts[:])
	if err != nil {
		return nil, state_common.IOError(err, "open rocksdb at %q", opts.Path)
	}
	ret := &DB{db: db, cfHandleDefault: cfHandles[0]}
	copy(ret.cfHandles[:], cfHandles[1:])
	ret.optsR = gorocksdb.NewDefaultReadOptions()
	ret.optsR.SetVerifyChecksums(false)
	ret.optsW = gorocksdb.NewDefaultWriteOptions()
	ret.optsW.SetSync(opts.SyncWrites)
	ret.maintenanceTaskExecutor.Init(1, 1024)
	return ret, nil
}

func (d *DB) Get(col record_db.Column, key []byte) ([]byte, error) {
	slice, err := d.db.GetCF(d.optsR, d.cfHandles[col], key)
	if err != nil {
		return nil, state_common.IOError(err, "rocksdb get from %s", record_db.ColumnName(col))
	}
	var ret []byte
	if slice.Exists() {
		ret = append([]byte{}, slice.Data()...)
	}
	d.maintenanceTaskExecutor.Submit(slice.Free)
	return ret, nil
}

func (d *DB) NewBatch() record_db.Batch {
	return record_db.NewOpsBatch()
}

func (d *DB) Write(b record_db.Batch) error {
	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	for _, op := range record_db.AsOpsBatch(b).Ops() {
		if op.Delete {
			batch.DeleteCF(d.cfHandles[op.Col], op.Key)
		} else {
			batch.PutCF(d.cfHandles[op.Col], op.Key, op.Value)
		}
	}
	if err := d.db.Write(d.optsW, batch); err != nil {
		return state_common.IOError(err, "rocksdb write batch of %d ops", batch.Count())
	}
	return nil
}

func (d *DB) NewIterator(col record_db.Column, start, limit []byte) record_db.Iterator {
	optsItr := gorocksdb.NewDefaultReadOptions()
	optsItr.SetVerifyChecksums(false)
	optsItr.SetFillCache(false)
	if limit != nil {
		optsItr.SetIterateUpperBound(limit)
	}
	it := d.db.NewIteratorCF(optsItr, d.cfHandles[col])
	return &iter{itr: it, opts: optsItr, start: start, limit: limit}
}

// Checkpoint creates a consistent on-disk copy of the database in dir.
func (d *DB) Checkpoint(dir string, logSizeForFlush uint64) error {
	c, err := d.db.NewCheckpoint()
	if err != nil {
		return state_common.IOError(err, "rocksdb checkpoint")
	}
	defer c.Destroy()
	return state_common.IOError(c.CreateCheckpoint(dir, logSizeForFlush), "rocksdb checkpoint to %q", dir)
}

func (d *DB) Close() error {
	d.maintenanceTaskExecutor.JoinAndClose()
	d.optsR.Destroy()
	d.optsW.Destroy()
	for _, cf := range d.cfHandles {
		cf.Destroy()
	}
	d.cfHandleDefault.Destroy()
	d.db.Close()
	return nil
}

type iter struct {
	itr        *gorocksdb.Iterator
	opts       *gorocksdb.ReadOptions
	start      []byte
	limit      []byte
	started    bool
	key, value []byte
}

func (it *iter) Next() bool {
	if !it.started {
		it.started = true
		if it.start == nil {
			it.itr.SeekToFirst()
		} else {
			it.itr.Seek(it.start)
		}
	} else {
		it.itr.Next()
	}
	if !it.itr.Valid() {
		it.key, it.value = nil, nil
		return false
	}
	k, v := it.itr.Key(), it.itr.Value()
	it.key, it.value = append(it.key[:0], k.Data()...), append(it.value[:0], v.Data()...)
	k.Free()
	v.Free()
	if it.limit != nil && bytes.Compare(it.key, it.limit) >= 0 {
		return false
	}
	return true
}

func (it *iter) Key() []byte {
	return it.key
}

func (it *iter) Value() []byte {
	return it.value
}

func (it *iter) Error() error {
	return state_common.IOError(it.itr.Err(), "rocksdb iterate")
}

func (it *iter) Release() {
	it.itr.Close()
	it.opts.Destroy()
}
