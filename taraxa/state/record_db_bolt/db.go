package record_db_bolt

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

const (
	Backend  = "bolt"
	fileName = "state.bolt"
)

func init() {
	record_db.Register(Backend, func(opts record_db.Opts) (record_db.DB, error) {
		return Open(opts)
	})
}

// DB maps every column onto its own bucket.
type DB struct {
	db *bbolt.DB
}

func bucket(col record_db.Column) []byte {
	return []byte(record_db.ColumnName(col))
}

func Open(opts record_db.Opts) (*DB, error) {
	if opts.InMemory {
		return nil, errors.New("bolt backend has no in-memory mode")
	}
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, state_common.IOError(err, "create %q", opts.Path)
	}
	db, err := bbolt.Open(filepath.Join(opts.Path, fileName), 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, state_common.IOError(err, "open bolt at %q", opts.Path)
	}
	db.NoSync = !opts.SyncWrites
	err = db.Update(func(tx *bbolt.Tx) error {
		for col := record_db.Column(0); col < record_db.ColCount; col++ {
			if _, err := tx.CreateBucketIfNotExists(bucket(col)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, state_common.IOError(err, "create bolt buckets")
	}
	return &DB{db}, nil
}

func (d *DB) Get(col record_db.Column, key []byte) (ret []byte, err error) {
	err = d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket(col)).Get(key); v != nil {
			ret = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, state_common.IOError(err, "bolt get from %s", record_db.ColumnName(col))
	}
	return
}

func (d *DB) NewBatch() record_db.Batch {
	return record_db.NewOpsBatch()
}

func (d *DB) Write(b record_db.Batch) error {
	ops := record_db.AsOpsBatch(b).Ops()
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var buckets [record_db.ColCount]*bbolt.Bucket
		for col := range buckets {
			buckets[col] = tx.Bucket(bucket(record_db.Column(col)))
		}
		for _, op := range ops {
			var err error
			if op.Delete {
				err = buckets[op.Col].Delete(op.Key)
			} else {
				err = buckets[op.Col].Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return state_common.IOError(err, "bolt write batch of %d ops", len(ops))
	}
	return nil
}

func (d *DB) NewIterator(col record_db.Column, start, limit []byte) record_db.Iterator {
	tx, err := d.db.Begin(false)
	if err != nil {
		return &iter{err: state_common.IOError(err, "bolt begin read tx")}
	}
	return &iter{tx: tx, cursor: tx.Bucket(bucket(col)).Cursor(), start: start, limit: limit}
}

func (d *DB) Close() error {
	return errors.Wrap(d.db.Close(), "close bolt")
}

// iter holds a read transaction open until Release.
type iter struct {
	tx         *bbolt.Tx
	cursor     *bbolt.Cursor
	start      []byte
	limit      []byte
	started    bool
	done       bool
	key, value []byte
	err        error
}

func (it *iter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		if it.start == nil {
			k, v = it.cursor.First()
		} else {
			k, v = it.cursor.Seek(it.start)
		}
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil || (it.limit != nil && bytes.Compare(k, it.limit) >= 0) {
		it.done = true
		it.key, it.value = nil, nil
		return false
	}
	it.key, it.value = k, v
	return true
}

func (it *iter) Key() []byte {
	return it.key
}

func (it *iter) Value() []byte {
	return it.value
}

func (it *iter) Error() error {
	return it.err
}

func (it *iter) Release() {
	if it.tx != nil {
		it.tx.Rollback()
		it.tx = nil
	}
	it.done = true
}
