// Package record_db_tests holds the behavioral checks every record_db
// backend must pass.
package record_db_tests

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
)

func Run(t *testing.T, open func(t *testing.T) record_db.DB) {
	t.Run("get_absent", func(t *testing.T) {
		db := open(t)
		v, err := db.Get(record_db.ColMeta, []byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
	t.Run("batch_is_applied_in_order", func(t *testing.T) {
		db := open(t)
		b := db.NewBatch()
		b.Put(record_db.ColNode, []byte("k"), []byte("v1"))
		b.Put(record_db.ColNode, []byte("k"), []byte("v2"))
		b.Put(record_db.ColNode, []byte("gone"), []byte("x"))
		b.Delete(record_db.ColNode, []byte("gone"))
		require.Equal(t, 4, b.Len())
		require.NoError(t, db.Write(b))
		v, err := db.Get(record_db.ColNode, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
		v, err = db.Get(record_db.ColNode, []byte("gone"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
	t.Run("columns_are_isolated", func(t *testing.T) {
		db := open(t)
		b := db.NewBatch()
		b.Put(record_db.ColNode, []byte("k"), []byte("node"))
		b.Put(record_db.ColRoot, []byte("k"), []byte("root"))
		require.NoError(t, db.Write(b))
		v, err := db.Get(record_db.ColRoot, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("root"), v)
		v, err = db.Get(record_db.ColLeafValue, []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Equal(t, []string{"k"}, collect(t, db, record_db.ColNode, nil, nil))
	})
	t.Run("iterate_range_and_restart", func(t *testing.T) {
		db := open(t)
		b := db.NewBatch()
		for i := 0; i < 10; i++ {
			b.Put(record_db.ColStale, []byte(fmt.Sprintf("key%02d", i)), []byte{byte(i)})
		}
		b.Put(record_db.ColMeta, []byte("key05"), []byte("other column"))
		require.NoError(t, db.Write(b))
		assert.Equal(t,
			[]string{"key03", "key04", "key05", "key06"},
			collect(t, db, record_db.ColStale, []byte("key03"), []byte("key07")))
		all := collect(t, db, record_db.ColStale, nil, nil)
		require.Len(t, all, 10)
		assert.Equal(t, all[8:], collect(t, db, record_db.ColStale, []byte("key08"), nil))
		assert.Empty(t, collect(t, db, record_db.ColStale, []byte("key99"), nil))
	})
	t.Run("reset_batch", func(t *testing.T) {
		db := open(t)
		b := db.NewBatch()
		b.Put(record_db.ColMeta, []byte("k"), []byte("v"))
		b.Reset()
		require.Equal(t, 0, b.Len())
		require.NoError(t, db.Write(b))
		v, err := db.Get(record_db.ColMeta, []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func collect(t *testing.T, db record_db.DB, col record_db.Column, start, limit []byte) (keys []string) {
	it := db.NewIterator(col, start, limit)
	defer it.Release()
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	return
}
