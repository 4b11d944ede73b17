//go:build rocksdb
// +build rocksdb

package record_db_rocksdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db/record_db_tests"
)

func TestRocksDB(t *testing.T) {
	record_db_tests.Run(t, func(t *testing.T) record_db.DB {
		db, err := Open(record_db.Opts{Path: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	})
}
