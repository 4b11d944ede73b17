//go:build rocksdb

package main

import (
	_ "github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db_rocksdb"
)
