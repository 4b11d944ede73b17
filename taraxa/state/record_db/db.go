package record_db

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Column partitions the keyspace. Each column is an independent ordered
// namespace.
type Column = byte

const (
	// leaf values keyed by keccak256(key) ++ BE64(version)
	ColLeafValue Column = iota
	// merkle nodes keyed by BE64(version) ++ path
	ColNode
	// root reference per version
	ColRoot
	// nodes and values superseded at a version, keyed by BE64(version) first
	ColStale
	// tip pointer and pruning watermarks
	ColMeta
	ColCount
)

var columnNames = [ColCount]string{"leaf_value", "node", "root", "stale", "meta"}

func ColumnName(col Column) string {
	return columnNames[col]
}

type Reader interface {
	// Get returns nil without an error when the key is absent.
	Get(col Column, key []byte) ([]byte, error)
}

type DB interface {
	Reader
	NewBatch() Batch
	// Write applies every operation of the batch or none of them.
	Write(Batch) error
	// NewIterator iterates col over [start, limit) in ascending key order.
	// A nil limit means the end of the column.
	NewIterator(col Column, start, limit []byte) Iterator
	Close() error
}

type Batch interface {
	Put(col Column, key, value []byte)
	Delete(col Column, key []byte)
	Len() int
	Reset()
}

// Iterator follows the goleveldb convention: call Next before the first
// Key, check Error once Next returns false, always Release.
// Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

type Opts struct {
	Path       string
	SyncWrites bool
	// InMemory is honored by backends that can run without a directory.
	InMemory bool
}

type Opener = func(Opts) (DB, error)

var (
	registry   = map[string]Opener{}
	registryMu sync.RWMutex
)

func Register(backend string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[backend]; dup {
		panic("record_db backend registered twice: " + backend)
	}
	registry[backend] = open
}

func Open(backend string, opts Opts) (DB, error) {
	registryMu.RLock()
	open, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown record_db backend %q (available: %v)", backend, Backends())
	}
	return open(opts)
}

func Backends() (ret []string) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for name := range registry {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return
}
