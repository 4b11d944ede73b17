package state_db

import (
	"sync"

	"github.com/coocood/freecache"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

type Version = state_common.Version

type Opts struct {
	// decoded nodes kept in memory
	NodeCacheSize int
	// bytes of leaf values kept in memory
	ValueCacheBytes int
	Log             *zap.Logger
	Metrics         *metric_utils.Metrics
}

const (
	DefaultNodeCacheSize   = 1 << 16
	DefaultValueCacheBytes = 32 << 20
)

// Store is the versioned authenticated key-value map. Every finalized
// version has its own root; nodes are written once and shared by all
// versions that reference them, so reads of finalized versions need no
// locks.
type Store struct {
	db         record_db.DB
	log        *zap.Logger
	metrics    *metric_utils.Metrics
	nodeCache  *lru.Cache
	valueCache *freecache.Cache
	// tip+1, zero before genesis
	tipPlusOne  *atomic.Uint64
	prunedBelow *atomic.Uint64
	halted      *atomic.Error
	commitMu    sync.Mutex
	pruneMu     sync.Mutex
}

func Open(db record_db.DB, opts Opts) (*Store, error) {
	if opts.NodeCacheSize <= 0 {
		opts.NodeCacheSize = DefaultNodeCacheSize
	}
	if opts.ValueCacheBytes <= 0 {
		opts.ValueCacheBytes = DefaultValueCacheBytes
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	nodeCache, err := lru.New(opts.NodeCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "node cache")
	}
	s := &Store{
		db:          db,
		log:         opts.Log.Named("state_db"),
		metrics:     opts.Metrics,
		nodeCache:   nodeCache,
		valueCache:  freecache.NewCache(opts.ValueCacheBytes),
		tipPlusOne:  atomic.NewUint64(0),
		prunedBelow: atomic.NewUint64(0),
		halted:      atomic.NewError(nil),
	}
	if tip, err := db.Get(record_db.ColMeta, tipKey); err != nil {
		return nil, err
	} else if tip != nil {
		s.tipPlusOne.Store(util.DEC_b_endian_64(tip) + 1)
	}
	if pb, err := db.Get(record_db.ColMeta, prunedBelowKey); err != nil {
		return nil, err
	} else if pb != nil {
		s.prunedBelow.Store(util.DEC_b_endian_64(pb))
	}
	if tip, ok := s.Tip(); ok {
		s.metrics.Set(metric_utils.TipVersion, float64(tip))
		s.log.Info("opened state store", zap.Uint64("tip", tip), zap.Uint64("pruned_below", s.PrunedBelow()))
	} else {
		s.log.Info("opened empty state store")
	}
	return s, nil
}

// Tip returns the latest finalized version; ok is false before genesis.
func (s *Store) Tip() (tip Version, ok bool) {
	if t := s.tipPlusOne.Load(); t != 0 {
		return t - 1, true
	}
	return 0, false
}

// PrunedBelow is the oldest version still readable.
func (s *Store) PrunedBelow() Version {
	return s.prunedBelow.Load()
}

// Halted returns the corruption that stopped commits, if any.
func (s *Store) Halted() error {
	return s.halted.Load()
}

func (s *Store) corrupt(err error) error {
	if s.halted.Load() == nil {
		s.halted.Store(err)
		s.log.Error("state corruption detected, commits halted until resync", zap.Error(err))
	}
	return err
}

func (s *Store) checkVersion(v Version) error {
	tip, ok := s.Tip()
	if !ok || v > tip {
		return errors.Wrapf(state_common.ErrUnknownVersion, "version %d is not finalized", v)
	}
	if pb := s.PrunedBelow(); v < pb {
		return errors.Wrapf(state_common.ErrUnknownVersion, "version %d is pruned (oldest is %d)", v, pb)
	}
	return nil
}

// readErr turns failures caused by a prune racing with the read into
// ErrUnknownVersion and halts on real corruption.
func (s *Store) readErr(v Version, err error) error {
	if errors.Is(err, state_common.ErrCorruption) {
		if v < s.PrunedBelow() {
			return errors.Wrapf(state_common.ErrUnknownVersion, "version %d pruned during read", v)
		}
		return s.corrupt(err)
	}
	return err
}

// RootAt returns the root reference of a finalized version.
func (s *Store) RootAt(v Version) (trie.Root, error) {
	if err := s.checkVersion(v); err != nil {
		return trie.Root{}, err
	}
	enc, err := s.db.Get(record_db.ColRoot, versionKey(v))
	if err != nil {
		return trie.Root{}, err
	}
	if enc == nil {
		if v < s.PrunedBelow() {
			return trie.Root{}, errors.Wrapf(state_common.ErrUnknownVersion, "version %d pruned during read", v)
		}
		return trie.Root{}, s.corrupt(errors.Wrapf(state_common.ErrCorruption, "no root record for version %d", v))
	}
	root, err := trie.DecodeRoot(enc)
	if err != nil {
		return trie.Root{}, s.corrupt(errors.Wrapf(state_common.ErrCorruption, "root of version %d: %v", v, err))
	}
	return root, nil
}

func (s *Store) RootOf(v Version) (common.Hash, error) {
	root, err := s.RootAt(v)
	return root.Hash, err
}

// GetNode serves trie walks from the node column through the node cache.
func (s *Store) GetNode(key trie.NodeKey) (trie.Node, error) {
	ck := key.String()
	if n, ok := s.nodeCache.Get(ck); ok {
		return n.(trie.Node), nil
	}
	enc, err := s.db.Get(record_db.ColNode, key.Encode())
	if err != nil || enc == nil {
		return nil, err
	}
	n, err := trie.DecodeNode(enc)
	if err != nil {
		return nil, errors.Wrapf(state_common.ErrCorruption, "node version=%d depth=%d: %v", key.Version, len(key.Path), err)
	}
	s.nodeCache.Add(ck, n)
	return n, nil
}

// LeafValue loads the value a leaf commits to and checks it against the
// leaf's value hash.
func (s *Store) LeafValue(leaf *trie.LeafNode) ([]byte, error) {
	key := ValueKey(leaf.KeyHash, leaf.ValueVersion)
	v, err := s.valueCache.Get(key)
	if err != nil {
		if v, err = s.db.Get(record_db.ColLeafValue, key); err != nil {
			return nil, err
		}
		if v == nil {
			v = []byte{}
		}
		if trie.ValueHash(v) != leaf.ValueHash {
			return nil, errors.Wrapf(state_common.ErrCorruption,
				"value of %s at version %d does not match its leaf", leaf.KeyHash.Hex(), leaf.ValueVersion)
		}
		s.valueCache.Set(key, v, 0)
	}
	return v, nil
}

// Read returns the value of key at version v, or nil if the key is absent.
func (s *Store) Read(key []byte, v Version) ([]byte, error) {
	root, err := s.RootAt(v)
	if err != nil {
		return nil, err
	}
	leaf, err := trie.Get(s, root, trie.KeyHash(key))
	if err != nil {
		return nil, s.readErr(v, err)
	}
	if leaf == nil {
		return nil, nil
	}
	val, err := s.LeafValue(leaf)
	if err != nil {
		return nil, s.readErr(v, err)
	}
	return val, nil
}

// Prove returns the value of key at version v together with a proof of it
// (or of its absence when the value is nil) against RootOf(v).
func (s *Store) Prove(key []byte, v Version) ([]byte, *trie.Proof, error) {
	root, err := s.RootAt(v)
	if err != nil {
		return nil, nil, err
	}
	keyHash := trie.KeyHash(key)
	proof, leaf, err := trie.Prove(s, root, keyHash)
	if err != nil {
		return nil, nil, s.readErr(v, err)
	}
	var val []byte
	if leaf != nil {
		if val, err = s.LeafValue(leaf); err != nil {
			return nil, nil, s.readErr(v, err)
		}
	}
	if err := trie.VerifyHashedProof(root.Hash, keyHash, val, proof); err != nil {
		return nil, nil, s.readErr(v, errors.Wrapf(state_common.ErrCorruption, "proof self-check at version %d: %v", v, err))
	}
	return val, proof, nil
}

// VerifyVersion recomputes every node hash reachable from the root of v
// and checks every leaf value. Returns the number of keys.
func (s *Store) VerifyVersion(v Version) (count int, err error) {
	root, err := s.RootAt(v)
	if err != nil {
		return 0, err
	}
	err = trie.ForEachLeaf(s, root, func(leaf *trie.LeafNode) error {
		count++
		_, err := s.LeafValue(leaf)
		return err
	})
	if err != nil {
		return 0, s.readErr(v, err)
	}
	return count, nil
}

// Versions lists the versions whose roots are still stored.
func (s *Store) Versions() (ret []Version, err error) {
	it := s.db.NewIterator(record_db.ColRoot, nil, nil)
	defer it.Release()
	for it.Next() {
		ret = append(ret, util.DEC_b_endian_64(it.Key()))
	}
	return ret, it.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}
