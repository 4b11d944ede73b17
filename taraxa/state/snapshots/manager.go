package snapshots

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

type Opts struct {
	// how many retired snapshot ids keep a precise error classification
	RetiredIDsToRemember int
	Log                  *zap.Logger
	Metrics              *metric_utils.Metrics
}

// Manager owns the forest of uncommitted snapshots and is the only
// component that advances the finalized tip of the store.
type Manager struct {
	store   *state_db.Store
	log     *zap.Logger
	metrics *metric_utils.Metrics

	// finalizeMu is the single global ordering point around the tip
	finalizeMu sync.Mutex

	// mu guards the forest structure: ids, parents, states, children, pins
	mu      sync.RWMutex
	nextID  ID
	live    map[ID]*snapshot
	retired *lru.Cache
	pins    *treemap.Map

	// versions below pruneFloor are claimed by the pruner and cannot be pinned
	pruneFloor Version

	subsMu sync.Mutex
	subs   map[chan Version]struct{}
}

func NewManager(store *state_db.Store, opts Opts) (*Manager, error) {
	if opts.RetiredIDsToRemember <= 0 {
		opts.RetiredIDsToRemember = 4096
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	retired, err := lru.New(opts.RetiredIDsToRemember)
	if err != nil {
		return nil, errors.Wrap(err, "retired id cache")
	}
	return &Manager{
		store:   store,
		log:     opts.Log.Named("snapshots"),
		metrics: opts.Metrics,
		nextID:  1,
		live:    make(map[ID]*snapshot),
		retired: retired,
		pins:    treemap.NewWith(utils.UInt64Comparator),
		subs:    make(map[chan Version]struct{}),
	}, nil
}

func (m *Manager) Store() *state_db.Store {
	return m.store
}

// NewSnapshot forks a snapshot from the finalized tip or from a live
// snapshot.
func (m *Manager) NewSnapshot(parent Parent) (ID, error) {
	defer util.LockUnlock(&m.mu)()
	if pid, ok := parent.Snapshot(); ok {
		p, err := m.liveLocked(pid)
		if err != nil {
			return 0, errors.Wrapf(state_common.ErrUnknownParent, "%s: %v", parent, err)
		}
		if p.state != Open {
			return 0, errors.Wrapf(state_common.ErrUnknownParent, "%s is %s", parent, p.state)
		}
	} else {
		v, _ := parent.Version()
		if tip, ok := m.store.Tip(); !ok || v != tip {
			return 0, errors.Wrapf(state_common.ErrUnknownParent, "%s is not the finalized tip", parent)
		}
	}
	id := m.nextID
	m.nextID++
	m.live[id] = newSnapshot(id, parent)
	if pid, ok := parent.Snapshot(); ok {
		m.live[pid].children.Add(uint64(id))
	}
	m.metrics.Set(metric_utils.LiveSnapshots, float64(len(m.live)))
	m.log.Debug("new snapshot", zap.Uint64("id", uint64(id)), zap.Stringer("parent", parent))
	return id, nil
}

// liveLocked classifies id; m.mu must be held.
func (m *Manager) liveLocked(id ID) (*snapshot, error) {
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	if st, ok := m.retired.Get(id); ok {
		if st.(State) == DiscardedStale {
			return nil, errors.Wrapf(state_common.ErrStaleSnapshot, "snapshot %d", id)
		}
		return nil, errors.Wrapf(state_common.ErrSnapshotFinalizedOrDiscarded, "snapshot %d is %s", id, st.(State))
	}
	if id == 0 || id >= m.nextID {
		return nil, errors.Wrapf(state_common.ErrUnknownParent, "snapshot %d was never created", id)
	}
	return nil, errors.Wrapf(state_common.ErrSnapshotFinalizedOrDiscarded, "snapshot %d is retired", id)
}

// chainLocked returns s followed by its ancestors, nearest first, and the
// finalized version the chain forks from; m.mu must be held.
func (m *Manager) chainLocked(s *snapshot) (chain []*snapshot, fork Version) {
	for {
		chain = append(chain, s)
		pid, ok := s.parent.Snapshot()
		if !ok {
			fork, _ = s.parent.Version()
			return
		}
		s = m.live[pid]
	}
}

func (m *Manager) State(id ID) (State, error) {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		if st, ok := m.retired.Get(id); ok {
			return st.(State), nil
		}
		return 0, err
	}
	return s.state, nil
}

// Parent reports what id currently builds on. It changes when an ancestor
// is finalized.
func (m *Manager) Parent(id ID) (Parent, error) {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return Parent{}, err
	}
	return s.parent, nil
}

// Read looks key up in the snapshot, then in each ancestor, then in the
// finalized store at the fork version. Nil means absent.
func (m *Manager) Read(id ID, key []byte) ([]byte, error) {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return nil, err
	}
	chain, fork := m.chainLocked(s)
	for _, c := range chain {
		c.mu.RLock()
		v, touched := c.changes.Get(key)
		c.mu.RUnlock()
		if touched {
			return util.CopyBytes(v), nil
		}
	}
	return m.store.Read(key, fork)
}

func (m *Manager) Write(id ID, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return m.mutate(id, func(cs *state_common.Changeset) {
		cs.Put(key, value)
	})
}

func (m *Manager) Delete(id ID, key []byte) error {
	return m.mutate(id, func(cs *state_common.Changeset) {
		cs.Delete(key)
	})
}

// WriteChangeset overlays a whole changeset, e.g. the output of a state
// transition, onto the snapshot.
func (m *Manager) WriteChangeset(id ID, changes *state_common.Changeset) error {
	return m.mutate(id, func(cs *state_common.Changeset) {
		cs.Merge(changes)
	})
}

func (m *Manager) mutate(id ID, f func(*state_common.Changeset)) error {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	if s.state != Open {
		return errors.Wrapf(state_common.ErrSnapshotFinalizedOrDiscarded, "snapshot %d is %s", id, s.state)
	}
	s.mu.Lock()
	f(s.changes)
	s.invalidateRoot()
	s.mu.Unlock()
	m.invalidateDescendantsLocked(s)
	return nil
}

func (m *Manager) invalidateDescendantsLocked(s *snapshot) {
	for _, cid := range s.childIDs() {
		if c, ok := m.live[cid]; ok {
			c.mu.Lock()
			c.invalidateRoot()
			c.mu.Unlock()
			m.invalidateDescendantsLocked(c)
		}
	}
}

// flatten merges the changesets of chain oldest first.
func flatten(chain []*snapshot, extra *state_common.Changeset) *state_common.Changeset {
	ret := state_common.NewChangeset()
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		c.mu.RLock()
		ret.Merge(c.changes)
		c.mu.RUnlock()
	}
	if extra != nil {
		ret.Merge(extra)
	}
	return ret
}

// Root is the root the snapshot would have if finalized now.
func (m *Manager) Root(id ID) (common.Hash, error) {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.RLock()
	cached, gen := s.root, s.gen
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	chain, fork := m.chainLocked(s)
	root, err := m.store.ComputeRoot(nil, fork, flatten(chain, nil))
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	// a write to s or an ancestor during the computation bumps gen
	if s.gen == gen {
		s.root = &root
	}
	s.mu.Unlock()
	return root, nil
}

// RootAfter is the root the snapshot would have with extra applied on top,
// node reads going through r when it is not nil.
func (m *Manager) RootAfter(id ID, r trie.NodeReader, extra *state_common.Changeset) (common.Hash, error) {
	defer util.RLockRUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return common.Hash{}, err
	}
	chain, fork := m.chainLocked(s)
	return m.store.ComputeRoot(r, fork, flatten(chain, extra))
}

// Finalize commits the snapshot, merged with its unfinalized ancestors, as
// the next version. The first snapshot to finalize at a fork point wins:
// every other snapshot forked there is discarded, and snapshots built on
// the winner are re-parented onto the new version.
func (m *Manager) Finalize(id ID) (Version, common.Hash, error) {
	defer util.LockUnlock(&m.finalizeMu)()

	m.mu.Lock()
	s, err := m.liveLocked(id)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, state_common.ErrStaleSnapshot) {
			m.metrics.Inc(metric_utils.StaleFinalizations)
		}
		return 0, common.Hash{}, err
	}
	if s.state != Open {
		m.mu.Unlock()
		return 0, common.Hash{}, errors.Wrapf(state_common.ErrSnapshotFinalizedOrDiscarded, "snapshot %d is %s", id, s.state)
	}
	chain, fork := m.chainLocked(s)
	if tip, _ := m.store.Tip(); fork != tip {
		m.mu.Unlock()
		m.metrics.Inc(metric_utils.StaleFinalizations)
		return 0, common.Hash{}, errors.Wrapf(state_common.ErrStaleSnapshot, "snapshot %d forks from %d, tip is %d", id, fork, tip)
	}
	for _, c := range chain {
		c.state = Finalizing
	}
	m.mu.Unlock()

	merged := flatten(chain, nil)
	version, root, err := m.store.Commit(fork, merged)

	defer util.LockUnlock(&m.mu)()
	if err != nil {
		for _, c := range chain {
			c.state = Open
		}
		if errors.Is(err, state_common.ErrOutOfOrderCommit) {
			err = errors.Wrapf(state_common.ErrStaleSnapshot, "snapshot %d: %v", id, err)
		}
		m.log.Warn("finalize failed", zap.Uint64("id", uint64(id)), zap.Error(err))
		return 0, common.Hash{}, err
	}
	inChain := make(map[ID]bool, len(chain))
	for _, c := range chain {
		inChain[c.id] = true
	}
	for _, cid := range s.childIDs() {
		if c, ok := m.live[cid]; ok {
			c.parent = AtVersion(version)
			s.children.Remove(uint64(cid))
		}
	}
	var losers []*snapshot
	for oid, other := range m.live {
		if inChain[oid] {
			continue
		}
		if _, otherFork := m.chainLocked(other); otherFork == fork {
			losers = append(losers, other)
		}
	}
	for _, c := range chain {
		m.retireLocked(c, Finalized)
	}
	discarded := 0
	for _, l := range losers {
		discarded += m.discardLocked(l, DiscardedStale)
	}
	m.metrics.Inc(metric_utils.Finalizations)
	m.metrics.Add(metric_utils.Discards, float64(discarded))
	m.metrics.Set(metric_utils.LiveSnapshots, float64(len(m.live)))
	m.log.Info("finalized snapshot",
		zap.Uint64("id", uint64(id)), zap.Uint64("version", version), zap.Stringer("root", root),
		zap.Int("changes", merged.Len()), zap.Int("discarded", discarded))
	m.notify(version)
	return version, root, nil
}

func (m *Manager) retireLocked(s *snapshot, st State) {
	s.state = st
	delete(m.live, s.id)
	m.retired.Add(s.id, st)
	if pid, ok := s.parent.Snapshot(); ok {
		if p, ok := m.live[pid]; ok {
			p.children.Remove(uint64(s.id))
		}
	}
	s.mu.Lock()
	s.changes, s.root = nil, nil
	s.mu.Unlock()
}

// discardLocked retires s and all of its descendants.
func (m *Manager) discardLocked(s *snapshot, st State) (count int) {
	if _, ok := m.live[s.id]; !ok {
		return 0
	}
	for _, cid := range s.childIDs() {
		if c, ok := m.live[cid]; ok {
			count += m.discardLocked(c, st)
		}
	}
	m.retireLocked(s, st)
	return count + 1
}

// Discard abandons the snapshot and every snapshot built on it.
func (m *Manager) Discard(id ID) error {
	defer util.LockUnlock(&m.mu)()
	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	if s.state != Open {
		return errors.Wrapf(state_common.ErrSnapshotFinalizedOrDiscarded, "snapshot %d is %s", id, s.state)
	}
	n := m.discardLocked(s, Discarded)
	m.metrics.Add(metric_utils.Discards, float64(n))
	m.metrics.Set(metric_utils.LiveSnapshots, float64(len(m.live)))
	m.log.Debug("discarded snapshot", zap.Uint64("id", uint64(id)), zap.Int("count", n))
	return nil
}

// Live lists the ids of open snapshots in ascending order.
func (m *Manager) Live() []ID {
	defer util.RLockRUnlock(&m.mu)()
	ids := treemap.NewWith(utils.UInt64Comparator)
	for id := range m.live {
		ids.Put(uint64(id), nil)
	}
	ret := make([]ID, 0, ids.Size())
	for _, k := range ids.Keys() {
		ret = append(ret, ID(k.(uint64)))
	}
	return ret
}
