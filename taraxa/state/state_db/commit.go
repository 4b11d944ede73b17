package state_db

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

// KeyChanges converts a changeset into sorted trie changes.
func KeyChanges(cs *state_common.Changeset) []trie.KeyChange {
	ret := make([]trie.KeyChange, 0, cs.Len())
	cs.ForEach(func(c state_common.Change) {
		kc := trie.KeyChange{KeyHash: trie.KeyHash(c.Key), Delete: c.IsDelete()}
		if !kc.Delete {
			kc.ValueHash = trie.ValueHash(c.Value)
		}
		ret = append(ret, kc)
	})
	trie.SortChanges(ret)
	return ret
}

// Commit applies cs on top of parent, which must be the tip, as the next
// version. Either the whole version becomes durable or nothing does.
func (s *Store) Commit(parent Version, cs *state_common.Changeset) (Version, common.Hash, error) {
	defer util.LockUnlock(&s.commitMu)()
	if err := s.Halted(); err != nil {
		return 0, common.Hash{}, errors.Wrap(err, "commits halted")
	}
	tip, ok := s.Tip()
	if !ok {
		return 0, common.Hash{}, errors.Wrap(state_common.ErrOutOfOrderCommit, "store has no genesis")
	}
	if parent != tip {
		return 0, common.Hash{}, errors.Wrapf(state_common.ErrOutOfOrderCommit, "parent %d, tip %d", parent, tip)
	}
	root, err := s.RootAt(parent)
	if err != nil {
		return 0, common.Hash{}, err
	}
	return s.commit(root, tip+1, cs)
}

// InitGenesis commits cs as version 0 of an empty store.
func (s *Store) InitGenesis(cs *state_common.Changeset) (common.Hash, error) {
	defer util.LockUnlock(&s.commitMu)()
	if tip, ok := s.Tip(); ok {
		return common.Hash{}, errors.Wrapf(state_common.ErrOutOfOrderCommit, "genesis already committed, tip %d", tip)
	}
	_, root, err := s.commit(trie.Root{}, 0, cs)
	if err == nil {
		s.log.Info("initialized genesis", zap.Stringer("root", root), zap.Int("keys", cs.Len()))
	}
	return root, err
}

func (s *Store) commit(parent trie.Root, version Version, cs *state_common.Changeset) (Version, common.Hash, error) {
	defer s.metrics.Timer(metric_utils.CommitDuration)()
	batch := s.db.NewBatch()
	root, err := s.prepare(batch, parent, version, cs)
	if err != nil {
		return 0, common.Hash{}, s.readErr(version, err)
	}
	batch.Put(record_db.ColMeta, tipKey, versionKey(version))
	if err := s.db.Write(batch); err != nil {
		return 0, common.Hash{}, err
	}
	s.tipPlusOne.Store(version + 1)
	s.metrics.Inc(metric_utils.Commits)
	s.metrics.Set(metric_utils.TipVersion, float64(version))
	s.log.Debug("committed version",
		zap.Uint64("version", version), zap.Stringer("root", root.Hash), zap.Int("changes", cs.Len()))
	return version, root.Hash, nil
}

// prepare writes into batch everything version needs: leaf values, new
// nodes, the root record and the stale index entries for the pruner.
func (s *Store) prepare(batch record_db.Batch, parent trie.Root, version Version, cs *state_common.Changeset) (trie.Root, error) {
	res, err := trie.Update(s, parent, version, KeyChanges(cs))
	if err != nil {
		return trie.Root{}, err
	}
	cs.ForEach(func(c state_common.Change) {
		if !c.IsDelete() {
			batch.Put(record_db.ColLeafValue, ValueKey(trie.KeyHash(c.Key), version), c.Value)
		}
	})
	for _, w := range res.Nodes {
		batch.Put(record_db.ColNode, w.Key.Encode(), trie.EncodeNode(w.Node))
	}
	for _, k := range res.StaleNodes {
		batch.Put(record_db.ColStale, staleNodeKey(version, k), []byte{})
	}
	for _, k := range res.StaleValues {
		batch.Put(record_db.ColStale, staleValueKey(version, k), []byte{})
	}
	batch.Put(record_db.ColRoot, versionKey(version), trie.EncodeRoot(res.Root))
	return res.Root, nil
}

// ComputeRoot returns the root cs would produce on top of parent without
// persisting anything. Node reads go through r when it is not nil, which
// lets callers record the nodes the update touches.
func (s *Store) ComputeRoot(r trie.NodeReader, parent Version, cs *state_common.Changeset) (common.Hash, error) {
	root, err := s.RootAt(parent)
	if err != nil {
		return common.Hash{}, err
	}
	if r == nil {
		r = s
	}
	res, err := trie.Update(r, root, parent+1, KeyChanges(cs))
	if err != nil {
		return common.Hash{}, s.readErr(parent, err)
	}
	return res.Root.Hash, nil
}
