package state_db

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

// entries deleted per write batch while pruning
const pruneBatchSize = 1024

type PruneStats struct {
	Nodes  int
	Values int
	Roots  int
}

func (p PruneStats) Total() int {
	return p.Nodes + p.Values + p.Roots
}

// PruneBelow makes versions below upTo unreadable and deletes the data
// only they reference. Versions at or above upTo are unaffected. It never
// touches keys a concurrent commit writes: commits only add entries at
// the tip, while pruning only deletes entries made stale at or below upTo.
func (s *Store) PruneBelow(upTo Version) (stats PruneStats, err error) {
	defer util.LockUnlock(&s.pruneMu)()
	tip, ok := s.Tip()
	if !ok {
		return stats, errors.Wrap(state_common.ErrUnknownVersion, "nothing to prune before genesis")
	}
	if upTo > tip {
		return stats, errors.Wrapf(state_common.ErrUnknownVersion, "cannot prune up to %d past tip %d", upTo, tip)
	}
	// an interrupted run left entries below the watermark; finish them first
	if prev := s.PrunedBelow(); upTo < prev {
		upTo = prev
	}
	defer s.metrics.Timer(metric_utils.PruneDuration)()

	if upTo > s.PrunedBelow() {
		// readers must stop seeing the old versions before their nodes go away
		batch := s.db.NewBatch()
		batch.Put(record_db.ColMeta, prunedBelowKey, versionKey(upTo))
		if err = s.db.Write(batch); err != nil {
			return
		}
		s.prunedBelow.Store(upTo)
		s.metrics.Set(metric_utils.PrunedBelow, float64(upTo))
	}

	if err = s.pruneStale(upTo, &stats); err != nil {
		return
	}
	if err = s.pruneRoots(upTo, &stats); err != nil {
		return
	}
	s.metrics.Add(metric_utils.PrunedEntries, float64(stats.Total()))
	if stats.Total() == 0 {
		return
	}
	s.log.Info("pruned versions",
		zap.Uint64("below", upTo),
		zap.Int("nodes", stats.Nodes), zap.Int("values", stats.Values), zap.Int("roots", stats.Roots))
	return
}

// pruneStale deletes everything that became stale at a version <= upTo.
// The iterator is released before each write and restarted from the
// beginning, since the previous chunk is gone by then.
func (s *Store) pruneStale(upTo Version, stats *PruneStats) error {
	limit := versionKey(upTo + 1)
	for {
		var keys [][]byte
		it := s.db.NewIterator(record_db.ColStale, nil, limit)
		for len(keys) < pruneBatchSize && it.Next() {
			keys = append(keys, util.CopyBytes(it.Key()))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		batch := s.db.NewBatch()
		for _, k := range keys {
			if len(k) < 9 {
				return errors.Wrapf(state_common.ErrCorruption, "malformed stale entry %x", k)
			}
			target := k[9:]
			switch k[8] {
			case staleNode:
				batch.Delete(record_db.ColNode, target)
				if nk, err := trie.DecodeNodeKey(target); err == nil {
					s.nodeCache.Remove(nk.String())
				}
				stats.Nodes++
			case staleValue:
				batch.Delete(record_db.ColLeafValue, target)
				s.valueCache.Del(target)
				stats.Values++
			default:
				return errors.Wrapf(state_common.ErrCorruption, "stale entry of unknown kind %d", k[8])
			}
			batch.Delete(record_db.ColStale, k)
		}
		if err := s.db.Write(batch); err != nil {
			return err
		}
	}
}

func (s *Store) pruneRoots(upTo Version, stats *PruneStats) error {
	limit := versionKey(upTo)
	for {
		var keys [][]byte
		it := s.db.NewIterator(record_db.ColRoot, nil, limit)
		for len(keys) < pruneBatchSize && it.Next() {
			keys = append(keys, util.CopyBytes(it.Key()))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		batch := s.db.NewBatch()
		for _, k := range keys {
			batch.Delete(record_db.ColRoot, k)
			stats.Roots++
		}
		if err := s.db.Write(batch); err != nil {
			return err
		}
	}
}
