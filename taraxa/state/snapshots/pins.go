package snapshots

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

// Pin keeps version readable until the returned release func is called.
// Pins below the pruned watermark, or below a version already claimed for
// pruning, are refused.
func (m *Manager) Pin(v Version) (release func(), err error) {
	defer util.LockUnlock(&m.mu)()
	if tip, ok := m.store.Tip(); !ok || v > tip {
		return nil, errors.Wrapf(state_common.ErrUnknownVersion, "pin %d", v)
	}
	floor := m.store.PrunedBelow()
	if m.pruneFloor > floor {
		floor = m.pruneFloor
	}
	if v < floor {
		return nil, errors.Wrapf(state_common.ErrUnknownVersion, "pin %d: pruned below %d", v, floor)
	}
	m.addPinLocked(v, 1)
	var once sync.Once
	return func() {
		once.Do(func() {
			defer util.LockUnlock(&m.mu)()
			m.addPinLocked(v, -1)
		})
	}, nil
}

func (m *Manager) addPinLocked(v Version, delta int) {
	n := delta
	if cur, ok := m.pins.Get(v); ok {
		n += cur.(int)
	}
	if n <= 0 {
		m.pins.Remove(v)
	} else {
		m.pins.Put(v, n)
	}
}

// Watermark is the oldest version still needed by a live snapshot, a pin
// or the tip itself. Versions below it may be pruned.
func (m *Manager) Watermark() Version {
	defer util.RLockRUnlock(&m.mu)()
	return m.watermarkLocked()
}

// ClaimPruneTarget clamps upTo to the watermark and, in the same step,
// makes every version below the result unpinnable. The pruner calls it
// right before deleting.
func (m *Manager) ClaimPruneTarget(upTo Version) Version {
	defer util.LockUnlock(&m.mu)()
	if wm := m.watermarkLocked(); wm < upTo {
		upTo = wm
	}
	if upTo > m.pruneFloor {
		m.pruneFloor = upTo
	}
	return upTo
}

func (m *Manager) watermarkLocked() Version {
	tip, ok := m.store.Tip()
	if !ok {
		return 0
	}
	ret := tip
	if k, _ := m.pins.Min(); k != nil && k.(uint64) < ret {
		ret = k.(uint64)
	}
	for _, s := range m.live {
		if v, ok := s.parent.Version(); ok && v < ret {
			ret = v
		}
	}
	return ret
}

// Subscribe delivers every newly finalized version. Deliveries never block
// finalization, so a slow subscriber may miss versions; the latest tip is
// always available from the store.
func (m *Manager) Subscribe(buffer int) (<-chan Version, func()) {
	ch := make(chan Version, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) notify(v Version) {
	defer util.LockUnlock(&m.subsMu)()
	for ch := range m.subs {
		select {
		case ch <- v:
		default:
			m.log.Debug("subscriber lagging", zap.Uint64("version", v))
		}
	}
}
