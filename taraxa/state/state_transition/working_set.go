package state_transition

import (
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

// WorkingSet buffers the writes of one batch on top of a StateView and
// journals them so a failed transaction can be undone.
type WorkingSet struct {
	view    StateView
	changes *state_common.Changeset
	reverts []func()
	err     error
}

func NewWorkingSet(view StateView) *WorkingSet {
	return &WorkingSet{view: view, changes: state_common.NewChangeset()}
}

// Get returns the current value of key or nil. A storage failure is
// remembered and fails the whole batch, whatever the executor does with it.
func (ws *WorkingSet) Get(key []byte) ([]byte, error) {
	if v, touched := ws.changes.Get(key); touched {
		return util.CopyBytes(v), nil
	}
	v, err := ws.view.Read(key)
	if err != nil && ws.err == nil {
		ws.err = err
	}
	return v, err
}

func (ws *WorkingSet) Put(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	ws.register_change(key)
	ws.changes.Put(key, value)
}

func (ws *WorkingSet) Delete(key []byte) {
	ws.register_change(key)
	ws.changes.Delete(key)
}

func (ws *WorkingSet) register_change(key []byte) {
	key = util.CopyBytes(key)
	prev, touched := ws.changes.Get(key)
	switch {
	case !touched:
		ws.reverts = append(ws.reverts, func() { ws.changes.Remove(key) })
	case prev == nil:
		ws.reverts = append(ws.reverts, func() { ws.changes.Delete(key) })
	default:
		ws.reverts = append(ws.reverts, func() { ws.changes.Put(key, prev) })
	}
}

func (ws *WorkingSet) Snapshot() int {
	return len(ws.reverts)
}

func (ws *WorkingSet) RevertToSnapshot(snapshot int) {
	for i := len(ws.reverts) - 1; i >= snapshot; i-- {
		ws.reverts[i]()
	}
	ws.reverts = ws.reverts[:snapshot]
}

// WritesSince counts the writes recorded after snapshot.
func (ws *WorkingSet) WritesSince(snapshot int) int {
	return len(ws.reverts) - snapshot
}

func (ws *WorkingSet) Err() error {
	return ws.err
}

func (ws *WorkingSet) Changeset() *state_common.Changeset {
	return ws.changes.Clone()
}
