package snapshots

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

// View reads through a live snapshot.
type View struct {
	m  *Manager
	id ID
}

func (m *Manager) View(id ID) View {
	return View{m, id}
}

func (v View) ID() ID {
	return v.id
}

func (v View) Read(key []byte) ([]byte, error) {
	return v.m.Read(v.id, key)
}

func (v View) Root() (common.Hash, error) {
	return v.m.Root(v.id)
}

func (v View) RootAfter(cs *state_common.Changeset) (common.Hash, error) {
	return v.m.RootAfter(v.id, nil, cs)
}
