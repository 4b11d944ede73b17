package snapshots

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

type ID uint64

type Version = state_common.Version

type State int

const (
	Open State = iota
	Finalizing
	Finalized
	// Discarded explicitly by the caller or together with a discarded ancestor.
	Discarded
	// Discarded because a competing snapshot at the same fork point finalized first.
	DiscardedStale
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	case Discarded:
		return "discarded"
	case DiscardedStale:
		return "discarded_stale"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Parent is either a finalized version or a live snapshot.
type Parent struct {
	onSnapshot bool
	snapshot   ID
	version    Version
}

func AtVersion(v Version) Parent {
	return Parent{version: v}
}

func OnSnapshot(id ID) Parent {
	return Parent{onSnapshot: true, snapshot: id}
}

func (p Parent) Snapshot() (ID, bool) {
	return p.snapshot, p.onSnapshot
}

func (p Parent) Version() (Version, bool) {
	return p.version, !p.onSnapshot
}

func (p Parent) String() string {
	if p.onSnapshot {
		return fmt.Sprintf("snapshot %d", p.snapshot)
	}
	return fmt.Sprintf("version %d", p.version)
}

type snapshot struct {
	id ID
	// parent, state and children are guarded by Manager.mu
	parent   Parent
	state    State
	children *treeset.Set

	// mu serializes writers and guards changes, root and gen
	mu      sync.RWMutex
	changes *state_common.Changeset
	root    *common.Hash

	// bumped whenever the changes of s or of an ancestor change
	gen uint64
}

func newSnapshot(id ID, parent Parent) *snapshot {
	return &snapshot{
		id:       id,
		parent:   parent,
		state:    Open,
		children: treeset.NewWith(utils.UInt64Comparator),
		changes:  state_common.NewChangeset(),
	}
}

func (s *snapshot) childIDs() []ID {
	vals := s.children.Values()
	ret := make([]ID, len(vals))
	for i, v := range vals {
		ret[i] = ID(v.(uint64))
	}
	return ret
}

// invalidateRoot drops the cached root; s.mu must be held.
func (s *snapshot) invalidateRoot() {
	s.root = nil
	s.gen++
}
