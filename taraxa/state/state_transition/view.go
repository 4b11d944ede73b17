package state_transition

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
)

// StateView is everything a transition may read. It is satisfied by a
// finalized version of the store, by a live snapshot and, inside the
// proving environment, by a witness.
type StateView interface {
	// Read returns nil for an absent key.
	Read(key []byte) ([]byte, error)
	Root() (common.Hash, error)
	// RootAfter is the root the view would have with cs applied.
	RootAfter(cs *state_common.Changeset) (common.Hash, error)
}

// StoreView reads a finalized version.
type StoreView struct {
	Store   *state_db.Store
	Version state_common.Version
}

func (v StoreView) Read(key []byte) ([]byte, error) {
	return v.Store.Read(key, v.Version)
}

func (v StoreView) Root() (common.Hash, error) {
	return v.Store.RootOf(v.Version)
}

func (v StoreView) RootAfter(cs *state_common.Changeset) (common.Hash, error) {
	return v.Store.ComputeRoot(nil, v.Version, cs)
}

// RecordingView reads a finalized version and records every tree node and
// value it touches, so the same run can be replayed from a Witness alone.
type RecordingView struct {
	store   *state_db.Store
	version state_common.Version
	root    trie.Root
	nodes   *trie.RecordingReader
	values  map[common.Hash][]byte
}

func NewRecordingView(store *state_db.Store, version state_common.Version) (*RecordingView, error) {
	root, err := store.RootAt(version)
	if err != nil {
		return nil, err
	}
	return &RecordingView{
		store:   store,
		version: version,
		root:    root,
		nodes:   trie.NewRecordingReader(store),
		values:  make(map[common.Hash][]byte),
	}, nil
}

func (v *RecordingView) Read(key []byte) ([]byte, error) {
	leaf, err := trie.Get(v.nodes, v.root, trie.KeyHash(key))
	if err != nil || leaf == nil {
		return nil, err
	}
	val, err := v.store.LeafValue(leaf)
	if err != nil {
		return nil, err
	}
	v.values[leaf.KeyHash] = val
	return val, nil
}

func (v *RecordingView) Root() (common.Hash, error) {
	return v.root.Hash, nil
}

func (v *RecordingView) RootAfter(cs *state_common.Changeset) (common.Hash, error) {
	return v.store.ComputeRoot(v.nodes, v.version, cs)
}

// Witness returns what was recorded so far.
func (v *RecordingView) Witness() *Witness {
	ret := &Witness{
		Version:  v.version,
		PrevRoot: trie.EncodeRoot(v.root),
		Nodes:    v.nodes.Nodes(),
	}
	for kh, val := range v.values {
		ret.Values = append(ret.Values, WitnessValue{kh, val})
	}
	sort.Slice(ret.Values, func(i, j int) bool {
		return ret.Values[i].KeyHash.Hex() < ret.Values[j].KeyHash.Hex()
	})
	return ret
}

// GuestView answers reads from a witness only. Every node is checked
// against the digest its parent commits to, starting from the witness root,
// and every value against its leaf.
type GuestView struct {
	version state_common.Version
	root    trie.Root
	nodes   *trie.WitnessReader
	values  map[common.Hash][]byte
}

func NewGuestView(w *Witness) (*GuestView, error) {
	root, err := trie.DecodeRoot(w.PrevRoot)
	if err != nil {
		return nil, errors.Wrapf(state_common.ErrCorruption, "witness root: %v", err)
	}
	nodes, err := trie.NewWitnessReader(w.Nodes)
	if err != nil {
		return nil, errors.Wrapf(state_common.ErrCorruption, "witness nodes: %v", err)
	}
	ret := &GuestView{
		version: w.Version,
		root:    root,
		nodes:   nodes,
		values:  make(map[common.Hash][]byte, len(w.Values)),
	}
	for _, wv := range w.Values {
		ret.values[wv.KeyHash] = wv.Value
	}
	return ret, nil
}

func (v *GuestView) Read(key []byte) ([]byte, error) {
	leaf, err := trie.Get(v.nodes, v.root, trie.KeyHash(key))
	if err != nil || leaf == nil {
		return nil, err
	}
	val, ok := v.values[leaf.KeyHash]
	if !ok {
		return nil, errors.Wrapf(state_common.ErrCorruption, "witness lacks the value of %s", leaf.KeyHash.Hex())
	}
	if trie.ValueHash(val) != leaf.ValueHash {
		return nil, errors.Wrapf(state_common.ErrCorruption, "witness value of %s does not match its leaf", leaf.KeyHash.Hex())
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (v *GuestView) Root() (common.Hash, error) {
	return v.root.Hash, nil
}

func (v *GuestView) RootAfter(cs *state_common.Changeset) (common.Hash, error) {
	res, err := trie.Update(v.nodes, v.root, v.version+1, state_db.KeyChanges(cs))
	if err != nil {
		return common.Hash{}, err
	}
	return res.Root.Hash, nil
}
