package trie

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// KeyChange sets keyHash to a value with digest ValueHash, or deletes it.
type KeyChange struct {
	KeyHash   common.Hash
	ValueHash common.Hash
	Delete    bool
}

func SortChanges(changes []KeyChange) {
	sort.Slice(changes, func(i, j int) bool {
		return bytes.Compare(changes[i].KeyHash[:], changes[j].KeyHash[:]) < 0
	})
}

type NodeWrite struct {
	Key  NodeKey
	Node Node
}

// ValueKey addresses a stored leaf value.
type ValueKey struct {
	KeyHash common.Hash
	Version uint64
}

type UpdateResult struct {
	Root Root
	// nodes to persist, all written at the update version
	Nodes []NodeWrite
	// nodes of the previous tree that the new tree no longer references
	StaleNodes []NodeKey
	// leaf values overwritten or deleted by the update
	StaleValues []ValueKey
}

// Update applies changes to the tree under root and produces the tree for
// version. Changes must be sorted by key hash without duplicates. Only the
// nodes on touched paths are rewritten; every other subtree is shared with
// the previous version.
func Update(r NodeReader, root Root, version uint64, changes []KeyChange) (*UpdateResult, error) {
	for i := 1; i < len(changes); i++ {
		if bytes.Compare(changes[i-1].KeyHash[:], changes[i].KeyHash[:]) >= 0 {
			return nil, errors.New("changes are not sorted or contain duplicates")
		}
	}
	u := updater{r: r, version: version, res: new(UpdateResult)}
	st, err := u.update(nil, root.ref(), changes)
	if err != nil {
		return nil, err
	}
	ref, err := u.place(nil, st)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		u.res.Root = Root{*ref}
	}
	return u.res, nil
}

type updater struct {
	r       NodeReader
	version uint64
	res     *UpdateResult
}

// subtree is an updated subtree whose final position is not decided yet.
// Leaves float: when a subtree shrinks to a single leaf, that leaf moves
// up to the shallowest position where it is unique.
type subtree struct {
	ref  *ChildRef
	leaf *LeafNode
	// where ref currently lives, when it is already persisted
	at      *NodeKey
	changed bool
}

func (u *updater) stale(key NodeKey) {
	u.res.StaleNodes = append(u.res.StaleNodes, key)
}

func (u *updater) write(path []byte, n Node) *ChildRef {
	key := NodeKey{u.version, path}
	u.res.Nodes = append(u.res.Nodes, NodeWrite{key, n})
	_, isLeaf := n.(*LeafNode)
	return &ChildRef{n.Hash(), u.version, isLeaf}
}

// place persists st at path if it is not already stored there.
func (u *updater) place(path []byte, st subtree) (*ChildRef, error) {
	if st.ref == nil {
		return nil, nil
	}
	if !st.ref.Leaf || (st.at != nil && len(st.at.Path) == len(path)) {
		return st.ref, nil
	}
	leaf, err := u.loadLeaf(st)
	if err != nil {
		return nil, err
	}
	if st.at != nil {
		u.stale(*st.at)
	}
	return u.write(path, leaf), nil
}

func (u *updater) loadLeaf(st subtree) (*LeafNode, error) {
	if st.leaf != nil {
		return st.leaf, nil
	}
	return resolveLeaf(u.r, *st.at, st.ref)
}

func (u *updater) update(path []byte, ref *ChildRef, changes []KeyChange) (subtree, error) {
	if ref == nil {
		leaves := u.newLeaves(changes)
		if len(leaves) == 0 {
			return subtree{}, nil
		}
		return u.build(path, leaves)
	}
	key := NodeKey{ref.Version, path}
	unchanged := subtree{ref: ref, at: &key}
	if len(changes) == 0 {
		return unchanged, nil
	}
	if ref.Leaf {
		leaf, err := resolveLeaf(u.r, key, ref)
		if err != nil {
			return subtree{}, err
		}
		leaves, touched := u.mergeLeaf(leaf, changes)
		if !touched {
			return unchanged, nil
		}
		u.stale(key)
		return u.build(path, leaves)
	}
	n, err := resolveInternal(u.r, key, ref)
	if err != nil {
		return subtree{}, err
	}
	var children [16]subtree
	changed := false
	depth := len(path)
	for i, c := range n.Children {
		if c != nil {
			childKey := NodeKey{c.Version, appendNibble(path, byte(i))}
			children[i] = subtree{ref: c, at: &childKey}
		}
	}
	for lo := 0; lo < len(changes); {
		nib := nibbleAt(&changes[lo].KeyHash, depth)
		hi := lo + 1
		for hi < len(changes) && nibbleAt(&changes[hi].KeyHash, depth) == nib {
			hi++
		}
		st, err := u.update(appendNibble(path, nib), n.Children[nib], changes[lo:hi])
		if err != nil {
			return subtree{}, err
		}
		if st.changed {
			children[nib], changed = st, true
		}
		lo = hi
	}
	if !changed {
		return unchanged, nil
	}
	u.stale(key)
	return u.join(path, &children)
}

// join builds the node at path from its updated children.
func (u *updater) join(path []byte, children *[16]subtree) (subtree, error) {
	count, last := 0, 0
	for i := range children {
		if children[i].ref != nil {
			count, last = count+1, i
		}
	}
	switch {
	case count == 0:
		return subtree{changed: true}, nil
	case count == 1 && children[last].ref.Leaf:
		st := children[last]
		st.changed = true
		return st, nil
	}
	n := new(InternalNode)
	for i := range children {
		ref, err := u.place(appendNibble(path, byte(i)), children[i])
		if err != nil {
			return subtree{}, err
		}
		n.Children[i] = ref
	}
	return subtree{ref: u.write(path, n), changed: true}, nil
}

// build creates a fresh subtree holding exactly leaves, which must be
// sorted by key hash.
func (u *updater) build(path []byte, leaves []*LeafNode) (subtree, error) {
	switch len(leaves) {
	case 0:
		return subtree{changed: true}, nil
	case 1:
		l := leaves[0]
		return subtree{ref: &ChildRef{Hash: l.Hash(), Version: u.version, Leaf: true}, leaf: l, changed: true}, nil
	}
	var children [16]subtree
	depth := len(path)
	for lo := 0; lo < len(leaves); {
		nib := nibbleAt(&leaves[lo].KeyHash, depth)
		hi := lo + 1
		for hi < len(leaves) && nibbleAt(&leaves[hi].KeyHash, depth) == nib {
			hi++
		}
		st, err := u.build(appendNibble(path, nib), leaves[lo:hi])
		if err != nil {
			return subtree{}, err
		}
		children[nib] = st
		lo = hi
	}
	return u.join(path, &children)
}

func (u *updater) newLeaves(changes []KeyChange) (ret []*LeafNode) {
	for i := range changes {
		if c := &changes[i]; !c.Delete {
			ret = append(ret, &LeafNode{c.KeyHash, c.ValueHash, u.version})
		}
	}
	return
}

// mergeLeaf combines an existing leaf with changes below its position.
// touched is false when none of the changes affect the subtree.
func (u *updater) mergeLeaf(existing *LeafNode, changes []KeyChange) (leaves []*LeafNode, touched bool) {
	keep := true
	for i := range changes {
		c := &changes[i]
		if c.KeyHash == existing.KeyHash {
			keep, touched = false, true
			u.res.StaleValues = append(u.res.StaleValues, ValueKey{existing.KeyHash, existing.ValueVersion})
			if !c.Delete {
				leaves = append(leaves, &LeafNode{c.KeyHash, c.ValueHash, u.version})
			}
			continue
		}
		if !c.Delete {
			touched = true
			leaves = append(leaves, &LeafNode{c.KeyHash, c.ValueHash, u.version})
		}
	}
	if keep {
		leaves = append(leaves, existing)
		sort.Slice(leaves, func(i, j int) bool {
			return bytes.Compare(leaves[i].KeyHash[:], leaves[j].KeyHash[:]) < 0
		})
	}
	return
}
