package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

type NodeReader interface {
	// GetNode returns nil without an error when the node is absent.
	GetNode(key NodeKey) (Node, error)
}

// HashCheckingReader marks readers whose nodes come from an untrusted
// source, so every resolved node must hash to the digest its parent claims.
type HashCheckingReader interface {
	NodeReader
	ChecksHashes() bool
}

func resolve(r NodeReader, key NodeKey, ref *ChildRef) (Node, error) {
	n, err := r.GetNode(key)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errors.Wrapf(state_common.ErrCorruption, "missing node version=%d depth=%d", key.Version, len(key.Path))
	}
	if _, isLeaf := n.(*LeafNode); isLeaf != ref.Leaf {
		return nil, errors.Wrapf(state_common.ErrCorruption, "node kind mismatch version=%d depth=%d", key.Version, len(key.Path))
	}
	if c, ok := r.(HashCheckingReader); ok && c.ChecksHashes() {
		if h := n.Hash(); h != ref.Hash {
			return nil, errors.Wrapf(state_common.ErrCorruption, "node hash %s != %s", h.Hex(), ref.Hash.Hex())
		}
	}
	return n, nil
}

func resolveLeaf(r NodeReader, key NodeKey, ref *ChildRef) (*LeafNode, error) {
	n, err := resolve(r, key, ref)
	if err != nil {
		return nil, err
	}
	return n.(*LeafNode), nil
}

func resolveInternal(r NodeReader, key NodeKey, ref *ChildRef) (*InternalNode, error) {
	n, err := resolve(r, key, ref)
	if err != nil {
		return nil, err
	}
	return n.(*InternalNode), nil
}

// Get finds the leaf for keyHash under root, or nil if the key is absent.
func Get(r NodeReader, root Root, keyHash common.Hash) (*LeafNode, error) {
	var path []byte
	for ref := root.ref(); ref != nil; {
		key := NodeKey{ref.Version, path}
		if ref.Leaf {
			leaf, err := resolveLeaf(r, key, ref)
			if err != nil {
				return nil, err
			}
			if leaf.KeyHash != keyHash {
				return nil, nil
			}
			return leaf, nil
		}
		n, err := resolveInternal(r, key, ref)
		if err != nil {
			return nil, err
		}
		nib := nibbleAt(&keyHash, len(path))
		ref, path = n.Children[nib], appendNibble(path, nib)
	}
	return nil, nil
}

// ForEachLeaf visits every leaf reachable from root in key hash order,
// checking that each node hashes to the digest recorded by its parent.
func ForEachLeaf(r NodeReader, root Root, cb func(*LeafNode) error) error {
	if root.IsEmpty() {
		return nil
	}
	return forEachLeaf(r, root.ref(), nil, cb)
}

func forEachLeaf(r NodeReader, ref *ChildRef, path []byte, cb func(*LeafNode) error) error {
	key := NodeKey{ref.Version, path}
	n, err := resolve(r, key, ref)
	if err != nil {
		return err
	}
	if h := n.Hash(); h != ref.Hash {
		return errors.Wrapf(state_common.ErrCorruption,
			"node version=%d depth=%d hashes to %s, parent recorded %s", ref.Version, len(path), h.Hex(), ref.Hash.Hex())
	}
	switch n := n.(type) {
	case *LeafNode:
		if !hasPrefix(&n.KeyHash, path) {
			return errors.Wrapf(state_common.ErrCorruption, "leaf %s stored off its path", n.KeyHash.Hex())
		}
		return cb(n)
	case *InternalNode:
		for i, c := range n.Children {
			if c == nil {
				continue
			}
			if err := forEachLeaf(r, c, appendNibble(path, byte(i)), cb); err != nil {
				return err
			}
		}
	}
	return nil
}
