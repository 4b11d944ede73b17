package trie

import (
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/keccak256"
)

const (
	leafDomain     = byte(0)
	internalDomain = byte(1)
)

// EmptyRoot is the digest of a tree with no keys.
var EmptyRoot = common.Hash{}

func KeyHash(key []byte) common.Hash {
	return keccak256.Hash(key)
}

func ValueHash(value []byte) common.Hash {
	return keccak256.Hash(value)
}

// ChildRef points from an internal node to a child written at Version.
type ChildRef struct {
	Hash    common.Hash
	Version uint64
	Leaf    bool
}

// Root references the root node of one version. A zero Hash is the empty
// tree.
type Root struct {
	ChildRef
}

func (r Root) IsEmpty() bool {
	return r.Hash == EmptyRoot
}

func (r Root) ref() *ChildRef {
	if r.IsEmpty() {
		return nil
	}
	ref := r.ChildRef
	return &ref
}

type Node interface {
	Hash() common.Hash
}

type LeafNode struct {
	KeyHash      common.Hash
	ValueHash    common.Hash
	ValueVersion uint64
}

func (n *LeafNode) Hash() common.Hash {
	return leafHash(&n.KeyHash, &n.ValueHash)
}

func leafHash(keyHash, valueHash *common.Hash) common.Hash {
	h := keccak256.GetHasherFromPool()
	defer keccak256.ReturnHasherToPool(h)
	h.Write(leafDomain)
	h.WriteBytes(keyHash[:], valueHash[:])
	return h.Sum()
}

type InternalNode struct {
	Children [16]*ChildRef
}

func (n *InternalNode) Hash() common.Hash {
	var hashes [16]*common.Hash
	var leaves uint16
	for i, c := range n.Children {
		if c != nil {
			hashes[i] = &c.Hash
			if c.Leaf {
				leaves |= 1 << uint(i)
			}
		}
	}
	return internalHash(&hashes, leaves)
}

func (n *InternalNode) ChildCount() (ret int) {
	for _, c := range n.Children {
		if c != nil {
			ret++
		}
	}
	return
}

// internalHash commits to which slots are occupied, which of them hold
// leaves, and the child digests in nibble order.
func internalHash(children *[16]*common.Hash, leaves uint16) common.Hash {
	var occupied uint16
	for i, c := range children {
		if c != nil {
			occupied |= 1 << uint(i)
		}
	}
	h := keccak256.GetHasherFromPool()
	defer keccak256.ReturnHasherToPool(h)
	h.Write(internalDomain, byte(occupied>>8), byte(occupied), byte(leaves>>8), byte(leaves))
	for _, c := range children {
		if c != nil {
			h.WriteBytes(c[:])
		}
	}
	return h.Sum()
}

func popcount(b uint16) int {
	return bits.OnesCount16(b)
}
