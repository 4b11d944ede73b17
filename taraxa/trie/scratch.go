package trie

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// RootFromScratch computes the root of the tree holding exactly kvs without
// any storage. It shares only the hashing functions with Update and serves
// as the reference the incremental tree is checked against.
func RootFromScratch(kvs map[string][]byte) common.Hash {
	leaves := make([]LeafNode, 0, len(kvs))
	for k, v := range kvs {
		leaves = append(leaves, LeafNode{KeyHash: KeyHash([]byte(k)), ValueHash: ValueHash(v)})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].KeyHash[:], leaves[j].KeyHash[:]) < 0
	})
	h, _ := scratchHash(leaves, 0)
	return h
}

func scratchHash(leaves []LeafNode, depth int) (common.Hash, bool) {
	switch len(leaves) {
	case 0:
		return EmptyRoot, false
	case 1:
		return leaves[0].Hash(), true
	}
	var (
		children [16]*common.Hash
		flags    uint16
	)
	for lo := 0; lo < len(leaves); {
		nib := nibbleAt(&leaves[lo].KeyHash, depth)
		hi := lo + 1
		for hi < len(leaves) && nibbleAt(&leaves[hi].KeyHash, depth) == nib {
			hi++
		}
		h, isLeaf := scratchHash(leaves[lo:hi], depth+1)
		children[nib] = &h
		if isLeaf {
			flags |= 1 << uint(nib)
		}
		lo = hi
	}
	return internalHash(&children, flags), false
}
