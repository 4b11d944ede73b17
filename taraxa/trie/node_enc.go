package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/asserts"
)

const (
	tagLeaf     = byte(0)
	tagInternal = byte(1)
)

type encLeaf struct {
	KeyHash      common.Hash
	ValueHash    common.Hash
	ValueVersion uint64
}

type encChild struct {
	Index   uint8
	Hash    common.Hash
	Version uint64
	Leaf    bool
}

type encInternal struct {
	Children []encChild
}

func EncodeNode(n Node) []byte {
	var (
		tag byte
		val interface{}
	)
	switch n := n.(type) {
	case *LeafNode:
		tag, val = tagLeaf, encLeaf{n.KeyHash, n.ValueHash, n.ValueVersion}
	case *InternalNode:
		enc := encInternal{Children: make([]encChild, 0, 16)}
		for i, c := range n.Children {
			if c != nil {
				enc.Children = append(enc.Children, encChild{uint8(i), c.Hash, c.Version, c.Leaf})
			}
		}
		tag, val = tagInternal, enc
	default:
		asserts.Holds(false, "unknown node type")
	}
	body, err := rlp.EncodeToBytes(val)
	asserts.Holds(err == nil, "node encoding")
	return append([]byte{tag}, body...)
}

func DecodeNode(b []byte) (Node, error) {
	if len(b) == 0 {
		return nil, errors.New("empty node encoding")
	}
	switch b[0] {
	case tagLeaf:
		var enc encLeaf
		if err := rlp.DecodeBytes(b[1:], &enc); err != nil {
			return nil, errors.Wrap(err, "decode leaf node")
		}
		return &LeafNode{enc.KeyHash, enc.ValueHash, enc.ValueVersion}, nil
	case tagInternal:
		var enc encInternal
		if err := rlp.DecodeBytes(b[1:], &enc); err != nil {
			return nil, errors.Wrap(err, "decode internal node")
		}
		ret := new(InternalNode)
		for _, c := range enc.Children {
			if c.Index > 15 || ret.Children[c.Index] != nil {
				return nil, errors.Errorf("bad child index %d", c.Index)
			}
			ret.Children[c.Index] = &ChildRef{c.Hash, c.Version, c.Leaf}
		}
		if len(enc.Children) < 1 {
			return nil, errors.New("internal node without children")
		}
		return ret, nil
	}
	return nil, errors.Errorf("unknown node tag %d", b[0])
}

type encRoot struct {
	Hash    common.Hash
	Version uint64
	Leaf    bool
}

func EncodeRoot(r Root) []byte {
	ret, err := rlp.EncodeToBytes(encRoot{r.Hash, r.Version, r.Leaf})
	asserts.Holds(err == nil, "root encoding")
	return ret
}

func DecodeRoot(b []byte) (ret Root, err error) {
	var enc encRoot
	if err = rlp.DecodeBytes(b, &enc); err != nil {
		return ret, errors.Wrap(err, "decode root")
	}
	ret.Hash, ret.Version, ret.Leaf = enc.Hash, enc.Version, enc.Leaf
	return
}
