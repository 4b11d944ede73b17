package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

var ErrProofInvalid = errors.New("merkle proof does not verify")

// ProofLevel describes the siblings of the proven path inside one internal
// node. The bitmaps never include the slot the path itself descends into.
type ProofLevel struct {
	Occupied uint16
	Leaves   uint16
	Siblings []common.Hash
}

// Proof is self-contained: together with the key, the claimed value and a
// trusted root it is enough to check membership or absence.
type Proof struct {
	Levels []ProofLevel
	// the leaf the path ends in, if any; for an absence proof it belongs to
	// a different key sharing the path
	HasLeaf       bool
	LeafKeyHash   common.Hash
	LeafValueHash common.Hash
}

// Prove walks the path of keyHash and records the sibling digests.
func Prove(r NodeReader, root Root, keyHash common.Hash) (*Proof, *LeafNode, error) {
	ret := new(Proof)
	var path []byte
	for ref := root.ref(); ref != nil; {
		key := NodeKey{ref.Version, path}
		if ref.Leaf {
			leaf, err := resolveLeaf(r, key, ref)
			if err != nil {
				return nil, nil, err
			}
			ret.HasLeaf, ret.LeafKeyHash, ret.LeafValueHash = true, leaf.KeyHash, leaf.ValueHash
			if leaf.KeyHash != keyHash {
				leaf = nil
			}
			return ret, leaf, nil
		}
		n, err := resolveInternal(r, key, ref)
		if err != nil {
			return nil, nil, err
		}
		nib := nibbleAt(&keyHash, len(path))
		var lvl ProofLevel
		for i, c := range n.Children {
			if c == nil || byte(i) == nib {
				continue
			}
			lvl.Occupied |= 1 << uint(i)
			if c.Leaf {
				lvl.Leaves |= 1 << uint(i)
			}
			lvl.Siblings = append(lvl.Siblings, c.Hash)
		}
		ret.Levels = append(ret.Levels, lvl)
		ref, path = n.Children[nib], appendNibble(path, nib)
	}
	return ret, nil, nil
}

// VerifyProof checks that under root the key maps to value, or is absent
// when value is nil. It needs no storage access.
func VerifyProof(root common.Hash, key, value []byte, p *Proof) error {
	return VerifyHashedProof(root, KeyHash(key), value, p)
}

func VerifyHashedProof(root common.Hash, keyHash common.Hash, value []byte, p *Proof) error {
	depth := len(p.Levels)
	if depth > MaxDepth {
		return errors.Wrapf(ErrProofInvalid, "depth %d", depth)
	}
	var (
		cur    common.Hash
		isLeaf bool
	)
	switch {
	case value != nil:
		if !p.HasLeaf || p.LeafKeyHash != keyHash {
			return errors.Wrap(ErrProofInvalid, "proof ends at a different key")
		}
		if ValueHash(value) != p.LeafValueHash {
			return errors.Wrap(ErrProofInvalid, "value hash mismatch")
		}
		cur, isLeaf = leafHash(&p.LeafKeyHash, &p.LeafValueHash), true
	case p.HasLeaf:
		if p.LeafKeyHash == keyHash {
			return errors.Wrap(ErrProofInvalid, "key is present")
		}
		if !hasPrefix(&p.LeafKeyHash, unpackNibbles(keyHash[:], depth)) {
			return errors.Wrap(ErrProofInvalid, "terminal leaf is not on the key path")
		}
		cur, isLeaf = leafHash(&p.LeafKeyHash, &p.LeafValueHash), true
	default:
		cur = EmptyRoot
	}
	empty := !p.HasLeaf
	for i := depth - 1; i >= 0; i-- {
		lvl := &p.Levels[i]
		nib := nibbleAt(&keyHash, i)
		if lvl.Occupied&(1<<uint(nib)) != 0 || lvl.Leaves&^lvl.Occupied != 0 {
			return errors.Wrapf(ErrProofInvalid, "malformed level %d", i)
		}
		if popcount(lvl.Occupied) != len(lvl.Siblings) {
			return errors.Wrapf(ErrProofInvalid, "sibling count at level %d", i)
		}
		var children [16]*common.Hash
		leaves := lvl.Leaves
		s := 0
		for slot := 0; slot < 16; slot++ {
			if byte(slot) == nib {
				if !empty {
					children[slot] = &cur
					if isLeaf {
						leaves |= 1 << uint(slot)
					}
				}
				continue
			}
			if lvl.Occupied&(1<<uint(slot)) != 0 {
				children[slot] = &lvl.Siblings[s]
				s++
			}
		}
		cur, isLeaf, empty = internalHash(&children, leaves), false, false
	}
	if cur != root {
		return errors.Wrapf(ErrProofInvalid, "computed root %s, expected %s", cur.Hex(), root.Hex())
	}
	return nil
}

func (p *Proof) Encode() []byte {
	ret, err := rlp.EncodeToBytes(p)
	if err != nil {
		panic(err)
	}
	return ret
}

func DecodeProof(b []byte) (*Proof, error) {
	ret := new(Proof)
	if err := rlp.DecodeBytes(b, ret); err != nil {
		return nil, errors.Wrap(err, "decode proof")
	}
	return ret, nil
}
