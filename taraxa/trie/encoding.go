package trie

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Paths are sequences of nibbles (one byte per nibble, values 0..15) taken
// from the keccak256 of the logical key, most significant nibble first.

const MaxDepth = 2 * common.HashLength

func nibbleAt(h *common.Hash, i int) byte {
	b := h[i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

func hasPrefix(h *common.Hash, path []byte) bool {
	for i, n := range path {
		if nibbleAt(h, i) != n {
			return false
		}
	}
	return true
}

func appendNibble(path []byte, n byte) []byte {
	ret := make([]byte, len(path)+1)
	copy(ret, path)
	ret[len(path)] = n
	return ret
}

func packNibbles(path []byte) []byte {
	ret := make([]byte, (len(path)+1)/2)
	for i, n := range path {
		if i%2 == 0 {
			ret[i/2] = n << 4
		} else {
			ret[i/2] |= n
		}
	}
	return ret
}

func unpackNibbles(packed []byte, count int) []byte {
	ret := make([]byte, count)
	for i := range ret {
		b := packed[i/2]
		if i%2 == 0 {
			ret[i] = b >> 4
		} else {
			ret[i] = b & 0x0f
		}
	}
	return ret
}

// NodeKey addresses a stored node by the version that wrote it and its
// position in the tree. Node keys are never overwritten.
type NodeKey struct {
	Version uint64
	Path    []byte
}

// Encode lays the key out as BE64(version) ++ depth ++ packed nibbles so
// that all nodes written by one version are contiguous.
func (k NodeKey) Encode() []byte {
	packed := packNibbles(k.Path)
	ret := make([]byte, 8+1+len(packed))
	binary.BigEndian.PutUint64(ret, k.Version)
	ret[8] = byte(len(k.Path))
	copy(ret[9:], packed)
	return ret
}

func DecodeNodeKey(b []byte) (ret NodeKey, err error) {
	if len(b) < 9 {
		return ret, errors.Errorf("node key too short: %d bytes", len(b))
	}
	depth := int(b[8])
	if depth > MaxDepth || len(b) != 9+(depth+1)/2 {
		return ret, errors.Errorf("malformed node key of depth %d and length %d", depth, len(b))
	}
	ret.Version = binary.BigEndian.Uint64(b)
	ret.Path = unpackNibbles(b[9:], depth)
	return
}

func (k NodeKey) String() string {
	return string(k.Encode())
}
