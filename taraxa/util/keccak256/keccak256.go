package keccak256

import (
	"hash"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

type Hasher struct {
	state hashState
}

type hashState interface {
	hash.Hash
	Read([]byte) (int, error)
}

func (h *Hasher) Write(b ...byte) {
	h.state.Write(b)
}

func (h *Hasher) WriteBytes(bs ...[]byte) {
	for _, b := range bs {
		h.state.Write(b)
	}
}

func (h *Hasher) Sum() (ret common.Hash) {
	h.state.Read(ret[:])
	return
}

func (h *Hasher) Reset() {
	h.state.Reset()
}

var hashers = sync.Pool{
	New: func() interface{} {
		return &Hasher{sha3.NewLegacyKeccak256().(hashState)}
	},
}

func GetHasherFromPool() *Hasher {
	return hashers.Get().(*Hasher)
}

func ReturnHasherToPool(h *Hasher) {
	h.Reset()
	hashers.Put(h)
}

func Hash(bs ...[]byte) (ret common.Hash) {
	h := GetHasherFromPool()
	h.WriteBytes(bs...)
	ret = h.Sum()
	ReturnHasherToPool(h)
	return
}
