package state_db

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util"
)

var (
	tipKey         = []byte("tip")
	prunedBelowKey = []byte("pruned_below")
)

const (
	staleNode  = byte(0)
	staleValue = byte(1)
)

func versionKey(v state_common.Version) []byte {
	return util.ENC_b_endian_64(v)
}

// ValueKey lays out a leaf value key as keyHash ++ BE64(version).
func ValueKey(keyHash common.Hash, v state_common.Version) []byte {
	ret := make([]byte, 0, common.HashLength+8)
	return append(append(ret, keyHash[:]...), util.ENC_b_endian_64(v)...)
}

func staleKey(since state_common.Version, kind byte, key []byte) []byte {
	ret := make([]byte, 0, 9+len(key))
	ret = append(ret, util.ENC_b_endian_64(since)...)
	ret = append(ret, kind)
	return append(ret, key...)
}

func staleNodeKey(since state_common.Version, k trie.NodeKey) []byte {
	return staleKey(since, staleNode, k.Encode())
}

func staleValueKey(since state_common.Version, k trie.ValueKey) []byte {
	return staleKey(since, staleValue, ValueKey(k.KeyHash, k.Version))
}
