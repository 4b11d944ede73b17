package state_transition

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
)

type WitnessValue struct {
	KeyHash common.Hash
	Value   []byte
}

// Witness is the part of a version's tree one transition touched: the
// nodes on every read and updated path, and the values read.
type Witness struct {
	Version  state_common.Version
	PrevRoot []byte
	Nodes    []trie.WitnessNode
	Values   []WitnessValue
}

func (w *Witness) Encode() []byte {
	b, err := rlp.EncodeToBytes(w)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeWitness(b []byte) (*Witness, error) {
	ret := new(Witness)
	if err := rlp.DecodeBytes(b, ret); err != nil {
		return nil, errors.Wrap(err, "decode witness")
	}
	return ret, nil
}
