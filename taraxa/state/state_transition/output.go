package state_transition

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/keccak256"
)

type Receipt struct {
	Index   uint64
	Success bool
	// Error is empty on success
	Error  string
	Writes uint64
}

type DiffEntry struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// PublicOutput is the statement a validity proof of one transition attests
// to.
type PublicOutput struct {
	PrevRoot     common.Hash
	NewRoot      common.Hash
	DACommitment common.Hash
	StateDiff    []DiffEntry
	ReceiptsHash common.Hash
}

func (o *PublicOutput) Encode() []byte {
	b, err := rlp.EncodeToBytes(o)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodePublicOutput(b []byte) (*PublicOutput, error) {
	ret := new(PublicOutput)
	if err := rlp.DecodeBytes(b, ret); err != nil {
		return nil, errors.Wrap(err, "decode public output")
	}
	return ret, nil
}

func StateDiffOf(cs *state_common.Changeset) []DiffEntry {
	ret := make([]DiffEntry, 0, cs.Len())
	cs.ForEach(func(c state_common.Change) {
		e := DiffEntry{Key: c.Key, Deleted: c.IsDelete()}
		if !e.Deleted {
			e.Value = c.Value
		}
		ret = append(ret, e)
	})
	return ret
}

func ReceiptsHash(receipts []Receipt) common.Hash {
	b, err := rlp.EncodeToBytes(receipts)
	if err != nil {
		panic(err)
	}
	return keccak256.Hash(b)
}

// DACommitment commits to the ordered DA blobs as the hash of their
// concatenated hashes.
func DACommitment(blobs [][]byte) common.Hash {
	hasher := keccak256.GetHasherFromPool()
	defer keccak256.ReturnHasherToPool(hasher)
	for _, b := range blobs {
		hasher.Write(keccak256.Hash(b).Bytes()...)
	}
	return hasher.Sum()
}
