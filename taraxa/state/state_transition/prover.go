package state_transition

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// ProofInput is everything the proving environment gets: no store access,
// only the witness and the resolved DA blobs.
type ProofInput struct {
	Witness *Witness
	DARefs  [][]byte
	DABlobs [][]byte
	Txs     [][]byte
}

func (in *ProofInput) Encode() []byte {
	b, err := rlp.EncodeToBytes(in)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeProofInput(b []byte) (*ProofInput, error) {
	ret := new(ProofInput)
	if err := rlp.DecodeBytes(b, ret); err != nil {
		return nil, errors.Wrap(err, "decode proof input")
	}
	return ret, nil
}

type Prover interface {
	Prove(in *ProofInput) ([]byte, error)
}

type Verifier interface {
	Verify(proof []byte) (*PublicOutput, error)
}

// RunGuest executes a batch the way the proving environment does.
func RunGuest(executor Executor, in *ProofInput) (*Result, error) {
	if len(in.DARefs) != len(in.DABlobs) {
		return nil, errors.Errorf("%d DA refs, %d blobs", len(in.DARefs), len(in.DABlobs))
	}
	view, err := NewGuestView(in.Witness)
	if err != nil {
		return nil, err
	}
	blobs := make(MemFetcher, len(in.DARefs))
	for i, ref := range in.DARefs {
		blobs[string(ref)] = in.DABlobs[i]
	}
	return NewRunner(executor, blobs, Opts{}).Apply(view, in.DARefs, in.Txs)
}

// MockProver stands in for a zero-knowledge backend: it runs the guest and
// the "proof" is the encoded public output.
type MockProver struct {
	Executor Executor
}

func (p MockProver) Prove(in *ProofInput) ([]byte, error) {
	res, err := RunGuest(p.Executor, in)
	if err != nil {
		return nil, errors.Wrap(err, "guest execution")
	}
	return res.Output.Encode(), nil
}

type MockVerifier struct{}

func (MockVerifier) Verify(proof []byte) (*PublicOutput, error) {
	return DecodePublicOutput(proof)
}
