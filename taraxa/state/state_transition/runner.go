package state_transition

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

type Transaction = []byte

// DARef names a blob held by a data-availability layer.
type DARef = []byte

type DAFetcher interface {
	Fetch(ref DARef) ([]byte, error)
}

// Executor runs one transaction against ws. Returning an error rejects the
// transaction: its writes are reverted and a failure receipt is recorded.
// Executors must be deterministic functions of ws, tx and da.
type Executor interface {
	Execute(ws *WorkingSet, tx Transaction, da [][]byte) error
}

type Result struct {
	Changeset *state_common.Changeset
	Receipts  []Receipt
	Output    PublicOutput
	// the blobs fetched for the batch, in DA ref order
	DABlobs [][]byte
}

type Opts struct {
	Log *zap.Logger
}

type Runner struct {
	executor Executor
	fetcher  DAFetcher
	log      *zap.Logger
}

func NewRunner(executor Executor, fetcher DAFetcher, opts Opts) *Runner {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Runner{executor, fetcher, opts.Log.Named("state_transition")}
}

// Apply runs txs in order on top of view. Failed transactions do not stop
// the batch; a DA fetch failure or a storage failure does.
func (r *Runner) Apply(view StateView, da []DARef, txs []Transaction) (*Result, error) {
	prevRoot, err := view.Root()
	if err != nil {
		return nil, errors.Wrap(err, "pre state root")
	}
	blobs := make([][]byte, len(da))
	for i, ref := range da {
		if blobs[i], err = r.fetcher.Fetch(ref); err != nil {
			return nil, errors.Wrapf(err, "fetch DA ref %d", i)
		}
	}
	ws := NewWorkingSet(view)
	receipts := make([]Receipt, len(txs))
	failed := 0
	for i, tx := range txs {
		snapshot := ws.Snapshot()
		execErr := r.executor.Execute(ws, tx, blobs)
		if err := ws.Err(); err != nil {
			return nil, errors.Wrapf(err, "tx %d: state read", i)
		}
		receipts[i].Index = uint64(i)
		if execErr != nil {
			ws.RevertToSnapshot(snapshot)
			receipts[i].Error = execErr.Error()
			failed++
			continue
		}
		receipts[i].Success = true
		receipts[i].Writes = uint64(ws.WritesSince(snapshot))
	}
	changes := ws.Changeset()
	newRoot, err := view.RootAfter(changes)
	if err != nil {
		return nil, errors.Wrap(err, "post state root")
	}
	r.log.Debug("applied batch",
		zap.Int("txs", len(txs)), zap.Int("failed", failed),
		zap.Int("changes", changes.Len()), zap.Stringer("root", newRoot))
	return &Result{
		Changeset: changes,
		Receipts:  receipts,
		Output: PublicOutput{
			PrevRoot:     prevRoot,
			NewRoot:      newRoot,
			DACommitment: DACommitment(blobs),
			StateDiff:    StateDiffOf(changes),
			ReceiptsHash: ReceiptsHash(receipts),
		},
		DABlobs: blobs,
	}, nil
}

// VerifyTransition re-executes a batch and checks it arrives at
// claimedRoot.
func (r *Runner) VerifyTransition(view StateView, da []DARef, txs []Transaction, claimedRoot common.Hash) (*Result, error) {
	res, err := r.Apply(view, da, txs)
	if err != nil {
		return nil, err
	}
	if res.Output.NewRoot != claimedRoot {
		return res, errors.Wrapf(state_common.ErrRootMismatch, "computed %s, claimed %s",
			res.Output.NewRoot.Hex(), claimedRoot.Hex())
	}
	return res, nil
}

// MemFetcher serves blobs from memory by ref.
type MemFetcher map[string][]byte

func (f MemFetcher) Fetch(ref DARef) ([]byte, error) {
	b, ok := f[string(ref)]
	if !ok {
		return nil, errors.Errorf("DA blob %x not available", ref)
	}
	return b, nil
}
