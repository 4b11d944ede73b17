package state

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/pruner"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	_ "github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db_bolt"
	_ "github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db_leveldb"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/snapshots"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_config"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition"
)

// API is the shared handle given to every role of the node: block
// building, verification and proving all go through the same store and
// snapshot forest.
type API struct {
	log       *zap.Logger
	metrics   *metric_utils.Metrics
	store     *state_db.Store
	snapshots *snapshots.Manager
	pruner    *pruner.Pruner
}

// Open opens the configured backend and starts the pruner. A nil
// registerer skips metrics registration.
func Open(cfg state_config.Config, log *zap.Logger, registerer prometheus.Registerer) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	self := &API{log: log, metrics: metric_utils.New()}
	if registerer != nil {
		if err := self.metrics.Register(registerer); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	db, err := record_db.Open(cfg.Backend, cfg.RecordDBOpts())
	if err != nil {
		return nil, err
	}
	if self.store, err = state_db.Open(db, state_db.Opts{
		NodeCacheSize:   cfg.NodeCacheSize,
		ValueCacheBytes: cfg.ValueCacheBytes,
		Log:             log,
		Metrics:         self.metrics,
	}); err != nil {
		db.Close()
		return nil, err
	}
	if self.snapshots, err = snapshots.NewManager(self.store, snapshots.Opts{
		RetiredIDsToRemember: cfg.RetiredSnapshotIDs,
		Log:                  log,
		Metrics:              self.metrics,
	}); err != nil {
		self.store.Close()
		return nil, err
	}
	self.pruner = pruner.New(self.store, self.snapshots, cfg.Pruning, pruner.Opts{Log: log, Metrics: self.metrics})
	self.pruner.Start(self.snapshots)
	log.Info("state opened", zap.String("backend", cfg.Backend), zap.String("data_dir", cfg.DataDir))
	return self, nil
}

func (self *API) Store() *state_db.Store {
	return self.store
}

func (self *API) Snapshots() *snapshots.Manager {
	return self.snapshots
}

func (self *API) Pruner() *pruner.Pruner {
	return self.pruner
}

func (self *API) Metrics() *metric_utils.Metrics {
	return self.metrics
}

func (self *API) NewRunner(executor state_transition.Executor, fetcher state_transition.DAFetcher) *state_transition.Runner {
	return state_transition.NewRunner(executor, fetcher, state_transition.Opts{Log: self.log})
}

// BuildCandidate applies a batch on a fresh snapshot of parent and leaves
// the snapshot open for the caller to finalize or discard.
func (self *API) BuildCandidate(
	parent snapshots.Parent,
	runner *state_transition.Runner,
	da []state_transition.DARef,
	txs []state_transition.Transaction,
) (snapshots.ID, *state_transition.Result, error) {
	id, err := self.snapshots.NewSnapshot(parent)
	if err != nil {
		return 0, nil, err
	}
	res, err := runner.Apply(self.snapshots.View(id), da, txs)
	if err == nil {
		err = self.snapshots.WriteChangeset(id, res.Changeset)
	}
	if err != nil {
		self.snapshots.Discard(id)
		return 0, nil, err
	}
	return id, res, nil
}

// ProveTransition executes a batch on top of a finalized version while
// recording a witness, and hands the witness to prover.
func (self *API) ProveTransition(
	version state_common.Version,
	executor state_transition.Executor,
	fetcher state_transition.DAFetcher,
	prover state_transition.Prover,
	da []state_transition.DARef,
	txs []state_transition.Transaction,
) ([]byte, *state_transition.Result, error) {
	release, err := self.snapshots.Pin(version)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	view, err := state_transition.NewRecordingView(self.store, version)
	if err != nil {
		return nil, nil, err
	}
	res, err := self.NewRunner(executor, fetcher).Apply(view, da, txs)
	if err != nil {
		return nil, nil, err
	}
	in := &state_transition.ProofInput{Witness: view.Witness(), DARefs: da, DABlobs: res.DABlobs, Txs: txs}
	proof, err := prover.Prove(in)
	if err != nil {
		return nil, nil, errors.Wrap(err, "prove")
	}
	return proof, res, nil
}

func (self *API) Close() error {
	self.pruner.Close()
	return self.store.Close()
}
