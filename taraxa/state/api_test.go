package state

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/snapshots"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_config"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition/ledger"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/tests"
)

func openAPI(t *testing.T, cfg state_config.Config) *API {
	api, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { api.Close() })
	if _, ok := api.Store().Tip(); !ok {
		genesis := state_common.NewChangeset()
		genesis.Put(ledger.BalanceKey([]byte("treasury")), []byte{100})
		_, err = api.Store().InitGenesis(genesis)
		require.NoError(t, err)
	}
	return api
}

func memConfig() state_config.Config {
	cfg := state_config.Default()
	cfg.InMemory = true
	cfg.Pruning.Enabled = false
	return cfg
}

func TestCompetingCandidates(t *testing.T) {
	api := openAPI(t, memConfig())
	runner := api.NewRunner(ledger.Executor{}, state_transition.MemFetcher{})

	a, resA, err := api.BuildCandidate(snapshots.AtVersion(0), runner, nil,
		[]state_transition.Transaction{ledger.Transfer("treasury", "alice", 10)})
	require.NoError(t, err)
	b, _, err := api.BuildCandidate(snapshots.AtVersion(0), runner, nil,
		[]state_transition.Transaction{ledger.Transfer("treasury", "bob", 10)})
	require.NoError(t, err)

	// the caller picks the winner
	v, root, err := api.Snapshots().Finalize(a)
	require.NoError(t, err)
	assert.Equal(t, resA.Output.NewRoot, root)
	_, _, err = api.Snapshots().Finalize(b)
	assert.ErrorIs(t, err, state_common.ErrStaleSnapshot)

	bob, err := api.Store().Read(ledger.BalanceKey([]byte("bob")), v)
	require.NoError(t, err)
	assert.Nil(t, bob)
	assert.Equal(t, 1.0, testutil.ToFloat64(api.Metrics().StaleFinalizations))
	assert.Equal(t, 1.0, testutil.ToFloat64(api.Metrics().Finalizations))
}

func TestProveTransition(t *testing.T) {
	api := openAPI(t, memConfig())
	fetcher := state_transition.MemFetcher{"ref": []byte("blob")}
	da := []state_transition.DARef{[]byte("ref")}
	txs := []state_transition.Transaction{
		ledger.Transfer("treasury", "alice", 40),
		ledger.SetBlob("stored", 0),
		ledger.Transfer("alice", "bob", 41),
	}
	proof, res, err := api.ProveTransition(0, ledger.Executor{}, fetcher, state_transition.MockProver{Executor: ledger.Executor{}}, da, txs)
	require.NoError(t, err)
	out, err := state_transition.MockVerifier{}.Verify(proof)
	require.NoError(t, err)
	assert.Equal(t, res.Output.Encode(), out.Encode())

	id, built, err := api.BuildCandidate(snapshots.AtVersion(0), api.NewRunner(ledger.Executor{}, fetcher), da, txs)
	require.NoError(t, err)
	_, root, err := api.Snapshots().Finalize(id)
	require.NoError(t, err)
	assert.Equal(t, out.NewRoot, root)
	assert.Equal(t, built.Receipts, res.Receipts)
	assert.False(t, res.Receipts[2].Success)
}

// changingFetcher serves a different blob on every fetch.
type changingFetcher struct {
	calls int
}

func (self *changingFetcher) Fetch(ref state_transition.DARef) ([]byte, error) {
	self.calls++
	return []byte(fmt.Sprint(string(ref), "#", self.calls)), nil
}

func TestProveTransitionFetchesBlobsOnce(t *testing.T) {
	api := openAPI(t, memConfig())
	fetcher := &changingFetcher{}
	da := []state_transition.DARef{[]byte("a"), []byte("b")}
	txs := []state_transition.Transaction{ledger.SetBlob("first", 0), ledger.SetBlob("second", 1)}
	proof, res, err := api.ProveTransition(0, ledger.Executor{}, fetcher, state_transition.MockProver{Executor: ledger.Executor{}}, da, txs)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, [][]byte{[]byte("a#1"), []byte("b#2")}, res.DABlobs)

	out, err := state_transition.MockVerifier{}.Verify(proof)
	require.NoError(t, err)
	assert.Equal(t, res.Output.Encode(), out.Encode())
	assert.Equal(t, state_transition.DACommitment(res.DABlobs), out.DACommitment)
}

func TestReopenOnDisk(t *testing.T) {
	tc := tests.NewTestCtx(t)
	defer tc.Close()
	cfg := state_config.Default()
	cfg.DataDir = tc.DataDir()
	cfg.Backend = "bolt"
	cfg.Pruning.Enabled = false

	api, err := Open(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = api.Store().InitGenesis(state_common.NewChangeset())
	require.NoError(t, err)
	id, err := api.Snapshots().NewSnapshot(snapshots.AtVersion(0))
	require.NoError(t, err)
	require.NoError(t, api.Snapshots().Write(id, []byte("k"), []byte("v")))
	_, root, err := api.Snapshots().Finalize(id)
	require.NoError(t, err)
	require.NoError(t, api.Close())

	api, err = Open(cfg, nil, nil)
	require.NoError(t, err)
	defer api.Close()
	tip, ok := api.Store().Tip()
	require.True(t, ok)
	assert.EqualValues(t, 1, tip)
	got, err := api.Store().RootOf(1)
	require.NoError(t, err)
	assert.Equal(t, root, got)
}
