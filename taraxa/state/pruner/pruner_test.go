package pruner

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db_leveldb"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/snapshots"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
)

type flakyDB struct {
	record_db.DB
	fail *atomic.Bool
}

func (self flakyDB) Write(b record_db.Batch) error {
	if self.fail.Load() {
		return state_common.IOError(errors.New("injected"), "write")
	}
	return self.DB.Write(b)
}

type env struct {
	store   *state_db.Store
	m       *snapshots.Manager
	fail    *atomic.Bool
	metrics *metric_utils.Metrics
}

func newEnv(t *testing.T) *env {
	fail := atomic.NewBool(false)
	metrics := metric_utils.New()
	store, err := state_db.Open(flakyDB{record_db_leveldb.NewMemory(), fail}, state_db.Opts{Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.InitGenesis(state_common.NewChangeset())
	require.NoError(t, err)
	m, err := snapshots.NewManager(store, snapshots.Opts{Metrics: metrics})
	require.NoError(t, err)
	return &env{store, m, fail, metrics}
}

func (self *env) finalize(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		tip, _ := self.store.Tip()
		id, err := self.m.NewSnapshot(snapshots.AtVersion(tip))
		require.NoError(t, err)
		require.NoError(t, self.m.Write(id, []byte("k"), []byte(fmt.Sprint(tip+1))))
		require.NoError(t, self.m.Write(id, []byte(fmt.Sprint("key", i%3)), []byte(fmt.Sprint(i))))
		_, _, err = self.m.Finalize(id)
		require.NoError(t, err)
	}
}

// pinAfterClaim pins a version right after the pruner has claimed its
// target, as a concurrent reader would.
type pinAfterClaim struct {
	*snapshots.Manager
	pin     Version
	release func()
	err     error
}

func (self *pinAfterClaim) ClaimPruneTarget(upTo Version) Version {
	ret := self.Manager.ClaimPruneTarget(upTo)
	self.release, self.err = self.Manager.Pin(self.pin)
	return ret
}

func TestPruneIsClampedToWatermark(t *testing.T) {
	e := newEnv(t)
	e.finalize(t, 10)
	p := New(e.store, e.m, Config{}, Opts{})
	defer p.Close()

	release, err := e.m.Pin(3)
	require.NoError(t, err)
	live, err := e.m.NewSnapshot(snapshots.AtVersion(10))
	require.NoError(t, err)

	p.Prune(8)
	p.Flush()
	assert.EqualValues(t, 3, p.LastPruned())
	v, err := e.store.Read([]byte("k"), 3)
	require.NoError(t, err)
	assert.Equal(t, "3", string(v))

	release()
	p.Prune(8)
	p.Flush()
	assert.EqualValues(t, 8, p.LastPruned())
	_, err = e.store.Read([]byte("k"), 7)
	assert.ErrorIs(t, err, state_common.ErrUnknownVersion)

	v, err = e.m.Read(live, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "10", string(v))
	for ver := Version(8); ver <= 10; ver++ {
		_, err := e.store.VerifyVersion(ver)
		require.NoError(t, err)
	}
}

func TestAutoPruneFollowsFinalization(t *testing.T) {
	e := newEnv(t)
	p := New(e.store, e.m, Config{Enabled: true, Distance: 2, Interval: time.Hour}, Opts{})
	defer p.Close()
	p.Start(e.m)

	e.finalize(t, 6)
	assert.Eventually(t, func() bool {
		p.Flush()
		return p.LastPruned() == 4
	}, 5*time.Second, 10*time.Millisecond)
	v, err := e.store.Read([]byte("k"), 4)
	require.NoError(t, err)
	assert.Equal(t, "4", string(v))
}

func TestFailedRunIsRetried(t *testing.T) {
	e := newEnv(t)
	e.finalize(t, 6)
	p := New(e.store, e.m, Config{Interval: 10 * time.Millisecond}, Opts{Metrics: e.metrics})
	defer p.Close()

	e.fail.Store(true)
	p.Prune(5)
	p.Flush()
	assert.True(t, p.Failing())
	assert.EqualValues(t, 0, p.LastPruned())
	v, err := e.store.Read([]byte("k"), 6)
	require.NoError(t, err)
	assert.Equal(t, "6", string(v))

	e.fail.Store(false)
	p.Start(e.m)
	assert.Eventually(t, func() bool {
		return p.LastPruned() == 5 && !p.Failing()
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.metrics.PruneFailures), 1.0)
}

func TestPinAfterClaimIsRefused(t *testing.T) {
	e := newEnv(t)
	e.finalize(t, 10)
	wm := &pinAfterClaim{Manager: e.m, pin: 2}
	p := New(e.store, wm, Config{}, Opts{})
	defer p.Close()

	p.Prune(5)
	p.Flush()
	assert.ErrorIs(t, wm.err, state_common.ErrUnknownVersion)
	assert.Nil(t, wm.release)
	assert.EqualValues(t, 5, p.LastPruned())

	// a pin at or above the claimed target stays readable
	wm.pin = 6
	p.Prune(6)
	p.Flush()
	require.NoError(t, wm.err)
	defer wm.release()
	assert.EqualValues(t, 6, p.LastPruned())
	v, err := e.store.Read([]byte("k"), 6)
	require.NoError(t, err)
	assert.Equal(t, "6", string(v))
}

func TestCallsAfterCloseAreIgnored(t *testing.T) {
	e := newEnv(t)
	e.finalize(t, 4)
	p := New(e.store, e.m, Config{Enabled: true, Distance: 1, Interval: time.Hour}, Opts{})
	p.Start(e.m)
	p.Close()

	assert.NotPanics(t, func() {
		p.Prune(2)
		p.Flush()
		p.Close()
	})
	assert.EqualValues(t, 0, p.LastPruned())
	e.finalize(t, 2)
	assert.EqualValues(t, 0, p.LastPruned())
}
