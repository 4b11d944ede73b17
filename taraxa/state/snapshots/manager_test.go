package snapshots

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db_leveldb"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
)

func newManager(t *testing.T) (*Manager, *state_db.Store) {
	store, err := state_db.Open(record_db_leveldb.NewMemory(), state_db.Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.InitGenesis(state_common.NewChangeset())
	require.NoError(t, err)
	m, err := NewManager(store, Opts{})
	require.NoError(t, err)
	return m, store
}

func kv(kvs ...string) *state_common.Changeset {
	ret := state_common.NewChangeset()
	for i := 0; i+1 < len(kvs); i += 2 {
		ret.Put([]byte(kvs[i]), []byte(kvs[i+1]))
	}
	return ret
}

func read(t *testing.T, m *Manager, id ID, key string) string {
	v, err := m.Read(id, []byte(key))
	require.NoError(t, err)
	return string(v)
}

func TestExampleScenario(t *testing.T) {
	m, store := newManager(t)
	v1, _, err := store.Commit(0, kv("a", "1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, v1)

	s1, err := m.NewSnapshot(AtVersion(v1))
	require.NoError(t, err)
	require.NoError(t, m.Write(s1, []byte("b"), []byte("2")))
	s2, err := m.NewSnapshot(AtVersion(v1))
	require.NoError(t, err)
	require.NoError(t, m.Write(s2, []byte("b"), []byte("3")))

	assert.Equal(t, "2", read(t, m, s1, "b"))
	assert.Equal(t, "3", read(t, m, s2, "b"))
	assert.Equal(t, "1", read(t, m, s2, "a"))

	v2, root, err := m.Finalize(s1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v2)
	assert.Equal(t, trie.RootFromScratch(map[string][]byte{"a": []byte("1"), "b": []byte("2")}), root)

	_, _, err = m.Finalize(s2)
	assert.ErrorIs(t, err, state_common.ErrStaleSnapshot)
	_, err = m.Read(s2, []byte("b"))
	assert.ErrorIs(t, err, state_common.ErrStaleSnapshot)
	st, err := m.State(s2)
	require.NoError(t, err)
	assert.Equal(t, DiscardedStale, st)

	// later versions never see b=3
	s3, err := m.NewSnapshot(AtVersion(v2))
	require.NoError(t, err)
	require.NoError(t, m.Write(s3, []byte("c"), []byte("4")))
	v3, _, err := m.Finalize(s3)
	require.NoError(t, err)
	for _, v := range []Version{v2, v3} {
		b, err := store.Read([]byte("b"), v)
		require.NoError(t, err)
		assert.Equal(t, "2", string(b))
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m, store := newManager(t)
	a, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	b, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	require.NoError(t, m.Write(a, []byte("k"), []byte("a")))

	v, err := m.Read(b, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = store.Read([]byte("k"), 0)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, m.Discard(a))
	assert.ErrorIs(t, m.Write(a, []byte("k"), []byte("again")), state_common.ErrSnapshotFinalizedOrDiscarded)
	_, err = m.Read(a, []byte("k"))
	assert.ErrorIs(t, err, state_common.ErrSnapshotFinalizedOrDiscarded)

	_, _, err = m.Finalize(b)
	require.NoError(t, err)
	v, err = store.Read([]byte("k"), 1)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestChainedReadsAndDeletes(t *testing.T) {
	m, store := newManager(t)
	_, _, err := store.Commit(0, kv("a", "1", "b", "1"))
	require.NoError(t, err)

	parent, err := m.NewSnapshot(AtVersion(1))
	require.NoError(t, err)
	require.NoError(t, m.Write(parent, []byte("a"), []byte("2")))
	child, err := m.NewSnapshot(OnSnapshot(parent))
	require.NoError(t, err)
	require.NoError(t, m.Delete(child, []byte("b")))

	assert.Equal(t, "2", read(t, m, child, "a"))
	v, err := m.Read(child, []byte("b"))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, "1", read(t, m, parent, "b"))

	// a parent write is visible through the child and invalidates its root
	before, err := m.Root(child)
	require.NoError(t, err)
	require.NoError(t, m.Write(parent, []byte("c"), []byte("3")))
	after, err := m.Root(child)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, trie.RootFromScratch(map[string][]byte{"a": []byte("2"), "c": []byte("3")}), after)

	version, root, err := m.Finalize(child)
	require.NoError(t, err)
	assert.Equal(t, after, root)
	got, err := store.RootOf(version)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	for _, id := range []ID{parent, child} {
		st, err := m.State(id)
		require.NoError(t, err)
		assert.Equal(t, Finalized, st)
	}
}

func TestFinalizeReparentsDescendants(t *testing.T) {
	m, store := newManager(t)
	base, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	require.NoError(t, m.Write(base, []byte("a"), []byte("1")))
	top, err := m.NewSnapshot(OnSnapshot(base))
	require.NoError(t, err)
	require.NoError(t, m.Write(top, []byte("b"), []byte("2")))
	sibling, err := m.NewSnapshot(OnSnapshot(base))
	require.NoError(t, err)
	rival, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	rivalChild, err := m.NewSnapshot(OnSnapshot(rival))
	require.NoError(t, err)

	v, _, err := m.Finalize(base)
	require.NoError(t, err)

	p, err := m.Parent(top)
	require.NoError(t, err)
	assert.Equal(t, AtVersion(v), p)
	_, err = m.Parent(sibling)
	require.NoError(t, err)
	for _, id := range []ID{rival, rivalChild} {
		st, err := m.State(id)
		require.NoError(t, err)
		assert.Equal(t, DiscardedStale, st)
	}
	assert.Equal(t, []ID{top, sibling}, m.Live())

	assert.Equal(t, "1", read(t, m, top, "a"))
	v2, _, err := m.Finalize(top)
	require.NoError(t, err)
	b, err := store.Read([]byte("b"), v2)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b))

	_, _, err = m.Finalize(sibling)
	assert.ErrorIs(t, err, state_common.ErrStaleSnapshot)
}

func TestFinalizeOfDescendantDiscardsParentSiblings(t *testing.T) {
	m, _ := newManager(t)
	base, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	left, err := m.NewSnapshot(OnSnapshot(base))
	require.NoError(t, err)
	right, err := m.NewSnapshot(OnSnapshot(base))
	require.NoError(t, err)

	_, _, err = m.Finalize(left)
	require.NoError(t, err)
	st, err := m.State(base)
	require.NoError(t, err)
	assert.Equal(t, Finalized, st)
	st, err = m.State(right)
	require.NoError(t, err)
	assert.Equal(t, DiscardedStale, st)
	assert.Empty(t, m.Live())
}

func TestDiscardCascades(t *testing.T) {
	m, _ := newManager(t)
	a, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	b, err := m.NewSnapshot(OnSnapshot(a))
	require.NoError(t, err)
	c, err := m.NewSnapshot(OnSnapshot(b))
	require.NoError(t, err)
	other, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)

	require.NoError(t, m.Discard(b))
	for _, id := range []ID{b, c} {
		st, err := m.State(id)
		require.NoError(t, err)
		assert.Equal(t, Discarded, st)
	}
	assert.Equal(t, []ID{a, other}, m.Live())
	_, err = m.NewSnapshot(OnSnapshot(c))
	assert.ErrorIs(t, err, state_common.ErrUnknownParent)
	assert.ErrorIs(t, m.Discard(c), state_common.ErrSnapshotFinalizedOrDiscarded)
}

func TestUnknownParents(t *testing.T) {
	m, store := newManager(t)
	_, err := m.NewSnapshot(OnSnapshot(42))
	assert.ErrorIs(t, err, state_common.ErrUnknownParent)
	_, err = m.NewSnapshot(AtVersion(5))
	assert.ErrorIs(t, err, state_common.ErrUnknownParent)

	_, _, err = store.Commit(0, kv("a", "1"))
	require.NoError(t, err)
	// only the tip can be forked from
	_, err = m.NewSnapshot(AtVersion(0))
	assert.ErrorIs(t, err, state_common.ErrUnknownParent)
	_, err = m.Read(42, []byte("a"))
	assert.ErrorIs(t, err, state_common.ErrUnknownParent)
}

func TestPinsAndWatermark(t *testing.T) {
	m, store := newManager(t)
	for i := 0; i < 3; i++ {
		_, _, err := store.Commit(Version(i), kv("k", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, m.Watermark())

	release, err := m.Pin(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Watermark())
	release2, err := m.Pin(1)
	require.NoError(t, err)
	release()
	release()
	assert.EqualValues(t, 1, m.Watermark())
	release2()
	assert.EqualValues(t, 3, m.Watermark())

	s, err := m.NewSnapshot(AtVersion(3))
	require.NoError(t, err)
	_, _, err = store.Commit(3, kv("k", "x"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, m.Watermark())
	require.NoError(t, m.Discard(s))
	assert.EqualValues(t, 4, m.Watermark())

	_, err = m.Pin(9)
	assert.ErrorIs(t, err, state_common.ErrUnknownVersion)
}

func TestClaimedPruneTargetCannotBePinned(t *testing.T) {
	m, store := newManager(t)
	for i := 0; i < 6; i++ {
		_, _, err := store.Commit(Version(i), kv("k", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	release, err := m.Pin(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, m.ClaimPruneTarget(5))

	_, err = m.Pin(2)
	assert.ErrorIs(t, err, state_common.ErrUnknownVersion)
	again, err := m.Pin(3)
	require.NoError(t, err)
	again()
	release()

	assert.EqualValues(t, 5, m.ClaimPruneTarget(5))
	_, err = m.Pin(4)
	assert.ErrorIs(t, err, state_common.ErrUnknownVersion)
	// a lower request does not lower the floor
	assert.EqualValues(t, 1, m.ClaimPruneTarget(1))
	_, err = m.Pin(4)
	assert.ErrorIs(t, err, state_common.ErrUnknownVersion)
	release, err = m.Pin(5)
	require.NoError(t, err)
	release()
}

func TestAncestorWriteInvalidatesRootInFlight(t *testing.T) {
	m, store := newManager(t)
	parent, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	require.NoError(t, m.Write(parent, []byte("a"), []byte("1")))
	child, err := m.NewSnapshot(OnSnapshot(parent))
	require.NoError(t, err)
	require.NoError(t, m.Write(child, []byte("b"), []byte("1")))

	// the state Root starts from, then a write lands before it stores
	c := m.live[child]
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	stale, err := store.ComputeRoot(nil, 0, kv("a", "1", "b", "1"))
	require.NoError(t, err)
	require.NoError(t, m.Write(parent, []byte("a"), []byte("2")))
	c.mu.RLock()
	assert.NotEqual(t, gen, c.gen)
	assert.Nil(t, c.root)
	c.mu.RUnlock()

	want, err := store.ComputeRoot(nil, 0, kv("a", "2", "b", "1"))
	require.NoError(t, err)
	require.NotEqual(t, stale, want)
	root, err := m.Root(child)
	require.NoError(t, err)
	assert.Equal(t, want, root)
}

func TestRootStaysFreshUnderConcurrentWrites(t *testing.T) {
	m, store := newManager(t)
	parent, err := m.NewSnapshot(AtVersion(0))
	require.NoError(t, err)
	child, err := m.NewSnapshot(OnSnapshot(parent))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, m.Write(parent, []byte("a"), []byte(fmt.Sprint(i))))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := m.Root(child)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	want, err := store.ComputeRoot(nil, 0, kv("a", "199"))
	require.NoError(t, err)
	root, err := m.Root(child)
	require.NoError(t, err)
	assert.Equal(t, want, root)
}

func TestSubscribeReceivesFinalizedVersions(t *testing.T) {
	m, _ := newManager(t)
	ch, cancel := m.Subscribe(4)
	defer cancel()
	for i := 0; i < 3; i++ {
		s, err := m.NewSnapshot(AtVersion(Version(i)))
		require.NoError(t, err)
		_, _, err = m.Finalize(s)
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		assert.EqualValues(t, i, <-ch)
	}
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentFinalizeHasOneWinner(t *testing.T) {
	m, store := newManager(t)
	const n = 16
	ids := make([]ID, n)
	for i := range ids {
		id, err := m.NewSnapshot(AtVersion(0))
		require.NoError(t, err)
		require.NoError(t, m.Write(id, []byte("winner"), []byte(fmt.Sprint(i))))
		ids[i] = id
	}
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = m.Finalize(ids[i])
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			require.Equal(t, -1, winner)
			winner = i
		} else {
			assert.ErrorIs(t, err, state_common.ErrStaleSnapshot)
		}
	}
	require.NotEqual(t, -1, winner)
	tip, _ := store.Tip()
	assert.EqualValues(t, 1, tip)
	v, err := store.Read([]byte("winner"), 1)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(winner), string(v))
}
