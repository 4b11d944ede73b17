package trie

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
)

// memNodes is a NodeReader over an in-memory map, with stale tracking
// mirroring what the state store persists.
type memNodes struct {
	nodes map[string]Node
	stale map[uint64][]NodeKey
	reads int
}

func newMemNodes() *memNodes {
	return &memNodes{nodes: map[string]Node{}, stale: map[uint64][]NodeKey{}}
}

func (m *memNodes) GetNode(key NodeKey) (Node, error) {
	m.reads++
	return m.nodes[key.String()], nil
}

func (m *memNodes) apply(version uint64, res *UpdateResult) {
	for _, w := range res.Nodes {
		m.nodes[w.Key.String()] = w.Node
	}
	m.stale[version] = append(m.stale[version], res.StaleNodes...)
}

func (m *memNodes) pruneUpTo(version uint64) {
	for v, keys := range m.stale {
		if v <= version {
			for _, k := range keys {
				delete(m.nodes, k.String())
			}
			delete(m.stale, v)
		}
	}
}

type model struct {
	t     *testing.T
	db    *memNodes
	roots []Root
	kvs   []map[string][]byte
}

func newModel(t *testing.T) *model {
	return &model{t: t, db: newMemNodes(), roots: []Root{{}}, kvs: []map[string][]byte{{}}}
}

func (m *model) commit(puts map[string][]byte, dels ...string) Root {
	version := uint64(len(m.roots))
	next := map[string][]byte{}
	for k, v := range m.kvs[len(m.kvs)-1] {
		next[k] = v
	}
	var changes []KeyChange
	for k, v := range puts {
		changes = append(changes, KeyChange{KeyHash: KeyHash([]byte(k)), ValueHash: ValueHash(v)})
		next[k] = v
	}
	for _, k := range dels {
		changes = append(changes, KeyChange{KeyHash: KeyHash([]byte(k)), Delete: true})
		delete(next, k)
	}
	SortChanges(changes)
	res, err := Update(m.db, m.roots[len(m.roots)-1], version, changes)
	require.NoError(m.t, err)
	m.db.apply(version, res)
	m.roots = append(m.roots, res.Root)
	m.kvs = append(m.kvs, next)
	return res.Root
}

func (m *model) check(version int) {
	root, kvs := m.roots[version], m.kvs[version]
	require.Equal(m.t, RootFromScratch(kvs), root.Hash, "version %d", version)
	count := 0
	require.NoError(m.t, ForEachLeaf(m.db, root, func(*LeafNode) error {
		count++
		return nil
	}))
	require.Equal(m.t, len(kvs), count)
	for k, v := range kvs {
		leaf, err := Get(m.db, root, KeyHash([]byte(k)))
		require.NoError(m.t, err)
		require.NotNil(m.t, leaf, "key %s at version %d", k, version)
		require.Equal(m.t, ValueHash(v), leaf.ValueHash)
	}
}

func TestEmptyTree(t *testing.T) {
	m := newModel(t)
	assert.Equal(t, EmptyRoot, RootFromScratch(nil))
	root := m.commit(nil, "nothing")
	assert.True(t, root.IsEmpty())
	leaf, err := Get(m.db, root, KeyHash([]byte("a")))
	require.NoError(t, err)
	assert.Nil(t, leaf)
}

func TestSingleKeyRootIsLeaf(t *testing.T) {
	m := newModel(t)
	root := m.commit(map[string][]byte{"a": []byte("1")})
	assert.True(t, root.Leaf)
	leaf := LeafNode{KeyHash: KeyHash([]byte("a")), ValueHash: ValueHash([]byte("1"))}
	assert.Equal(t, leaf.Hash(), root.Hash)
	m.check(1)
}

func TestCollapseOnDelete(t *testing.T) {
	m := newModel(t)
	puts := map[string][]byte{}
	for i := 0; i < 50; i++ {
		puts[fmt.Sprint("k", i)] = []byte{byte(i)}
	}
	m.commit(puts)
	var dels []string
	for i := 1; i < 50; i++ {
		dels = append(dels, fmt.Sprint("k", i))
	}
	root := m.commit(nil, dels...)
	assert.True(t, root.Leaf)
	m.check(1)
	m.check(2)
	root = m.commit(nil, "k0")
	assert.True(t, root.IsEmpty())
}

func TestIncrementalMatchesScratch(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	m := newModel(t)
	keys := make([]string, 300)
	for i := range keys {
		keys[i] = fmt.Sprint("key-", i)
	}
	for v := 1; v <= 40; v++ {
		puts := map[string][]byte{}
		var dels []string
		for i := 0; i < 1+rnd.Intn(30); i++ {
			k := keys[rnd.Intn(len(keys))]
			if rnd.Intn(4) == 0 {
				if _, dup := puts[k]; !dup {
					dels = append(dels, k)
				}
				continue
			}
			puts[k] = []byte(fmt.Sprint("v", v, "-", rnd.Int()))
		}
		dels = dedup(dels, puts)
		m.commit(puts, dels...)
	}
	for v := range m.roots {
		m.check(v)
	}
}

func dedup(dels []string, puts map[string][]byte) (ret []string) {
	seen := map[string]bool{}
	for _, d := range dels {
		if _, put := puts[d]; !put && !seen[d] {
			seen[d] = true
			ret = append(ret, d)
		}
	}
	return
}

func TestUpdateTouchesOnlyChangedPaths(t *testing.T) {
	m := newModel(t)
	puts := map[string][]byte{}
	for i := 0; i < 4096; i++ {
		puts[fmt.Sprint(i)] = []byte{1}
	}
	m.commit(puts)
	m.db.reads = 0
	m.commit(map[string][]byte{"7": []byte{2}})
	assert.LessOrEqual(t, m.db.reads, MaxDepth)
	assert.LessOrEqual(t, len(m.db.stale[2]), MaxDepth)
}

func TestRejectsUnsortedChanges(t *testing.T) {
	a, b := KeyHash([]byte("a")), KeyHash([]byte("b"))
	changes := []KeyChange{{KeyHash: a}, {KeyHash: b}}
	SortChanges(changes)
	changes[0], changes[1] = changes[1], changes[0]
	_, err := Update(newMemNodes(), Root{}, 1, changes)
	assert.Error(t, err)
	_, err = Update(newMemNodes(), Root{}, 1, []KeyChange{{KeyHash: a}, {KeyHash: a}})
	assert.Error(t, err)
}

func TestProofs(t *testing.T) {
	m := newModel(t)
	puts := map[string][]byte{}
	for i := 0; i < 200; i++ {
		puts[fmt.Sprint("p", i)] = []byte(fmt.Sprint("value", i))
	}
	r1 := m.commit(puts)
	r2 := m.commit(map[string][]byte{"p5": []byte("changed")}, "p6")

	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprint("p", i))
		p, leaf, err := Prove(m.db, r1, KeyHash(k))
		require.NoError(t, err)
		require.NotNil(t, leaf)
		require.NoError(t, VerifyProof(r1.Hash, k, puts[string(k)], p))
	}

	p, leaf, err := Prove(m.db, r2, KeyHash([]byte("p5")))
	require.NoError(t, err)
	require.NotNil(t, leaf)
	assert.NoError(t, VerifyProof(r2.Hash, []byte("p5"), []byte("changed"), p))
	assert.ErrorIs(t, VerifyProof(r1.Hash, []byte("p5"), []byte("changed"), p), ErrProofInvalid)
	assert.ErrorIs(t, VerifyProof(r2.Hash, []byte("p5"), []byte("value5"), p), ErrProofInvalid)
	assert.ErrorIs(t, VerifyProof(r2.Hash, []byte("p5"), nil, p), ErrProofInvalid)

	absent, leaf, err := Prove(m.db, r2, KeyHash([]byte("p6")))
	require.NoError(t, err)
	assert.Nil(t, leaf)
	assert.NoError(t, VerifyProof(r2.Hash, []byte("p6"), nil, absent))
	assert.ErrorIs(t, VerifyProof(r1.Hash, []byte("p6"), nil, absent), ErrProofInvalid)
	assert.ErrorIs(t, VerifyProof(r2.Hash, []byte("p6"), []byte("value6"), absent), ErrProofInvalid)

	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprint("missing", i))
		p, leaf, err := Prove(m.db, r2, KeyHash(k))
		require.NoError(t, err)
		require.Nil(t, leaf)
		require.NoError(t, VerifyProof(r2.Hash, k, nil, p))
	}

	decoded, err := DecodeProof(p.Encode())
	require.NoError(t, err)
	assert.NoError(t, VerifyProof(r1.Hash, []byte("p0"), []byte("value0"), mustProve(t, m, r1, "p0")))
	assert.Equal(t, len(p.Levels), len(decoded.Levels))
}

func mustProve(t *testing.T, m *model, root Root, key string) *Proof {
	p, _, err := Prove(m.db, root, KeyHash([]byte(key)))
	require.NoError(t, err)
	return p
}

func TestTamperedProofFails(t *testing.T) {
	m := newModel(t)
	puts := map[string][]byte{}
	for i := 0; i < 64; i++ {
		puts[fmt.Sprint(i)] = []byte{byte(i)}
	}
	root := m.commit(puts)
	p := mustProve(t, m, root, "10")
	require.NotEmpty(t, p.Levels)
	require.NotEmpty(t, p.Levels[0].Siblings)
	p.Levels[0].Siblings[0][0] ^= 1
	assert.ErrorIs(t, VerifyProof(root.Hash, []byte("10"), []byte{10}, p), ErrProofInvalid)

	p = mustProve(t, m, root, "10")
	p.Levels[0].Leaves ^= p.Levels[0].Occupied & -p.Levels[0].Occupied
	assert.ErrorIs(t, VerifyProof(root.Hash, []byte("10"), []byte{10}, p), ErrProofInvalid)

	p = mustProve(t, m, root, "10")
	p.Levels = p.Levels[1:]
	assert.ErrorIs(t, VerifyProof(root.Hash, []byte("10"), []byte{10}, p), ErrProofInvalid)
}

func TestOldVersionsSurvivePruningOfStaleNodes(t *testing.T) {
	m := newModel(t)
	for v := 1; v <= 10; v++ {
		puts := map[string][]byte{}
		for i := 0; i < 20; i++ {
			puts[fmt.Sprint(i*v%37)] = []byte(fmt.Sprint(v))
		}
		m.commit(puts, fmt.Sprint(v*3%37+100))
	}
	m.db.pruneUpTo(6)
	for v := 6; v <= 10; v++ {
		m.check(v)
	}
	err := ForEachLeaf(m.db, m.roots[2], func(*LeafNode) error { return nil })
	assert.ErrorIs(t, err, state_common.ErrCorruption)
}

func TestWitnessReplay(t *testing.T) {
	m := newModel(t)
	puts := map[string][]byte{}
	for i := 0; i < 500; i++ {
		puts[fmt.Sprint("w", i)] = []byte{byte(i)}
	}
	prev := m.commit(puts)

	changes := []KeyChange{
		{KeyHash: KeyHash([]byte("w1")), Delete: true},
		{KeyHash: KeyHash([]byte("w2")), ValueHash: ValueHash([]byte("x"))},
		{KeyHash: KeyHash([]byte("fresh")), ValueHash: ValueHash([]byte("y"))},
	}
	SortChanges(changes)
	rec := NewRecordingReader(m.db)
	_, err := Get(rec, prev, KeyHash([]byte("w3")))
	require.NoError(t, err)
	native, err := Update(rec, prev, 2, changes)
	require.NoError(t, err)

	w, err := NewWitnessReader(rec.Nodes())
	require.NoError(t, err)
	guest, err := Update(w, prev, 2, changes)
	require.NoError(t, err)
	assert.Equal(t, native.Root, guest.Root)
	leaf, err := Get(w, prev, KeyHash([]byte("w3")))
	require.NoError(t, err)
	require.NotNil(t, leaf)

	empty, err := NewWitnessReader(nil)
	require.NoError(t, err)
	_, err = Get(empty, prev, KeyHash([]byte("w3")))
	assert.ErrorIs(t, err, state_common.ErrCorruption)

	forged := prev
	forged.Hash = common.Hash{1}
	_, err = Get(w, forged, KeyHash([]byte("w3")))
	assert.ErrorIs(t, err, state_common.ErrCorruption)
}

func TestNodeKeyEncoding(t *testing.T) {
	for _, path := range [][]byte{nil, {1}, {15, 0}, {1, 2, 3}} {
		k := NodeKey{Version: 42, Path: path}
		dec, err := DecodeNodeKey(k.Encode())
		require.NoError(t, err)
		assert.Equal(t, k.Version, dec.Version)
		assert.Equal(t, len(path), len(dec.Path))
		assert.Equal(t, k.Encode(), dec.Encode())
	}
	_, err := DecodeNodeKey([]byte{1, 2})
	assert.Error(t, err)
}
