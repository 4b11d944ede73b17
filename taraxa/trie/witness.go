package trie

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type WitnessNode struct {
	Key  []byte
	Node []byte
}

// RecordingReader remembers every node it serves so that the same tree
// walk can later be replayed without storage.
type RecordingReader struct {
	NodeReader
	mu    sync.Mutex
	nodes map[string][]byte
}

func NewRecordingReader(r NodeReader) *RecordingReader {
	return &RecordingReader{NodeReader: r, nodes: make(map[string][]byte)}
}

func (r *RecordingReader) GetNode(key NodeKey) (Node, error) {
	n, err := r.NodeReader.GetNode(key)
	if err != nil || n == nil {
		return n, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if k := key.String(); r.nodes[k] == nil {
		r.nodes[k] = EncodeNode(n)
	}
	return n, nil
}

// Nodes returns the recorded nodes ordered by node key.
func (r *RecordingReader) Nodes() []WitnessNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]WitnessNode, 0, len(r.nodes))
	for k, n := range r.nodes {
		ret = append(ret, WitnessNode{[]byte(k), n})
	}
	sort.Slice(ret, func(i, j int) bool {
		return bytes.Compare(ret[i].Key, ret[j].Key) < 0
	})
	return ret
}

// WitnessReader serves a tree walk from recorded nodes only. Nodes are
// untrusted: each is checked against the digest its parent commits to,
// and the walk starts from a root the caller trusts.
type WitnessReader struct {
	nodes map[string]Node
}

func NewWitnessReader(nodes []WitnessNode) (*WitnessReader, error) {
	ret := &WitnessReader{nodes: make(map[string]Node, len(nodes))}
	for _, wn := range nodes {
		key, err := DecodeNodeKey(wn.Key)
		if err != nil {
			return nil, errors.Wrap(err, "witness node key")
		}
		n, err := DecodeNode(wn.Node)
		if err != nil {
			return nil, errors.Wrap(err, "witness node")
		}
		ret.nodes[key.String()] = n
	}
	return ret, nil
}

func (w *WitnessReader) GetNode(key NodeKey) (Node, error) {
	return w.nodes[key.String()], nil
}

func (w *WitnessReader) ChecksHashes() bool {
	return true
}
