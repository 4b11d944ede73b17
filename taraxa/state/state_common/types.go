package state_common

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Version identifies a finalized state. Version 0 is genesis.
type Version = uint64

// Change is a single changeset entry. A nil Value is a deletion marker.
type Change struct {
	Key   []byte
	Value []byte
}

func (c Change) IsDelete() bool {
	return c.Value == nil
}

type tombstone struct{}

// Changeset is an ordered mapping from logical key to a new value or a
// deletion marker. It is not safe for concurrent use.
type Changeset struct {
	m *treemap.Map
}

func NewChangeset() *Changeset {
	return &Changeset{treemap.NewWith(utils.StringComparator)}
}

func (cs *Changeset) Put(key, value []byte) {
	cs.m.Put(string(key), append([]byte{}, value...))
}

func (cs *Changeset) Delete(key []byte) {
	cs.m.Put(string(key), tombstone{})
}

// Remove forgets key entirely, so the changeset no longer touches it.
func (cs *Changeset) Remove(key []byte) {
	cs.m.Remove(string(key))
}

// Get reports whether the changeset touches key, and if so the new value
// (nil when the key is deleted).
func (cs *Changeset) Get(key []byte) (value []byte, touched bool) {
	v, found := cs.m.Get(string(key))
	if !found {
		return nil, false
	}
	if b, ok := v.([]byte); ok {
		return b, true
	}
	return nil, true
}

func (cs *Changeset) Len() int {
	return cs.m.Size()
}

// ForEach visits entries in ascending key order.
func (cs *Changeset) ForEach(cb func(Change)) {
	it := cs.m.Iterator()
	for it.Next() {
		c := Change{Key: []byte(it.Key().(string))}
		if b, ok := it.Value().([]byte); ok {
			c.Value = b
		}
		cb(c)
	}
}

func (cs *Changeset) Changes() []Change {
	ret := make([]Change, 0, cs.Len())
	cs.ForEach(func(c Change) {
		ret = append(ret, c)
	})
	return ret
}

// Merge overlays other on top of cs.
func (cs *Changeset) Merge(other *Changeset) {
	other.ForEach(func(c Change) {
		if c.IsDelete() {
			cs.Delete(c.Key)
		} else {
			cs.Put(c.Key, c.Value)
		}
	})
}

func (cs *Changeset) Clone() *Changeset {
	ret := NewChangeset()
	ret.Merge(cs)
	return ret
}

func ChangesetOf(changes ...Change) *Changeset {
	ret := NewChangeset()
	for _, c := range changes {
		if c.IsDelete() {
			ret.Delete(c.Key)
		} else {
			ret.Put(c.Key, c.Value)
		}
	}
	return ret
}
