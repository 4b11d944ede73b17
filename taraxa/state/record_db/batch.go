package record_db

type Op struct {
	Col    Column
	Key    []byte
	Value  []byte
	Delete bool
}

// OpsBatch records operations in order; backends translate it into their
// native atomic write primitive.
type OpsBatch struct {
	ops []Op
}

func NewOpsBatch() *OpsBatch {
	return new(OpsBatch)
}

func (b *OpsBatch) Put(col Column, key, value []byte) {
	b.ops = append(b.ops, Op{Col: col, Key: key, Value: value})
}

func (b *OpsBatch) Delete(col Column, key []byte) {
	b.ops = append(b.ops, Op{Col: col, Key: key, Delete: true})
}

func (b *OpsBatch) Len() int {
	return len(b.ops)
}

func (b *OpsBatch) Reset() {
	b.ops = b.ops[:0]
}

func (b *OpsBatch) Ops() []Op {
	return b.ops
}

func AsOpsBatch(b Batch) *OpsBatch {
	if ret, ok := b.(*OpsBatch); ok {
		return ret
	}
	panic("batch was not created by this record_db")
}
