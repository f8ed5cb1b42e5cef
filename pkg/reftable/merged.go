package reftable

import "fmt"

// pqEntry pairs a record with the stack position it came from.
type pqEntry struct {
	rec   record
	index int
}

// pqLess orders by key ascending; equal keys surface the later reader
// first.
func pqLess(a, b pqEntry) bool {
	if ak, bk := a.rec.key(), b.rec.key(); ak != bk {
		return ak < bk
	}
	return a.index > b.index
}

// pqueue is a binary min heap of pqEntry.
type pqueue struct {
	heap []pqEntry
}

func (pq *pqueue) isEmpty() bool { return len(pq.heap) == 0 }

func (pq *pqueue) top() pqEntry { return pq.heap[0] }

func (pq *pqueue) add(e pqEntry) {
	pq.heap = append(pq.heap, e)
	i := len(pq.heap) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if pqLess(pq.heap[parent], pq.heap[i]) {
			break
		}
		pq.heap[parent], pq.heap[i] = pq.heap[i], pq.heap[parent]
		i = parent
	}
}

func (pq *pqueue) remove() pqEntry {
	e := pq.heap[0]
	pq.heap[0] = pq.heap[len(pq.heap)-1]
	pq.heap = pq.heap[:len(pq.heap)-1]

	i := 0
	for {
		min, l, r := i, 2*i+1, 2*i+2
		if l < len(pq.heap) && pqLess(pq.heap[l], pq.heap[min]) {
			min = l
		}
		if r < len(pq.heap) && pqLess(pq.heap[r], pq.heap[min]) {
			min = r
		}
		if min == i {
			return e
		}
		pq.heap[i], pq.heap[min] = pq.heap[min], pq.heap[i]
		i = min
	}
}

// Merged presents a stack of readers, oldest first, as one logical table
// for reads. Duplicate ref names resolve to the entry with the highest
// update index, ties to the later reader; duplicate log keys resolve to
// the later reader.
type Merged struct {
	stack          []*Reader
	includeDeletes bool
}

// NewMerged builds a merged view over tables ordered oldest to newest.
// Update-index ranges of the tables may overlap.
func NewMerged(stack []*Reader) (*Merged, error) {
	if len(stack) == 0 {
		return nil, fmt.Errorf("%w: empty table stack", ErrContract)
	}
	return &Merged{stack: stack}, nil
}

// MinUpdateIndex returns the smallest lower bound across the stack.
func (m *Merged) MinUpdateIndex() uint64 {
	min := m.stack[0].MinUpdateIndex()
	for _, t := range m.stack[1:] {
		if v := t.MinUpdateIndex(); v < min {
			min = v
		}
	}
	return min
}

// MaxUpdateIndex returns the largest upper bound across the stack.
func (m *Merged) MaxUpdateIndex() uint64 {
	max := m.stack[0].MaxUpdateIndex()
	for _, t := range m.stack[1:] {
		if v := t.MaxUpdateIndex(); v > max {
			max = v
		}
	}
	return max
}

// SetIncludeDeletes controls whether cursors created afterwards yield the
// tombstones that survive merging.
func (m *Merged) SetIncludeDeletes(yes bool) {
	m.includeDeletes = yes
}

// HasObjectMap reports whether every table in the stack answers ByObjectID
// from an index.
func (m *Merged) HasObjectMap() bool {
	for _, t := range m.stack {
		if !t.HasObjectMap() {
			return false
		}
	}
	return true
}

func (m *Merged) seekRefIter(key string) (iterator, error) {
	return m.seekMerged(blockTypeRef, key)
}

func (m *Merged) seekMerged(typ byte, key string) (iterator, error) {
	subs := make([]iterator, len(m.stack))
	for i, t := range m.stack {
		it, err := t.seekKey(typ, key)
		if err != nil {
			return nil, err
		}
		subs[i] = it
	}
	mi := &mergedIter{typ: typ, stack: subs}
	if err := mi.init(); err != nil {
		return nil, err
	}
	return mi, nil
}

// AllRefs returns a cursor over the merged ref namespace.
func (m *Merged) AllRefs() (*RefCursor, error) {
	return m.SeekRef("")
}

// SeekRef returns a cursor positioned at the first merged ref whose name
// is >= name.
func (m *Merged) SeekRef(name string) (*RefCursor, error) {
	it, err := m.seekRefIter(name)
	if err != nil {
		return nil, err
	}
	return &RefCursor{src: m, it: it, includeDeletes: m.includeDeletes}, nil
}

// SeekRefsWithPrefix returns a cursor over merged refs starting with
// prefix.
func (m *Merged) SeekRefsWithPrefix(prefix string) (*RefCursor, error) {
	it, err := m.seekRefIter(prefix)
	if err != nil {
		return nil, err
	}
	return &RefCursor{src: m, it: it, prefix: prefix, includeDeletes: m.includeDeletes}, nil
}

// ExactRef returns the winning record for name, or nil when the stack does
// not know the name (or its winner is a hidden tombstone).
func (m *Merged) ExactRef(name string) (*RefRecord, error) {
	c, err := m.SeekRef(name)
	if err != nil {
		return nil, err
	}
	ok, err := c.Next()
	if err != nil {
		return nil, err
	}
	if !ok || c.Ref().Name != name {
		return nil, nil
	}
	rec := *c.Ref()
	return &rec, nil
}

// ByObjectID returns a cursor over merged refs pointing at id. Candidates
// from older tables are double-checked against the merged view, since a
// newer table may have moved the ref.
func (m *Merged) ByObjectID(id OID) (*RefCursor, error) {
	subs := make([]iterator, len(m.stack))
	for i, t := range m.stack {
		it, err := t.refsForOID(id)
		if err != nil {
			return nil, err
		}
		subs[i] = it
	}
	mi := &mergedIter{typ: blockTypeRef, stack: subs}
	if err := mi.init(); err != nil {
		return nil, err
	}
	it := &filteringRefIter{oid: id, it: mi, check: true, tab: m}
	return &RefCursor{src: m, it: it, includeDeletes: m.includeDeletes, objBacked: true}, nil
}

// AllLogs returns a cursor over the merged log namespace.
func (m *Merged) AllLogs() (*LogCursor, error) {
	it, err := m.seekMerged(blockTypeLog, "")
	if err != nil {
		return nil, err
	}
	return &LogCursor{it: it, includeDeletes: m.includeDeletes}, nil
}

// SeekLog returns a cursor at the newest merged entry for name with update
// index <= maxUpdateIndex.
func (m *Merged) SeekLog(name string, maxUpdateIndex uint64) (*LogCursor, error) {
	it, err := m.seekMerged(blockTypeLog, logKey(name, maxUpdateIndex))
	if err != nil {
		return nil, err
	}
	return &LogCursor{it: it, name: name, includeDeletes: m.includeDeletes}, nil
}

// Resolve follows symbolic targets until a direct ref is found, through at
// most five hops. Longer chains, dangling targets, and deleted refs all
// yield nil without error.
func (m *Merged) Resolve(name string) (*RefRecord, error) {
	rec, err := m.ExactRef(name)
	if err != nil {
		return nil, err
	}
	hops := 0
	for rec != nil && rec.Kind == RefSymbolic {
		if hops >= maxSymrefDepth {
			return nil, nil
		}
		hops++
		if rec, err = m.ExactRef(rec.Target); err != nil {
			return nil, err
		}
	}
	if rec == nil || rec.IsTombstone() {
		return nil, nil
	}
	return rec, nil
}

// mergedIter k-way merges the sub iterators, resolving duplicate keys.
type mergedIter struct {
	typ   byte
	stack []iterator
	pq    pqueue

	// fetched counts records pulled from the sub iterators; the compactor
	// reports it as the input record count.
	fetched uint64
}

func (m *mergedIter) init() error {
	for i := range m.stack {
		if err := m.advance(i); err != nil {
			return err
		}
	}
	return nil
}

// advance refills the queue from sub iterator i.
func (m *mergedIter) advance(i int) error {
	if m.stack[i] == nil {
		return nil
	}
	rec := newRecord(m.typ)
	ok, err := m.stack[i].next(rec)
	if err != nil {
		return err
	}
	if !ok {
		m.stack[i] = nil
		return nil
	}
	m.fetched++
	m.pq.add(pqEntry{rec: rec, index: i})
	return nil
}

// wins decides whether a beats b among entries sharing one key. Ref
// duplicates go to the highest update index, ties to the later reader;
// log duplicates (same name and update index) go to the later reader.
func (m *mergedIter) wins(a, b pqEntry) bool {
	if m.typ == blockTypeRef {
		ar, br := a.rec.(*RefRecord), b.rec.(*RefRecord)
		if ar.UpdateIndex != br.UpdateIndex {
			return ar.UpdateIndex > br.UpdateIndex
		}
	}
	return a.index > b.index
}

func (m *mergedIter) next(rec record) (bool, error) {
	if m.pq.isEmpty() {
		return false, nil
	}

	entry := m.pq.remove()
	if err := m.advance(entry.index); err != nil {
		return false, err
	}

	// Drain every entry sharing the key and keep the winner.
	for !m.pq.isEmpty() && m.pq.top().rec.key() == entry.rec.key() {
		dup := m.pq.remove()
		if err := m.advance(dup.index); err != nil {
			return false, err
		}
		if m.wins(dup, entry) {
			entry = dup
		}
	}

	rec.copyFrom(entry.rec)
	return true, nil
}
