package reftable

// iterator is the internal record stream: next fills rec and reports
// whether a record was produced. Once it returns false it keeps returning
// false.
type iterator interface {
	next(rec record) (bool, error)
}

type emptyIter struct{}

func (emptyIter) next(record) (bool, error) {
	return false, nil
}

// refLookup is the subset of table behavior filteringRefIter needs to
// double-check candidates against the merged view.
type refLookup interface {
	ExactRef(name string) (*RefRecord, error)
}

// filteringRefIter scans refs and yields those whose target or peeled id
// equals oid. With check set, each candidate is confirmed against tab: a
// newer table in a stack may have moved the ref away from oid.
type filteringRefIter struct {
	oid   OID
	it    iterator
	check bool
	tab   refLookup
}

func (f *filteringRefIter) next(rec record) (bool, error) {
	ref := rec.(*RefRecord)
	for {
		ok, err := f.it.next(ref)
		if !ok || err != nil {
			return false, err
		}
		if ref.ID != f.oid && !(ref.Kind == RefTag && ref.PeeledID == f.oid) {
			continue
		}
		if f.check {
			cur, err := f.tab.ExactRef(ref.Name)
			if err != nil {
				return false, err
			}
			if cur == nil || (cur.ID != f.oid && !(cur.Kind == RefTag && cur.PeeledID == f.oid)) {
				continue
			}
		}
		return true, nil
	}
}
