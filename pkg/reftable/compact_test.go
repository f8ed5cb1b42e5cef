package reftable

import (
	"bytes"
	"testing"
)

func TestCompactTwoTablesLastWriterWins(t *testing.T) {
	t0 := writeTable(t, nil, 0, 0,
		[]RefRecord{{Name: "refs/heads/master", UpdateIndex: 0, Kind: RefDirect, ID: testOID(1)}}, nil)
	t1 := writeTable(t, nil, 1, 1,
		[]RefRecord{{Name: "refs/heads/master", UpdateIndex: 1, Kind: RefDirect, ID: testOID(2)}}, nil)

	var out bytes.Buffer
	stats, err := Compact(&out, []*Reader{openTable(t, t0), openTable(t, t1)}, CompactConfig{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.MinUpdateIndex != 0 || stats.MaxUpdateIndex != 1 {
		t.Fatalf("output range = [%d, %d]", stats.MinUpdateIndex, stats.MaxUpdateIndex)
	}
	if stats.InputRefs != 2 || stats.OutputRefs != 1 {
		t.Fatalf("ref counts = %d in, %d out", stats.InputRefs, stats.OutputRefs)
	}

	r := openTable(t, out.Bytes())
	if r.MinUpdateIndex() != 0 || r.MaxUpdateIndex() != 1 {
		t.Fatalf("reader range = [%d, %d]", r.MinUpdateIndex(), r.MaxUpdateIndex())
	}
	c, err := r.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	got := collectRefs(t, c)
	if len(got) != 1 || got[0].ID != testOID(2) || got[0].UpdateIndex != 1 {
		t.Fatalf("compacted refs = %+v", got)
	}
}

func TestCompactTombstonePruning(t *testing.T) {
	t0 := writeTable(t, nil, 0, 0,
		[]RefRecord{{Name: "refs/heads/master", UpdateIndex: 0, Kind: RefDirect, ID: testOID(1)}}, nil)
	t1 := writeTable(t, nil, 1, 1,
		[]RefRecord{{Name: "refs/heads/master", UpdateIndex: 1, Kind: RefAbsent}}, nil)

	var pruned bytes.Buffer
	stats, err := Compact(&pruned, []*Reader{openTable(t, t0), openTable(t, t1)}, CompactConfig{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.OutputRefs != 0 || stats.Refs.Entries != 0 {
		t.Fatalf("pruned output has %d refs", stats.OutputRefs)
	}

	var kept bytes.Buffer
	stats, err = Compact(&kept, []*Reader{openTable(t, t0), openTable(t, t1)},
		CompactConfig{IncludeDeletes: true})
	if err != nil {
		t.Fatalf("Compact with deletes: %v", err)
	}
	if stats.OutputRefs != 1 {
		t.Fatalf("kept output has %d refs", stats.OutputRefs)
	}

	r := openTable(t, kept.Bytes())
	r.SetIncludeDeletes(true)
	c, err := r.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	got := collectRefs(t, c)
	if len(got) != 1 || !got[0].IsTombstone() {
		t.Fatalf("kept refs = %+v", got)
	}
}

func TestCompactSingleTableIsIdempotent(t *testing.T) {
	refs := manyRefs(300)
	logs := append(logsFor("refs/heads/branch0000", 3, 2), logsFor("refs/heads/branch0001", 1)...)
	src := writeTable(t, &Options{BlockSize: 512}, 0, 3, refs, logs)
	srcReader := openTable(t, src)

	var out bytes.Buffer
	if _, err := Compact(&out, []*Reader{srcReader}, CompactConfig{Options: Options{BlockSize: 512}}); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	a, b := openTable(t, src), openTable(t, out.Bytes())
	ca, err := a.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs(a): %v", err)
	}
	cb, err := b.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs(b): %v", err)
	}
	ra, rb := collectRefs(t, ca), collectRefs(t, cb)
	if len(ra) != len(rb) {
		t.Fatalf("ref counts differ: %d vs %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i] != rb[i] {
			t.Fatalf("ref %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
	}

	la, err := a.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs(a): %v", err)
	}
	lb, err := b.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs(b): %v", err)
	}
	ga, gb := collectLogs(t, la), collectLogs(t, lb)
	if len(ga) != len(gb) {
		t.Fatalf("log counts differ: %d vs %d", len(ga), len(gb))
	}
	for i := range ga {
		if ga[i] != gb[i] {
			t.Fatalf("log %d differs: %+v vs %+v", i, ga[i], gb[i])
		}
	}
}

func TestCompactDropsLogTombstones(t *testing.T) {
	tomb := LogRecord{Name: "refs/heads/main", UpdateIndex: 2}
	live := logsFor("refs/heads/main", 1)[0]
	t0 := writeTable(t, nil, 0, 2, nil, []LogRecord{tomb, live})

	var out bytes.Buffer
	stats, err := Compact(&out, []*Reader{openTable(t, t0)}, CompactConfig{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.InputLogs != 2 || stats.OutputLogs != 1 {
		t.Fatalf("log counts = %d in, %d out", stats.InputLogs, stats.OutputLogs)
	}

	r := openTable(t, out.Bytes())
	c, err := r.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs: %v", err)
	}
	got := collectLogs(t, c)
	if len(got) != 1 || got[0].UpdateIndex != 1 {
		t.Fatalf("compacted logs = %+v", got)
	}
}

func TestCompactMergesLogsAndRefs(t *testing.T) {
	t0 := writeTable(t, nil, 0, 1,
		[]RefRecord{
			{Name: "refs/heads/a", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)},
			{Name: "refs/heads/b", UpdateIndex: 1, Kind: RefDirect, ID: testOID(2)},
		},
		logsFor("refs/heads/a", 1))
	t1 := writeTable(t, nil, 2, 2,
		[]RefRecord{
			{Name: "refs/heads/b", UpdateIndex: 2, Kind: RefDirect, ID: testOID(3)},
			{Name: "refs/heads/c", UpdateIndex: 2, Kind: RefDirect, ID: testOID(4)},
		},
		logsFor("refs/heads/b", 2))

	var out bytes.Buffer
	stats, err := Compact(&out, []*Reader{openTable(t, t0), openTable(t, t1)}, CompactConfig{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.OutputRefs != 3 || stats.OutputLogs != 2 {
		t.Fatalf("output counts = %d refs, %d logs", stats.OutputRefs, stats.OutputLogs)
	}

	r := openTable(t, out.Bytes())
	c, err := r.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	got := collectRefs(t, c)
	if len(got) != 3 || got[1].ID != testOID(3) || got[1].UpdateIndex != 2 {
		t.Fatalf("merged refs = %+v", got)
	}

	lc, err := r.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs: %v", err)
	}
	logs := collectLogs(t, lc)
	if len(logs) != 2 || logs[0].Name != "refs/heads/a" || logs[1].Name != "refs/heads/b" {
		t.Fatalf("merged logs = %+v", logs)
	}
}
