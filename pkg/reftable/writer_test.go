package reftable

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// writeTable builds a sealed table and returns its bytes.
func writeTable(t *testing.T, opts *Options, min, max uint64, refs []RefRecord, logs []LogRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(min, max); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := range refs {
		if err := w.WriteRef(&refs[i]); err != nil {
			t.Fatalf("WriteRef(%q): %v", refs[i].Name, err)
		}
	}
	for i := range logs {
		if err := w.WriteLog(&logs[i]); err != nil {
			t.Fatalf("WriteLog(%q@%d): %v", logs[i].Name, logs[i].UpdateIndex, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func openTable(t *testing.T, data []byte) *Reader {
	t.Helper()
	r, err := NewReader(NewBufferSource(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestEmptyTable(t *testing.T) {
	data := writeTable(t, nil, 0, 0, nil, nil)
	if len(data) != headerLen+footerLen {
		t.Fatalf("empty table is %d bytes, want %d", len(data), headerLen+footerLen)
	}
	want := []byte{0x52, 0x45, 0x46, 0x54, 0x01}
	if !bytes.Equal(data[:5], want) {
		t.Fatalf("header starts % x, want % x", data[:5], want)
	}

	r := openTable(t, data)
	c, err := r.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	if ok, err := c.Next(); ok || err != nil {
		t.Fatalf("Next on empty table = (%v, %v)", ok, err)
	}
	lc, err := r.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs: %v", err)
	}
	if ok, err := lc.Next(); ok || err != nil {
		t.Fatalf("log Next on empty table = (%v, %v)", ok, err)
	}
	if !r.HasObjectMap() {
		t.Fatal("a table without refs trivially has an object map")
	}
}

func TestSingleRefTableLayout(t *testing.T) {
	name := "refs/heads/master"
	data := writeTable(t, &Options{SkipIndexObjects: true}, 0, 0,
		[]RefRecord{{Name: name, UpdateIndex: 0, Kind: RefDirect, ID: testOID(1)}}, nil)

	// header + block header + key (varints and name) + value (varint and
	// id) + restart table + CRC + footer.
	want := headerLen + blockHeaderLen + (1 + 2 + len(name)) + (1 + 20) + restartTableMin + blockCRCLen + footerLen
	if len(data) != want {
		t.Fatalf("table is %d bytes, want %d", len(data), want)
	}

	r := openTable(t, data)
	c, err := r.AllRefs()
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v)", ok, err)
	}
	got := c.Ref()
	if got.Name != name || got.Kind != RefDirect || got.UpdateIndex != 0 || got.ID != testOID(1) {
		t.Fatalf("record = %+v", got)
	}
	if c.WasDeleted() {
		t.Fatal("live record reported deleted")
	}
	if ok, _ := c.Next(); ok {
		t.Fatal("second record on single-ref table")
	}
	if r.HasObjectMap() {
		t.Fatal("object map reported without obj section and with refs present")
	}
}

func TestWriterOrderEnforcement(t *testing.T) {
	newBegun := func(t *testing.T) *Writer {
		w, err := NewWriter(&bytes.Buffer{}, nil)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if err := w.Begin(0, 10); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		return w
	}

	t.Run("descending refs", func(t *testing.T) {
		w := newBegun(t)
		if err := w.WriteRef(&RefRecord{Name: "b", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)}); err != nil {
			t.Fatalf("WriteRef: %v", err)
		}
		err := w.WriteRef(&RefRecord{Name: "a", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("descending write: %v", err)
		}
	})

	t.Run("duplicate ref", func(t *testing.T) {
		w := newBegun(t)
		if err := w.WriteRef(&RefRecord{Name: "a", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)}); err != nil {
			t.Fatalf("WriteRef: %v", err)
		}
		err := w.WriteRef(&RefRecord{Name: "a", UpdateIndex: 2, Kind: RefDirect, ID: testOID(2)})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("duplicate write: %v", err)
		}
	})

	t.Run("unsorted batch", func(t *testing.T) {
		w := newBegun(t)
		err := w.WriteRefs([]RefRecord{
			{Name: "b", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)},
			{Name: "a", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)},
		})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("unsorted batch: %v", err)
		}
	})

	t.Run("ref after log", func(t *testing.T) {
		w := newBegun(t)
		if err := w.WriteLog(&LogRecord{Name: "a", UpdateIndex: 1, New: testOID(1), Message: "x"}); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
		err := w.WriteRef(&RefRecord{Name: "a", UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("ref after log: %v", err)
		}
	})

	t.Run("duplicate log key", func(t *testing.T) {
		w := newBegun(t)
		if err := w.WriteLog(&LogRecord{Name: "a", UpdateIndex: 2, New: testOID(1), Message: "x"}); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
		err := w.WriteLog(&LogRecord{Name: "a", UpdateIndex: 2, New: testOID(2), Message: "y"})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("duplicate log key: %v", err)
		}
	})

	t.Run("ascending log index for one name", func(t *testing.T) {
		w := newBegun(t)
		if err := w.WriteLog(&LogRecord{Name: "a", UpdateIndex: 1, New: testOID(1), Message: "x"}); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
		err := w.WriteLog(&LogRecord{Name: "a", UpdateIndex: 2, New: testOID(2), Message: "y"})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("ascending update index: %v", err)
		}
	})

	t.Run("update index bounds", func(t *testing.T) {
		w := newBegun(t)
		err := w.WriteRef(&RefRecord{Name: "a", UpdateIndex: 11, Kind: RefDirect, ID: testOID(1)})
		if !errors.Is(err, ErrContract) {
			t.Fatalf("out-of-range update index: %v", err)
		}
	})

	t.Run("write before begin", func(t *testing.T) {
		w, err := NewWriter(&bytes.Buffer{}, nil)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if err := w.WriteRef(&RefRecord{Name: "a", Kind: RefDirect, ID: testOID(1)}); !errors.Is(err, ErrContract) {
			t.Fatalf("write before Begin: %v", err)
		}
	})
}

func TestWriterRejectsUnpeeledTag(t *testing.T) {
	w, err := NewWriter(&bytes.Buffer{}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(0, 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = w.WriteRef(&RefRecord{Name: "refs/tags/v1", UpdateIndex: 1, Kind: RefTag, ID: testOID(1)})
	if !errors.Is(err, ErrPeeledRefRequired) {
		t.Fatalf("unpeeled tag: %v", err)
	}
}

func TestWriterRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "refs/heads/", "refs/\x00"} {
		w, err := NewWriter(&bytes.Buffer{}, nil)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if err := w.Begin(0, 1); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := w.WriteRef(&RefRecord{Name: name, UpdateIndex: 1, Kind: RefDirect, ID: testOID(1)}); !errors.Is(err, ErrContract) {
			t.Fatalf("name %q: %v", name, err)
		}
	}
}

func TestBlockSizeTooSmall(t *testing.T) {
	rec := RefRecord{
		Name:        "refs/heads/a-very-long-branch-name-that-cannot-fit-in-a-tiny-block-at-all",
		UpdateIndex: 0,
		Kind:        RefDirect,
		ID:          testOID(1),
	}

	w, err := NewWriter(&bytes.Buffer{}, &Options{BlockSize: 96})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(0, 0); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = w.WriteRef(&rec)
	var bse *BlockSizeError
	if !errors.As(err, &bse) {
		t.Fatalf("got %v, want BlockSizeError", err)
	}
	if !errors.Is(err, ErrContract) {
		t.Fatal("BlockSizeError must match ErrContract")
	}

	// The reported minimum must be achievable.
	data := writeTable(t, &Options{BlockSize: bse.MinBlockSize}, 0, 0, []RefRecord{rec}, nil)
	r := openTable(t, data)
	got, err := r.ExactRef(rec.Name)
	if err != nil || got == nil {
		t.Fatalf("ExactRef after rewrite = (%+v, %v)", got, err)
	}
}

func TestFinishIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(0, 0); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	size := buf.Len()
	if err := w.Finish(); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if buf.Len() != size {
		t.Fatal("second Finish wrote bytes")
	}
}

func TestWriterStats(t *testing.T) {
	refs := make([]RefRecord, 100)
	for i := range refs {
		refs[i] = RefRecord{
			Name:        fmt.Sprintf("refs/heads/branch%03d", i),
			UpdateIndex: 1,
			Kind:        RefDirect,
			ID:          testOID(byte(i)),
		}
	}
	logs := []LogRecord{
		{Name: "refs/heads/branch000", UpdateIndex: 1, New: testOID(0), AuthorName: "a", AuthorEmail: "a@b", Message: "m"},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, &Options{BlockSize: 512})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(1, 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := range refs {
		if err := w.WriteRef(&refs[i]); err != nil {
			t.Fatalf("WriteRef: %v", err)
		}
	}
	for i := range logs {
		if err := w.WriteLog(&logs[i]); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	st := w.Stats()
	if st.Refs.Entries != 100 {
		t.Fatalf("ref entries = %d, want 100", st.Refs.Entries)
	}
	if st.Refs.Blocks < 2 {
		t.Fatalf("ref blocks = %d, want several", st.Refs.Blocks)
	}
	if st.Refs.IndexLevels < 1 || st.Refs.IndexRoot == 0 {
		t.Fatalf("ref index levels = %d root = %d", st.Refs.IndexLevels, st.Refs.IndexRoot)
	}
	if st.Objs.Entries == 0 || st.ObjectIDLen == 0 {
		t.Fatalf("obj section missing: %+v", st.Objs)
	}
	if st.Logs.Entries != 1 {
		t.Fatalf("log entries = %d, want 1", st.Logs.Entries)
	}
	if st.TotalBytes != uint64(buf.Len()) {
		t.Fatalf("TotalBytes = %d, file is %d", st.TotalBytes, buf.Len())
	}
	if st.MinUpdateIndex != 1 || st.MaxUpdateIndex != 1 {
		t.Fatalf("range = [%d, %d]", st.MinUpdateIndex, st.MaxUpdateIndex)
	}
}
