package reftable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// Options configure a Writer.
type Options struct {
	// BlockSize is the target block size in bytes. 0 means 4096. Must be
	// below 1<<24.
	BlockSize uint32

	// RestartInterval is the record count between restart points. 0 means
	// 16.
	RestartInterval int

	// AlignBlocks pads every non-terminal, non-log block to BlockSize.
	AlignBlocks bool

	// SkipIndexObjects disables the object-to-ref index section.
	SkipIndexObjects bool

	// UncompressedLogs stores log blocks raw instead of zlib-deflated.
	UncompressedLogs bool

	// MaxIndexLevels caps the index pyramid height per section. 0 means
	// unbounded. When the cap is hit the top level is left as a flat,
	// possibly multi-block index.
	MaxIndexLevels int
}

func (o *Options) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = defaultRestartInterval
	}
}

// SectionStats describes one section of a written table.
type SectionStats struct {
	Blocks   int
	Entries  int
	Restarts int
	Bytes    uint64

	// Offset is the file position of the section's first block.
	Offset uint64

	IndexBlocks int
	IndexLevels int
	IndexRoot   uint64
}

// Stats summarizes a finished table.
type Stats struct {
	Refs SectionStats
	Objs SectionStats
	Logs SectionStats

	// ObjectIDLen is the table-wide object-id prefix length of the obj
	// section, 0 when the section is absent.
	ObjectIDLen int

	Blocks     int
	TotalBytes uint64

	MinUpdateIndex uint64
	MaxUpdateIndex uint64
}

type writerState int

const (
	stateInit writerState = iota
	stateBegan
	stateRefs
	stateObjs
	stateLogs
	stateDone
)

// Writer produces a single table from a monotonically increasing record
// sequence: Begin, refs, logs, Finish. It is not safe for concurrent use.
type Writer struct {
	out  io.Writer
	opts Options

	state writerState
	err   error

	minUpdate uint64
	maxUpdate uint64

	// next is the file offset of the block being assembled.
	next           uint64
	pendingPadding int

	block      []byte
	bw         *blockWriter
	curSection byte

	// index collects level-0 entries of the section being written.
	index []indexRecord

	objIndex map[OID][]uint64

	lastRefName string
	lastLogKey  string

	stats Stats
}

// NewWriter creates a writer that streams a table to out.
func NewWriter(out io.Writer, opts *Options) (*Writer, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()
	if o.BlockSize > maxBlockSize {
		return nil, fmt.Errorf("%w: block size %d exceeds 2^24-1", ErrContract, o.BlockSize)
	}
	w := &Writer{
		out:   out,
		opts:  o,
		block: make([]byte, o.BlockSize),
	}
	if !o.SkipIndexObjects {
		w.objIndex = make(map[OID][]uint64)
	}
	return w, nil
}

// Begin declares the inclusive update-index range the table contributes. The
// file header reaches out with the first block, or in Finish for a table
// without blocks.
func (w *Writer) Begin(minUpdateIndex, maxUpdateIndex uint64) error {
	if w.err != nil {
		return w.err
	}
	if w.state != stateInit {
		return w.fail(fmt.Errorf("%w: Begin called twice", ErrContract))
	}
	if minUpdateIndex > maxUpdateIndex {
		return w.fail(fmt.Errorf("%w: min update index %d > max %d", ErrContract, minUpdateIndex, maxUpdateIndex))
	}
	w.minUpdate = minUpdateIndex
	w.maxUpdate = maxUpdateIndex
	w.stats.MinUpdateIndex = minUpdateIndex
	w.stats.MaxUpdateIndex = maxUpdateIndex
	w.state = stateBegan
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

func (w *Writer) headerBytes() []byte {
	h := make([]byte, headerLen)
	copy(h, magic[:])
	h[4] = formatVersion
	putU24(h[5:], w.opts.BlockSize)
	binary.BigEndian.PutUint64(h[8:], w.minUpdate)
	binary.BigEndian.PutUint64(h[16:], w.maxUpdate)
	return h
}

// WriteRef adds one reference. Names must be strictly increasing, and refs
// cannot follow logs.
func (w *Writer) WriteRef(r *RefRecord) error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case stateBegan, stateRefs:
	case stateInit:
		return w.fail(fmt.Errorf("%w: WriteRef before Begin", ErrContract))
	default:
		return w.fail(fmt.Errorf("%w: WriteRef after the ref section was closed", ErrContract))
	}
	if err := ValidateRefName(r.Name); err != nil {
		return w.fail(err)
	}
	if w.lastRefName != "" && r.Name <= w.lastRefName {
		return w.fail(fmt.Errorf("%w: ref %q not greater than %q", ErrContract, r.Name, w.lastRefName))
	}
	if r.UpdateIndex < w.minUpdate || r.UpdateIndex > w.maxUpdate {
		return w.fail(fmt.Errorf("%w: ref %q update index %d outside [%d, %d]",
			ErrContract, r.Name, r.UpdateIndex, w.minUpdate, w.maxUpdate))
	}
	switch r.Kind {
	case RefAbsent, RefDirect, RefSymbolic:
	case RefTag:
		if r.PeeledID.IsZero() {
			return w.fail(fmt.Errorf("%w: tag ref %q", ErrPeeledRefRequired, r.Name))
		}
	default:
		return w.fail(fmt.Errorf("%w: ref %q has invalid kind %d", ErrContract, r.Name, r.Kind))
	}

	w.state = stateRefs
	w.curSection = blockTypeRef

	rec := *r
	rec.UpdateIndex -= w.minUpdate
	if err := w.add(&rec); err != nil {
		return w.fail(err)
	}
	w.lastRefName = r.Name

	if r.Kind == RefDirect || r.Kind == RefTag {
		w.noteObject(r.ID)
	}
	if r.Kind == RefTag {
		w.noteObject(r.PeeledID)
	}
	return nil
}

// WriteRefs verifies that the collection is strictly increasing by name and
// writes it. A non-increasing collection is rejected before any record is
// written.
func (w *Writer) WriteRefs(refs []RefRecord) error {
	if w.err != nil {
		return w.err
	}
	for i := 1; i < len(refs); i++ {
		if refs[i].Name <= refs[i-1].Name {
			return w.fail(fmt.Errorf("%w: refs not sorted: %q after %q",
				ErrContract, refs[i].Name, refs[i-1].Name))
		}
	}
	for i := range refs {
		if err := w.WriteRef(&refs[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteLog adds one reflog entry. Composite keys (name, inverted update
// index) must be strictly increasing; the first log closes the ref and obj
// sections.
func (w *Writer) WriteLog(l *LogRecord) error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case stateBegan, stateRefs:
		if err := w.closeRefSection(); err != nil {
			return w.fail(err)
		}
		// The log section is never padded, including its front edge.
		w.next -= uint64(w.pendingPadding)
		w.pendingPadding = 0
		w.state = stateLogs
	case stateLogs:
	case stateInit:
		return w.fail(fmt.Errorf("%w: WriteLog before Begin", ErrContract))
	default:
		return w.fail(fmt.Errorf("%w: WriteLog after Finish", ErrContract))
	}
	if err := ValidateRefName(l.Name); err != nil {
		return w.fail(err)
	}
	if l.UpdateIndex < w.minUpdate || l.UpdateIndex > w.maxUpdate {
		return w.fail(fmt.Errorf("%w: log %q update index %d outside [%d, %d]",
			ErrContract, l.Name, l.UpdateIndex, w.minUpdate, w.maxUpdate))
	}
	key := logKey(l.Name, l.UpdateIndex)
	if w.lastLogKey != "" && key <= w.lastLogKey {
		return w.fail(fmt.Errorf("%w: log %q@%d not greater than previous entry",
			ErrContract, l.Name, l.UpdateIndex))
	}

	w.curSection = blockTypeLog
	rec := *l
	if err := w.add(&rec); err != nil {
		return w.fail(err)
	}
	w.lastLogKey = key
	return nil
}

// Finish seals the table: closes the open section, writes the remaining
// index pyramids and the footer. Finish is idempotent once it succeeds.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case stateDone:
		return nil
	case stateInit:
		return w.fail(fmt.Errorf("%w: Finish before Begin", ErrContract))
	case stateBegan:
	case stateRefs:
		if err := w.closeRefSection(); err != nil {
			return w.fail(err)
		}
	case stateLogs:
		w.curSection = blockTypeLog
		if err := w.flushBlock(); err != nil {
			return w.fail(err)
		}
		if err := w.writeIndexPyramid(&w.stats.Logs); err != nil {
			return w.fail(err)
		}
	}

	if w.next == 0 {
		// Empty table: the header was never carried by a block.
		if _, err := w.out.Write(w.headerBytes()); err != nil {
			return w.fail(fmt.Errorf("write header: %w", err))
		}
		w.next = headerLen
	}

	// Trailing padding is dropped; the footer follows the last frame.
	w.next -= uint64(w.pendingPadding)
	w.pendingPadding = 0
	if err := w.writeFooter(); err != nil {
		return w.fail(err)
	}
	w.stats.TotalBytes = w.next + footerLen
	w.state = stateDone
	return nil
}

// Stats returns write statistics; complete once Finish succeeded.
func (w *Writer) Stats() Stats {
	return w.stats
}

func (w *Writer) writeFooter() error {
	f := make([]byte, footerLen)
	copy(f, w.headerBytes()[:8])
	binary.BigEndian.PutUint64(f[8:], w.minUpdate)
	binary.BigEndian.PutUint64(f[16:], w.maxUpdate)
	binary.BigEndian.PutUint64(f[24:], w.stats.Refs.IndexRoot)
	binary.BigEndian.PutUint64(f[32:], w.stats.Objs.IndexRoot<<5|uint64(w.stats.ObjectIDLen&0x1f))
	binary.BigEndian.PutUint64(f[40:], w.stats.Logs.IndexRoot)
	binary.BigEndian.PutUint32(f[64:], crc32.ChecksumIEEE(f[:64]))
	if _, err := w.out.Write(f); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

func (w *Writer) newSectionBlock(typ byte) {
	headerOff := uint32(0)
	if w.next == 0 {
		headerOff = uint32(copy(w.block, w.headerBytes()))
	}
	w.bw = newBlockWriter(typ, w.block, headerOff, w.opts.RestartInterval, !w.opts.UncompressedLogs)
}

// add encodes rec into the current block, flushing and retrying once on
// overflow.
func (w *Writer) add(rec record) error {
	if w.bw == nil {
		w.newSectionBlock(rec.typ())
	}
	if w.bw.add(rec) {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	w.newSectionBlock(rec.typ())
	if !w.bw.add(rec) {
		return &BlockSizeError{MinBlockSize: minBlockSizeFor(rec)}
	}
	return nil
}

// minBlockSizeFor computes a block size that accepts rec as the first
// record of the block at file offset 0.
func minBlockSizeFor(rec record) uint32 {
	n := encodedRecordLen(rec)
	return uint32(headerLen + blockHeaderLen + n + restartTableMin + blockCRCLen)
}

func encodedRecordLen(rec record) int {
	for size := 64 + 2*len(rec.key()); ; size *= 2 {
		buf := make([]byte, size)
		n, _, ok := encodeRecordKey(buf, "", rec.key(), rec.valType())
		if !ok {
			continue
		}
		vn, ok := rec.encodeValue(buf[n:])
		if !ok {
			continue
		}
		return n + vn
	}
}

func (w *Writer) writeOut(frame []byte, padding int) error {
	if w.pendingPadding > 0 {
		if _, err := w.out.Write(make([]byte, w.pendingPadding)); err != nil {
			return fmt.Errorf("write padding: %w", err)
		}
		w.pendingPadding = 0
	}
	if _, err := w.out.Write(frame); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	w.pendingPadding = padding
	return nil
}

func (w *Writer) flushBlock() error {
	if w.bw == nil || w.bw.entries == 0 {
		w.bw = nil
		return nil
	}
	typ := w.bw.getType()
	frame, err := w.bw.finish()
	if err != nil {
		return err
	}

	padding := 0
	if w.opts.AlignBlocks && typ != blockTypeLog {
		if padding = int(w.opts.BlockSize) - len(frame); padding < 0 {
			padding = 0
		}
	}

	off := w.next
	if err := w.writeOut(frame, padding); err != nil {
		return err
	}
	w.index = append(w.index, indexRecord{LastKey: w.bw.lastKey, Offset: off})

	sec := w.section(w.curSection)
	if typ == blockTypeIndex {
		sec.IndexBlocks++
	} else {
		if sec.Blocks == 0 {
			sec.Offset = off
		}
		sec.Blocks++
		sec.Entries += w.bw.entries
		sec.Restarts += len(w.bw.restarts)
	}
	sec.Bytes += uint64(len(frame))
	w.stats.Blocks++

	w.next += uint64(len(frame) + padding)
	w.bw = nil
	return nil
}

func (w *Writer) section(typ byte) *SectionStats {
	switch typ {
	case blockTypeObj:
		return &w.stats.Objs
	case blockTypeLog:
		return &w.stats.Logs
	default:
		return &w.stats.Refs
	}
}

// closeRefSection flushes the ref blocks and their index pyramid, then
// writes the obj section with its pyramid. Each pyramid sits directly after
// its section so the block chain stays self-describing: a walk always meets
// a type change at a section boundary.
func (w *Writer) closeRefSection() error {
	w.curSection = blockTypeRef
	if err := w.flushBlock(); err != nil {
		return err
	}
	if err := w.writeIndexPyramid(&w.stats.Refs); err != nil {
		return err
	}
	return w.writeObjSection()
}

func (w *Writer) noteObject(id OID) {
	if w.objIndex == nil || id.IsZero() {
		return
	}
	offs := w.objIndex[id]
	if len(offs) > 0 && offs[len(offs)-1] == w.next {
		return
	}
	w.objIndex[id] = append(offs, w.next)
}

func (w *Writer) writeObjSection() error {
	if len(w.objIndex) == 0 {
		return nil
	}
	w.state = stateObjs
	w.curSection = blockTypeObj

	keys := make([]string, 0, len(w.objIndex))
	for id := range w.objIndex {
		keys = append(keys, string(id[:]))
	}
	sort.Strings(keys)

	// The shortest prefix length that keeps all indexed ids distinct.
	maxCommon := 0
	for i := 1; i < len(keys); i++ {
		if c := commonPrefixLen(keys[i-1], keys[i]); c > maxCommon {
			maxCommon = c
		}
	}
	w.stats.ObjectIDLen = maxCommon + 1

	for _, k := range keys {
		var id OID
		copy(id[:], k)
		rec := &objRecord{
			IDPrefix: []byte(k[:w.stats.ObjectIDLen]),
			Offsets:  w.objIndex[id],
		}
		if w.bw == nil {
			w.newSectionBlock(blockTypeObj)
		}
		if w.bw.add(rec) {
			continue
		}
		if err := w.flushBlock(); err != nil {
			return err
		}
		w.newSectionBlock(blockTypeObj)
		if w.bw.add(rec) {
			continue
		}
		// A very popular object: drop the offset list and let readers
		// fall back to scanning the ref blocks for this prefix.
		rec.Offsets = nil
		if !w.bw.add(rec) {
			return &BlockSizeError{MinBlockSize: minBlockSizeFor(rec)}
		}
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	return w.writeIndexPyramid(&w.stats.Objs)
}

// writeIndexPyramid promotes the collected level-0 entries of sec into
// index blocks until one block (or the configured level cap) remains. A
// one-block section keeps index root 0; readers scan it directly.
func (w *Writer) writeIndexPyramid(sec *SectionStats) error {
	entries := w.index
	w.index = nil
	if len(entries) <= 1 {
		return nil
	}

	level := 0
	var root uint64
	for len(entries) > 1 {
		if w.opts.MaxIndexLevels > 0 && level >= w.opts.MaxIndexLevels {
			// Leave the top level as an oversized flat index.
			break
		}
		root = w.next
		for i := range entries {
			if w.bw == nil {
				w.newSectionBlock(blockTypeIndex)
			}
			if w.bw.add(&entries[i]) {
				continue
			}
			if err := w.flushBlock(); err != nil {
				return err
			}
			w.newSectionBlock(blockTypeIndex)
			if !w.bw.add(&entries[i]) {
				return &BlockSizeError{MinBlockSize: minBlockSizeFor(&entries[i])}
			}
		}
		if err := w.flushBlock(); err != nil {
			return err
		}
		level++
		entries = w.index
		w.index = nil
	}

	sec.IndexLevels = level
	sec.IndexRoot = root
	return nil
}
