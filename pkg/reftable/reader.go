package reftable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
)

var readerIDs atomic.Uint64

// errPadding marks a read that landed on alignment padding rather than a
// block frame. Internal to the block-walking logic.
var errPadding = errors.New("reftable: padding")

// Reader gives random access to a sealed table. Distinct cursors obtained
// from one Reader may be used concurrently as long as the BlockSource
// supports concurrent reads.
type Reader struct {
	src  BlockSource
	size uint64 // data bytes, footer excluded

	blockSize uint32
	minUpdate uint64
	maxUpdate uint64

	refRoot  uint64
	objRoot  uint64
	logRoot  uint64
	objIDLen int

	firstBlockType byte
	includeDeletes bool

	id    uint64
	cache *BlockCache

	// Section start offsets discovered on demand.
	secMu    sync.Mutex
	sections map[byte]sectionPos
}

type sectionPos struct {
	off     uint64
	present bool
}

// NewReader validates the table's header and footer and prepares it for
// reads. The Reader borrows src and closes it in Close.
func NewReader(src BlockSource) (*Reader, error) {
	sz := src.Size()
	if sz < headerLen+footerLen {
		return nil, fmt.Errorf("%w: table of %d bytes is shorter than header and footer", ErrFormat, sz)
	}

	foot, err := src.ReadBlock(sz-footerLen, footerLen)
	if err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	if len(foot) != footerLen {
		return nil, fmt.Errorf("%w: short footer read", ErrFormat)
	}
	head, err := src.ReadBlock(0, headerLen)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(head) != headerLen {
		return nil, fmt.Errorf("%w: short header read", ErrFormat)
	}

	wantCRC := crc32.ChecksumIEEE(foot[:footerLen-4])
	gotCRC := binary.BigEndian.Uint32(foot[footerLen-4:])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("%w: footer CRC %08x, computed %08x", ErrIntegrity, gotCRC, wantCRC)
	}
	if !bytes.Equal(foot[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad footer magic %q", ErrIntegrity, foot[:4])
	}
	if !bytes.Equal(head[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad header magic %q", ErrIntegrity, head[:4])
	}
	if foot[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrFormat, foot[4])
	}
	if !bytes.Equal(head, foot[:headerLen]) {
		return nil, fmt.Errorf("%w: header and footer disagree", ErrIntegrity)
	}

	r := &Reader{
		src:       src,
		size:      sz - footerLen,
		blockSize: getU24(foot[5:]),
		minUpdate: binary.BigEndian.Uint64(foot[8:]),
		maxUpdate: binary.BigEndian.Uint64(foot[16:]),
		refRoot:   binary.BigEndian.Uint64(foot[24:]),
		logRoot:   binary.BigEndian.Uint64(foot[40:]),
		id:        readerIDs.Add(1),
		sections:  make(map[byte]sectionPos),
	}
	objPacked := binary.BigEndian.Uint64(foot[32:])
	r.objRoot = objPacked >> 5
	r.objIDLen = int(objPacked & 0x1f)

	if r.minUpdate > r.maxUpdate {
		return nil, fmt.Errorf("%w: min update index %d > max %d", ErrFormat, r.minUpdate, r.maxUpdate)
	}

	if r.size > headerLen {
		b, err := src.ReadBlock(headerLen, 1)
		if err != nil {
			return nil, fmt.Errorf("read first block: %w", err)
		}
		if len(b) != 1 || !isBlockType(b[0]) {
			return nil, fmt.Errorf("%w: invalid first block", ErrFormat)
		}
		r.firstBlockType = b[0]
	}
	return r, nil
}

func (r *Reader) Close() error {
	return r.src.Close()
}

// MinUpdateIndex returns the lower bound of the table's update-index range.
func (r *Reader) MinUpdateIndex() uint64 { return r.minUpdate }

// MaxUpdateIndex returns the upper bound of the table's update-index range.
func (r *Reader) MaxUpdateIndex() uint64 { return r.maxUpdate }

// SetIncludeDeletes controls whether cursors created afterwards yield
// tombstones.
func (r *Reader) SetIncludeDeletes(yes bool) {
	r.includeDeletes = yes
}

// SetCache attaches a shared block cache. Optional; correctness does not
// depend on hits.
func (r *Reader) SetCache(c *BlockCache) {
	r.cache = c
}

// HasObjectMap reports whether ByObjectID is index-backed: the table was
// written with an obj section, or holds no refs at all.
func (r *Reader) HasObjectMap() bool {
	return r.objIDLen > 0 || r.firstBlockType != blockTypeRef
}

// BlockSize returns the table's declared block size; 0 means the table was
// written without one and sizes derive from each block's own frame.
func (r *Reader) BlockSize() uint32 { return r.blockSize }

// Verify decodes every block in the table, checking framing and CRCs. The
// first failure is returned with its offset.
func (r *Reader) Verify() error {
	off := uint64(0)
	for off < r.size {
		br, err := r.readBlockAt(off)
		if err == errPadding {
			if off, err = r.skipPadding(off); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		off += uint64(br.onDiskLen)
	}
	return nil
}

// newBlockAt reads and decodes the block at off. Returns (nil, nil) when
// off is past the data end or the block's type differs from wantTyp;
// errPadding when off points into alignment padding.
func (r *Reader) newBlockAt(off uint64, wantTyp byte) (*blockReader, error) {
	if off >= r.size {
		return nil, nil
	}

	var br *blockReader
	if r.cache != nil {
		br = r.cache.get(r.id, off)
	}
	if br == nil {
		var err error
		if br, err = r.readBlockAt(off); err != nil {
			return nil, err
		}
		if r.cache != nil {
			r.cache.put(r.id, off, br)
		}
	}
	if wantTyp != blockTypeNone && br.getType() != wantTyp {
		return nil, nil
	}
	return br, nil
}

func (r *Reader) readBlockAt(off uint64) (*blockReader, error) {
	guess := r.blockSize
	if guess == 0 {
		guess = defaultBlockSize
	}
	if off+uint64(guess) > r.size {
		guess = uint32(r.size - off)
	}
	block, err := r.src.ReadBlock(off, int(guess))
	if err != nil {
		return nil, fmt.Errorf("read block at %d: %w", off, err)
	}

	var headerOff uint32
	if off == 0 {
		headerOff = headerLen
	}
	if uint32(len(block)) < headerOff+blockHeaderLen {
		return nil, fmt.Errorf("%w: truncated block at %d", ErrFormat, off)
	}
	if block[headerOff] == 0 {
		return nil, errPadding
	}

	total := getU24(block[headerOff+1:])
	if uint64(total) > r.size-off {
		return nil, fmt.Errorf("%w: block at %d overruns table", ErrFormat, off)
	}
	if total > uint32(len(block)) {
		if block, err = r.src.ReadBlock(off, int(total)); err != nil {
			return nil, fmt.Errorf("read block at %d: %w", off, err)
		}
		if uint32(len(block)) < total {
			return nil, fmt.Errorf("%w: truncated block at %d", ErrFormat, off)
		}
	}

	br, err := newBlockReader(block, headerOff)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", off, err)
	}
	return br, nil
}

// skipPadding rounds off up to the next block boundary when it points into
// padding of an aligned table.
func (r *Reader) skipPadding(off uint64) (uint64, error) {
	if r.blockSize == 0 {
		return 0, fmt.Errorf("%w: padding in unaligned table at %d", ErrFormat, off)
	}
	bs := uint64(r.blockSize)
	return (off/bs + 1) * bs, nil
}

// sectionStart locates the first block of the given section, consulting the
// section's index pyramid when one exists and otherwise walking the block
// chain from the file start.
func (r *Reader) sectionStart(typ byte) (sectionPos, error) {
	r.secMu.Lock()
	defer r.secMu.Unlock()
	if pos, ok := r.sections[typ]; ok {
		return pos, nil
	}

	pos, err := r.findSection(typ)
	if err != nil {
		return sectionPos{}, err
	}
	r.sections[typ] = pos
	return pos, nil
}

func (r *Reader) findSection(typ byte) (sectionPos, error) {
	switch typ {
	case blockTypeRef:
		return sectionPos{off: 0, present: r.firstBlockType == blockTypeRef}, nil
	case blockTypeObj:
		if r.objIDLen == 0 {
			return sectionPos{}, nil
		}
		if r.objRoot > 0 {
			off, err := r.leftmostLeaf(r.objRoot, typ)
			if err != nil {
				return sectionPos{}, err
			}
			return sectionPos{off: off, present: true}, nil
		}
	case blockTypeLog:
		if r.firstBlockType == blockTypeLog {
			return sectionPos{off: 0, present: true}, nil
		}
		if r.logRoot > 0 {
			off, err := r.leftmostLeaf(r.logRoot, typ)
			if err != nil {
				return sectionPos{}, err
			}
			return sectionPos{off: off, present: true}, nil
		}
	}
	return r.walkToSection(typ)
}

// leftmostLeaf descends an index pyramid to the first data block it covers.
func (r *Reader) leftmostLeaf(root uint64, wantTyp byte) (uint64, error) {
	off := root
	for {
		br, err := r.newBlockAt(off, blockTypeNone)
		if err != nil {
			return 0, err
		}
		if br == nil {
			return 0, fmt.Errorf("%w: index points past table at %d", ErrFormat, off)
		}
		switch br.getType() {
		case wantTyp:
			return off, nil
		case blockTypeIndex:
		default:
			return 0, fmt.Errorf("%w: index points at %c block at %d", ErrFormat, br.getType(), off)
		}
		var bi blockIter
		br.start(&bi)
		var rec indexRecord
		ok, err := bi.next(&rec)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: empty index block at %d", ErrFormat, off)
		}
		off = rec.Offset
	}
}

// walkToSection scans the self-delimiting block chain for the first block
// of the wanted type. The walk starts at the file start and decodes every
// block of the sections before the wanted one.
func (r *Reader) walkToSection(wantTyp byte) (sectionPos, error) {
	if r.size <= headerLen {
		return sectionPos{}, nil
	}
	off := uint64(0)
	for off < r.size {
		br, err := r.newBlockAt(off, blockTypeNone)
		if err == errPadding {
			if off, err = r.skipPadding(off); err != nil {
				return sectionPos{}, err
			}
			continue
		}
		if err != nil {
			return sectionPos{}, err
		}
		if br == nil {
			break
		}
		if br.getType() == wantTyp {
			return sectionPos{off: off, present: true}, nil
		}
		off += uint64(br.onDiskLen)
	}
	return sectionPos{}, nil
}

// tableIter iterates the records of one section in file order.
type tableIter struct {
	r        *Reader
	typ      byte
	blockOff uint64
	bi       blockIter
	finished bool
}

func (i *tableIter) next(rec record) (bool, error) {
	for {
		if i.finished {
			return false, nil
		}
		ok, err := i.nextInBlock(rec)
		if err != nil || ok {
			return ok, err
		}
		ok, err = i.nextBlock()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
}

func (i *tableIter) nextInBlock(rec record) (bool, error) {
	ok, err := i.bi.next(rec)
	if err != nil {
		return false, fmt.Errorf("block %c at %d: %w", i.typ, i.blockOff, err)
	}
	if ok {
		if ref, isRef := rec.(*RefRecord); isRef {
			ref.UpdateIndex += i.r.minUpdate
		}
	}
	return ok, nil
}

func (i *tableIter) nextBlock() (bool, error) {
	off := i.blockOff + uint64(i.bi.br.onDiskLen)
	for {
		br, err := i.r.newBlockAt(off, i.typ)
		if err == errPadding {
			if off, err = i.r.skipPadding(off); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if br == nil {
			i.finished = true
			return false, nil
		}
		br.start(&i.bi)
		i.blockOff = off
		return true, nil
	}
}

// tabIterAt opens a section iterator on the block at off.
func (r *Reader) tabIterAt(off uint64, wantTyp byte) (*tableIter, error) {
	br, err := r.newBlockAt(off, wantTyp)
	if err != nil || br == nil {
		return nil, err
	}
	ti := &tableIter{r: r, typ: br.getType(), blockOff: off}
	br.start(&ti.bi)
	return ti, nil
}

// seekKey returns an iterator positioned just before the first record of
// the section whose key is >= key.
func (r *Reader) seekKey(typ byte, key string) (iterator, error) {
	pos, err := r.sectionStart(typ)
	if err != nil {
		return nil, err
	}
	if !pos.present {
		return emptyIter{}, nil
	}
	if key == "" {
		ti, err := r.tabIterAt(pos.off, typ)
		if err != nil {
			return nil, err
		}
		if ti == nil {
			return emptyIter{}, nil
		}
		return ti, nil
	}
	if root := r.indexRoot(typ); root > 0 {
		return r.seekIndexed(typ, root, key)
	}

	ti, err := r.tabIterAt(pos.off, typ)
	if err != nil {
		return nil, err
	}
	if ti == nil {
		return emptyIter{}, nil
	}
	if err := r.seekLinear(ti, key); err != nil {
		return nil, err
	}
	return ti, nil
}

func (r *Reader) indexRoot(typ byte) uint64 {
	switch typ {
	case blockTypeRef:
		return r.refRoot
	case blockTypeObj:
		return r.objRoot
	case blockTypeLog:
		return r.logRoot
	}
	return 0
}

// seekLinear walks block by block until the following block starts past
// key, then binary-searches within the block before it.
func (r *Reader) seekLinear(ti *tableIter, key string) error {
	rec := newRecord(ti.typ)
	for {
		last := *ti
		ok, err := ti.nextBlock()
		if err != nil {
			return err
		}
		if !ok {
			*ti = last
			break
		}
		ok, err = ti.nextInBlock(rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: empty block at %d", ErrFormat, ti.blockOff)
		}
		if rec.key() > key {
			*ti = last
			break
		}
	}
	return ti.bi.seek(key)
}

// seekIndexed descends the index pyramid toward key.
func (r *Reader) seekIndexed(typ byte, root uint64, key string) (iterator, error) {
	idx, err := r.tabIterAt(root, blockTypeIndex)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, fmt.Errorf("%w: missing index block at %d", ErrFormat, root)
	}
	if err := r.seekLinear(idx, key); err != nil {
		return nil, err
	}

	for {
		var rec indexRecord
		ok, err := idx.next(&rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Past the last key of the section.
			return emptyIter{}, nil
		}

		ti, err := r.tabIterAt(rec.Offset, blockTypeNone)
		if err != nil {
			return nil, err
		}
		if ti == nil {
			return nil, fmt.Errorf("%w: index points past table at %d", ErrFormat, rec.Offset)
		}
		if err := ti.bi.seek(key); err != nil {
			return nil, err
		}

		switch ti.typ {
		case typ:
			return ti, nil
		case blockTypeIndex:
			idx = ti
		default:
			return nil, fmt.Errorf("%w: index descent hit %c block at %d", ErrFormat, ti.typ, rec.Offset)
		}
	}
}

// seekRefIter implements refSource for the cursor layer.
func (r *Reader) seekRefIter(key string) (iterator, error) {
	return r.seekKey(blockTypeRef, key)
}

func (r *Reader) seekLogIter(key string) (iterator, error) {
	return r.seekKey(blockTypeLog, key)
}

// refsForOID returns an iterator over refs mentioning id, using the obj
// section when present and falling back to a filtered full scan.
func (r *Reader) refsForOID(id OID) (iterator, error) {
	if r.objIDLen > 0 {
		return r.refsForIndexed(id)
	}
	it, err := r.seekKey(blockTypeRef, "")
	if err != nil {
		return nil, err
	}
	return &filteringRefIter{oid: id, it: it}, nil
}

func (r *Reader) refsForIndexed(id OID) (iterator, error) {
	want := string(id[:r.objIDLen])
	it, err := r.seekKey(blockTypeObj, want)
	if err != nil {
		return nil, err
	}

	var got objRecord
	ok, err := it.next(&got)
	if err != nil {
		return nil, err
	}
	if !ok || got.key() != want {
		return emptyIter{}, nil
	}
	if len(got.Offsets) == 0 {
		// The offset list was dropped at write time; scan the section.
		all, err := r.seekKey(blockTypeRef, "")
		if err != nil {
			return nil, err
		}
		return &filteringRefIter{oid: id, it: all}, nil
	}

	bit := &blockRefIter{r: r, oid: id, offsets: got.Offsets}
	if err := bit.nextBlock(); err != nil {
		return nil, err
	}
	return bit, nil
}

// AllRefs returns a cursor over every ref in name order.
func (r *Reader) AllRefs() (*RefCursor, error) {
	return r.SeekRef("")
}

// SeekRef returns a cursor positioned at the first ref whose name is
// >= name.
func (r *Reader) SeekRef(name string) (*RefCursor, error) {
	it, err := r.seekRefIter(name)
	if err != nil {
		return nil, err
	}
	return &RefCursor{src: r, it: it, includeDeletes: r.includeDeletes}, nil
}

// SeekRefsWithPrefix returns a cursor over the refs whose name starts with
// prefix. An empty prefix scans everything.
func (r *Reader) SeekRefsWithPrefix(prefix string) (*RefCursor, error) {
	it, err := r.seekRefIter(prefix)
	if err != nil {
		return nil, err
	}
	return &RefCursor{src: r, it: it, prefix: prefix, includeDeletes: r.includeDeletes}, nil
}

// ExactRef returns the ref named name, or nil when absent.
func (r *Reader) ExactRef(name string) (*RefRecord, error) {
	c, err := r.SeekRef(name)
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

// ByObjectID returns a cursor over the refs whose target or peeled id
// equals id, in file order. Without an object index the table is scanned.
func (r *Reader) ByObjectID(id OID) (*RefCursor, error) {
	it, err := r.refsForOID(id)
	if err != nil {
		return nil, err
	}
	return &RefCursor{src: r, it: it, includeDeletes: r.includeDeletes, objBacked: true}, nil
}

// AllLogs returns a cursor over every log entry, names ascending and
// update indexes descending within a name.
func (r *Reader) AllLogs() (*LogCursor, error) {
	it, err := r.seekLogIter("")
	if err != nil {
		return nil, err
	}
	return &LogCursor{it: it, includeDeletes: r.includeDeletes}, nil
}

// SeekLog returns a cursor positioned at the newest entry for name whose
// update index is <= maxUpdateIndex. The cursor stays within name.
func (r *Reader) SeekLog(name string, maxUpdateIndex uint64) (*LogCursor, error) {
	it, err := r.seekLogIter(logKey(name, maxUpdateIndex))
	if err != nil {
		return nil, err
	}
	return &LogCursor{it: it, name: name, includeDeletes: r.includeDeletes}, nil
}

// blockRefIter yields matching refs from an explicit list of ref blocks.
type blockRefIter struct {
	r   *Reader
	oid OID

	offsets  []uint64
	cur      blockIter
	finished bool
}

func (i *blockRefIter) nextBlock() error {
	if len(i.offsets) == 0 {
		i.finished = true
		return nil
	}
	off := i.offsets[0]
	i.offsets = i.offsets[1:]

	br, err := i.r.newBlockAt(off, blockTypeRef)
	if err != nil {
		return err
	}
	if br == nil {
		return fmt.Errorf("%w: obj entry points at missing ref block %d", ErrFormat, off)
	}
	br.start(&i.cur)
	return nil
}

func (i *blockRefIter) next(rec record) (bool, error) {
	ref := rec.(*RefRecord)
	for {
		if i.finished {
			return false, nil
		}
		ok, err := i.cur.next(ref)
		if err != nil {
			return false, err
		}
		if !ok {
			if err := i.nextBlock(); err != nil {
				return false, err
			}
			continue
		}
		ref.UpdateIndex += i.r.minUpdate
		if ref.ID == i.oid || (ref.Kind == RefTag && ref.PeeledID == i.oid) {
			return true, nil
		}
	}
}
