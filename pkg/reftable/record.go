package reftable

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// OID is a fixed-width object identifier. The engine treats it as opaque
// bytes; the zero value means "no object".
type OID [20]byte

// IsZero reports whether o is the all-zero id.
func (o OID) IsZero() bool {
	return o == OID{}
}

func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// ParseOID decodes a 40-character hex string.
func ParseOID(s string) (OID, error) {
	var o OID
	if len(s) != 2*len(o) {
		return o, fmt.Errorf("%w: object id %q must be %d hex chars", ErrContract, s, 2*len(o))
	}
	if _, err := hex.Decode(o[:], []byte(s)); err != nil {
		return o, fmt.Errorf("%w: object id %q: %v", ErrContract, s, err)
	}
	return o, nil
}

// RefKind is the storage kind of a reference, matching the on-disk value
// kind in the low bits of the record's suffix varint.
type RefKind byte

const (
	// RefAbsent marks a deletion (tombstone). The record carries no value.
	RefAbsent RefKind = 0

	// RefDirect points at an object id.
	RefDirect RefKind = 1

	// RefTag points at an annotated tag and carries the peeled id the tag
	// ultimately resolves to.
	RefTag RefKind = 2

	// RefSymbolic points at another reference by name.
	RefSymbolic RefKind = 3
)

func (k RefKind) String() string {
	switch k {
	case RefAbsent:
		return "absent"
	case RefDirect:
		return "direct"
	case RefTag:
		return "tag"
	case RefSymbolic:
		return "symbolic"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// RefRecord is one reference in the table. Exactly one of ID, Target, or
// nothing is meaningful depending on Kind; PeeledID is set only for RefTag.
type RefRecord struct {
	Name        string
	UpdateIndex uint64
	Kind        RefKind

	ID       OID
	PeeledID OID
	Target   string
}

// IsTombstone reports whether the record marks a deletion.
func (r *RefRecord) IsTombstone() bool {
	return r.Kind == RefAbsent
}

func (r *RefRecord) String() string {
	return fmt.Sprintf("ref(%s @%d %s)", r.Name, r.UpdateIndex, r.Kind)
}

// LogRecord is one reflog entry. Entries for the same name sort newest
// first; see logKey.
type LogRecord struct {
	Name        string
	UpdateIndex uint64

	Old OID
	New OID

	AuthorName  string
	AuthorEmail string
	Time        uint64
	TZOffset    int16
	Message     string
}

// IsTombstone reports whether the entry deletes prior log history: both ids
// zero and an empty message.
func (l *LogRecord) IsTombstone() bool {
	return l.Old.IsZero() && l.New.IsZero() && l.Message == ""
}

func (l *LogRecord) String() string {
	return fmt.Sprintf("log(%s @%d)", l.Name, l.UpdateIndex)
}

// logKey builds the composite key (name, bit-inverted update index). The
// inversion makes newer entries for the same name sort first.
func logKey(name string, updateIndex uint64) string {
	var suffix [9]byte
	binary.BigEndian.PutUint64(suffix[1:], ^updateIndex)
	return name + string(suffix[:])
}

func parseLogKey(key string) (name string, updateIndex uint64, ok bool) {
	if len(key) < 10 || key[len(key)-9] != 0 {
		return "", 0, false
	}
	name = key[:len(key)-9]
	updateIndex = ^binary.BigEndian.Uint64([]byte(key[len(key)-8:]))
	return name, updateIndex, true
}

// record is the internal codec interface shared by the four record kinds.
// Values encode without their key; the key travels through the
// prefix-compression layer in the block codec.
type record interface {
	typ() byte
	key() string
	valType() uint8
	encodeValue(buf []byte) (n int, fits bool)
	decodeValue(buf []byte, key string, valType uint8) (n int, ok bool)
	copyFrom(record)
}

func newRecord(typ byte) record {
	switch typ {
	case blockTypeRef:
		return new(RefRecord)
	case blockTypeLog:
		return new(LogRecord)
	case blockTypeObj:
		return new(objRecord)
	case blockTypeIndex:
		return new(indexRecord)
	}
	return nil
}

func (r *RefRecord) typ() byte { return blockTypeRef }

func (r *RefRecord) key() string { return r.Name }

func (r *RefRecord) valType() uint8 { return uint8(r.Kind) }

func (r *RefRecord) copyFrom(in record) { *r = *in.(*RefRecord) }

// encodeValue writes the update index (already rebased against the file's
// minimum by the writer) and the kind-specific payload.
func (r *RefRecord) encodeValue(buf []byte) (int, bool) {
	start := buf
	n, ok := putVarint(buf, r.UpdateIndex)
	if !ok {
		return 0, false
	}
	buf = buf[n:]

	switch r.Kind {
	case RefAbsent:
	case RefDirect:
		if len(buf) < len(r.ID) {
			return 0, false
		}
		buf = buf[copy(buf, r.ID[:]):]
	case RefTag:
		if len(buf) < len(r.ID)+len(r.PeeledID) {
			return 0, false
		}
		buf = buf[copy(buf, r.ID[:]):]
		buf = buf[copy(buf, r.PeeledID[:]):]
	case RefSymbolic:
		n, ok := putString(buf, r.Target)
		if !ok {
			return 0, false
		}
		buf = buf[n:]
	}
	return len(start) - len(buf), true
}

func (r *RefRecord) decodeValue(buf []byte, key string, valType uint8) (int, bool) {
	*r = RefRecord{Name: key, Kind: RefKind(valType)}
	start := buf

	delta, n := getVarint(buf)
	if n <= 0 {
		return 0, false
	}
	r.UpdateIndex = delta
	buf = buf[n:]

	switch r.Kind {
	case RefAbsent:
	case RefDirect:
		if len(buf) < len(r.ID) {
			return 0, false
		}
		buf = buf[copy(r.ID[:], buf):]
	case RefTag:
		if len(buf) < len(r.ID)+len(r.PeeledID) {
			return 0, false
		}
		buf = buf[copy(r.ID[:], buf):]
		buf = buf[copy(r.PeeledID[:], buf):]
	case RefSymbolic:
		target, n, ok := getString(buf)
		if !ok {
			return 0, false
		}
		r.Target = target
		buf = buf[n:]
	default:
		return 0, false
	}
	return len(start) - len(buf), true
}

func (l *LogRecord) typ() byte { return blockTypeLog }

func (l *LogRecord) key() string { return logKey(l.Name, l.UpdateIndex) }

// Log values always carry the full payload; kind 0 is accepted on decode as
// an empty deletion marker.
func (l *LogRecord) valType() uint8 { return 1 }

func (l *LogRecord) copyFrom(in record) { *l = *in.(*LogRecord) }

func (l *LogRecord) encodeValue(buf []byte) (int, bool) {
	start := buf
	if len(buf) < len(l.Old)+len(l.New) {
		return 0, false
	}
	buf = buf[copy(buf, l.Old[:]):]
	buf = buf[copy(buf, l.New[:]):]

	n, ok := putString(buf, l.AuthorName)
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	n, ok = putString(buf, l.AuthorEmail)
	if !ok {
		return 0, false
	}
	buf = buf[n:]

	n, ok = putVarint(buf, l.Time)
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	if len(buf) < 2 {
		return 0, false
	}
	binary.BigEndian.PutUint16(buf, uint16(l.TZOffset))
	buf = buf[2:]

	n, ok = putString(buf, l.Message)
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	return len(start) - len(buf), true
}

func (l *LogRecord) decodeValue(buf []byte, key string, valType uint8) (int, bool) {
	*l = LogRecord{}
	name, idx, ok := parseLogKey(key)
	if !ok {
		return 0, false
	}
	l.Name = name
	l.UpdateIndex = idx

	if valType == 0 {
		// Deletion marker without payload.
		return 0, true
	}

	start := buf
	if len(buf) < len(l.Old)+len(l.New) {
		return 0, false
	}
	buf = buf[copy(l.Old[:], buf):]
	buf = buf[copy(l.New[:], buf):]

	var n int
	l.AuthorName, n, ok = getString(buf)
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	l.AuthorEmail, n, ok = getString(buf)
	if !ok {
		return 0, false
	}
	buf = buf[n:]

	t, n := getVarint(buf)
	if n <= 0 {
		return 0, false
	}
	l.Time = t
	buf = buf[n:]

	if len(buf) < 2 {
		return 0, false
	}
	l.TZOffset = int16(binary.BigEndian.Uint16(buf))
	buf = buf[2:]

	l.Message, n, ok = getString(buf)
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	return len(start) - len(buf), true
}

// objRecord maps a unique object-id prefix to the ref blocks that mention
// the id. Offsets are absolute file positions, delta-encoded.
type objRecord struct {
	IDPrefix []byte
	Offsets  []uint64
}

func (r *objRecord) typ() byte { return blockTypeObj }

func (r *objRecord) key() string { return string(r.IDPrefix) }

func (r *objRecord) String() string {
	return fmt.Sprintf("obj(%x)", r.IDPrefix)
}

func (r *objRecord) copyFrom(in record) { *r = *in.(*objRecord) }

// Offset counts 1..7 ride in the suffix varint's low bits; zero selects a
// leading count varint instead.
func (r *objRecord) valType() uint8 {
	if l := len(r.Offsets); l > 0 && l < 8 {
		return uint8(l)
	}
	return 0
}

func (r *objRecord) encodeValue(buf []byte) (int, bool) {
	start := buf
	if len(r.Offsets) == 0 || len(r.Offsets) >= 8 {
		n, ok := putVarint(buf, uint64(len(r.Offsets)))
		if !ok {
			return 0, false
		}
		buf = buf[n:]
	}
	if len(r.Offsets) == 0 {
		return len(start) - len(buf), true
	}

	n, ok := putVarint(buf, r.Offsets[0])
	if !ok {
		return 0, false
	}
	buf = buf[n:]
	last := r.Offsets[0]
	for _, off := range r.Offsets[1:] {
		n, ok := putVarint(buf, off-last)
		if !ok {
			return 0, false
		}
		buf = buf[n:]
		last = off
	}
	return len(start) - len(buf), true
}

func (r *objRecord) decodeValue(buf []byte, key string, valType uint8) (int, bool) {
	*r = objRecord{IDPrefix: []byte(key)}
	start := buf

	count := uint64(valType)
	if valType == 0 {
		var n int
		count, n = getVarint(buf)
		if n <= 0 {
			return 0, false
		}
		buf = buf[n:]
	}
	if count == 0 {
		return len(start) - len(buf), true
	}

	first, n := getVarint(buf)
	if n <= 0 {
		return 0, false
	}
	buf = buf[n:]
	r.Offsets = make([]uint64, 1, count)
	r.Offsets[0] = first

	last := first
	for uint64(len(r.Offsets)) < count {
		delta, n := getVarint(buf)
		if n <= 0 {
			return 0, false
		}
		buf = buf[n:]
		last += delta
		r.Offsets = append(r.Offsets, last)
	}
	return len(start) - len(buf), true
}

// indexRecord points at a block; the key is the greatest record key stored
// in the pointed subtree.
type indexRecord struct {
	LastKey string
	Offset  uint64
}

func (r *indexRecord) typ() byte { return blockTypeIndex }

func (r *indexRecord) key() string { return r.LastKey }

func (r *indexRecord) valType() uint8 { return 0 }

func (r *indexRecord) copyFrom(in record) { *r = *in.(*indexRecord) }

func (r *indexRecord) encodeValue(buf []byte) (int, bool) {
	n, ok := putVarint(buf, r.Offset)
	if !ok {
		return 0, false
	}
	return n, true
}

func (r *indexRecord) decodeValue(buf []byte, key string, valType uint8) (int, bool) {
	*r = indexRecord{LastKey: key}
	off, n := getVarint(buf)
	if n <= 0 {
		return 0, false
	}
	r.Offset = off
	return n, true
}

// encodeRecordKey writes (shared-prefix-length, suffix-length<<3 | extra,
// suffix). A zero shared prefix marks a restart candidate.
func encodeRecordKey(buf []byte, prevKey, key string, extra uint8) (n int, restart bool, fits bool) {
	start := buf
	prefix := commonPrefixLen(prevKey, key)
	restart = prefix == 0

	s, ok := putVarint(buf, uint64(prefix))
	if !ok {
		return 0, false, false
	}
	buf = buf[s:]

	suffix := len(key) - prefix
	s, ok = putVarint(buf, uint64(suffix)<<3|uint64(extra))
	if !ok {
		return 0, false, false
	}
	buf = buf[s:]

	if len(buf) < suffix {
		return 0, false, false
	}
	copy(buf, key[prefix:])
	buf = buf[suffix:]
	return len(start) - len(buf), restart, true
}

func decodeRecordKey(buf []byte, prevKey string) (n int, key string, valType uint8, ok bool) {
	start := buf
	prefix, s := getVarint(buf)
	if s <= 0 {
		return 0, "", 0, false
	}
	buf = buf[s:]

	packed, s := getVarint(buf)
	if s <= 0 {
		return 0, "", 0, false
	}
	buf = buf[s:]
	valType = uint8(packed & 0x7)
	suffix := packed >> 3

	if prefix > uint64(len(prevKey)) || suffix > uint64(len(buf)) {
		return 0, "", 0, false
	}

	b := make([]byte, prefix+suffix)
	copy(b, prevKey[:prefix])
	copy(b[prefix:], buf[:suffix])
	buf = buf[suffix:]
	return len(start) - len(buf), string(b), valType, true
}

// decodeRestartKey reads the full key of a record that starts a restart
// group (its shared-prefix length must be zero).
func decodeRestartKey(block []byte, off uint32) (string, error) {
	if uint32(len(block)) <= off {
		return "", fmt.Errorf("%w: restart offset %d out of range", ErrFormat, off)
	}
	buf := block[off:]
	prefix, n := getVarint(buf)
	if n <= 0 || prefix != 0 {
		return "", fmt.Errorf("%w: restart at %d has nonzero prefix", ErrFormat, off)
	}
	buf = buf[n:]
	packed, n := getVarint(buf)
	if n <= 0 {
		return "", fmt.Errorf("%w: restart at %d truncated", ErrFormat, off)
	}
	buf = buf[n:]
	suffix := packed >> 3
	if suffix > uint64(len(buf)) {
		return "", fmt.Errorf("%w: restart at %d truncated", ErrFormat, off)
	}
	return string(buf[:suffix]), nil
}
