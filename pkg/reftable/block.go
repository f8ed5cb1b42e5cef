package reftable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/klauspost/compress/zlib"
)

// Block frame layout:
//
//	[file header, block at offset 0 only]
//	[type byte][uint24 frame length][records][restart table][uint32 CRC]
//
// The frame length counts everything, embedded file header and CRC
// included. The restart table is ascending uint24 offsets relative to the
// frame start followed by a uint16 count. The CRC32 (IEEE) covers the frame
// from the type byte through the restart table; for log blocks it covers
// the on-disk, compressed bytes. Log block frames store their compressed
// length so every block stays self-delimiting.

const (
	blockHeaderLen  = 4
	blockCRCLen     = 4
	restartTableMin = 2 + 3 // count plus one entry
)

// blockWriter assembles a single block in a fixed buffer.
type blockWriter struct {
	buf             []byte
	headerOff       uint32
	restartInterval int
	compress        bool

	next     uint32
	restarts []uint32
	lastKey  string
	entries  int
}

func newBlockWriter(typ byte, buf []byte, headerOff uint32, restartInterval int, compress bool) *blockWriter {
	bw := &blockWriter{
		buf:             buf,
		headerOff:       headerOff,
		restartInterval: restartInterval,
		compress:        compress,
	}
	bw.buf[headerOff] = typ
	bw.next = headerOff + blockHeaderLen
	return bw
}

func (w *blockWriter) getType() byte { return w.buf[w.headerOff] }

// add encodes one record, returning false if the block is full.
func (w *blockWriter) add(rec record) bool {
	prev := w.lastKey
	if w.entries%w.restartInterval == 0 {
		prev = ""
	}

	buf := w.buf[w.next:]
	start := buf
	n, restart, ok := encodeRecordKey(buf, prev, rec.key(), rec.valType())
	if !ok {
		return false
	}
	buf = buf[n:]

	n, ok = rec.encodeValue(buf)
	if !ok {
		return false
	}
	buf = buf[n:]

	return w.commit(len(start)-len(buf), restart, rec.key())
}

// commit reserves room for the grown restart table and trailing CRC before
// accepting the encoded record.
func (w *blockWriter) commit(n int, restart bool, key string) bool {
	restarts := len(w.restarts)
	if restarts >= maxRestarts {
		restart = false
	}
	if restart {
		restarts++
	}
	if n+2+3*restarts+blockCRCLen > len(w.buf[w.next:]) {
		return false
	}
	if restart {
		w.restarts = append(w.restarts, w.next)
	}
	w.next += uint32(n)
	w.lastKey = key
	w.entries++
	return true
}

// finish seals the block and returns the on-disk frame.
func (w *blockWriter) finish() ([]byte, error) {
	for _, r := range w.restarts {
		putU24(w.buf[w.next:], r)
		w.next += 3
	}
	binary.BigEndian.PutUint16(w.buf[w.next:], uint16(len(w.restarts)))
	w.next += 2

	frame := w.buf[:w.next]
	if w.getType() == blockTypeLog && w.compress {
		var out bytes.Buffer
		out.Write(frame[:w.headerOff+blockHeaderLen])
		zw, err := zlib.NewWriterLevel(&out, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("compress log block: %w", err)
		}
		if _, err := zw.Write(frame[w.headerOff+blockHeaderLen:]); err != nil {
			return nil, fmt.Errorf("compress log block: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress log block: %w", err)
		}
		frame = out.Bytes()
	}

	total := uint32(len(frame)) + blockCRCLen
	putU24(frame[w.headerOff+1:], total)

	crc := crc32.ChecksumIEEE(frame[w.headerOff:])
	var trailer [blockCRCLen]byte
	binary.BigEndian.PutUint32(trailer[:], crc)
	return append(frame, trailer[:]...), nil
}

// blockReader is a decoded block. It is immutable once constructed, so it
// can be shared between cursors and cached across readers.
type blockReader struct {
	headerOff uint32

	// data holds the logical frame (header plus uncompressed records) up
	// to the start of the restart table.
	data         []byte
	restartBytes []byte
	restartCount int

	// onDiskLen is the stored frame length; the next block starts there.
	onDiskLen uint32
}

func (br *blockReader) getType() byte { return br.data[br.headerOff] }

// newBlockReader validates and decodes a block frame. block must hold the
// complete frame; headerOff is 24 for the block at file offset 0.
func newBlockReader(block []byte, headerOff uint32) (*blockReader, error) {
	if uint32(len(block)) < headerOff+blockHeaderLen+blockCRCLen {
		return nil, fmt.Errorf("%w: block of %d bytes too short", ErrFormat, len(block))
	}
	typ := block[headerOff]
	if !isBlockType(typ) {
		return nil, fmt.Errorf("%w: unknown block type 0x%02x", ErrFormat, typ)
	}
	total := getU24(block[headerOff+1:])
	if total < headerOff+blockHeaderLen+blockCRCLen+restartTableMin || uint32(len(block)) < total {
		return nil, fmt.Errorf("%w: block length %d out of range", ErrFormat, total)
	}
	frame := block[:total]

	want := crc32.ChecksumIEEE(frame[headerOff : total-blockCRCLen])
	got := binary.BigEndian.Uint32(frame[total-blockCRCLen:])
	if want != got {
		return nil, fmt.Errorf("%w: block CRC %08x, computed %08x", ErrIntegrity, got, want)
	}

	data := frame[:total-blockCRCLen]
	if typ == blockTypeLog {
		payload := data[headerOff+blockHeaderLen:]
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: empty log block", ErrFormat)
		}
		// A raw record stream starts with a zero prefix-length byte,
		// which is never a valid zlib CMF byte.
		if payload[0] != 0 {
			zr, err := zlib.NewReader(bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("%w: log block: %v", ErrFormat, err)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: log block: %v", ErrFormat, err)
			}
			logical := make([]byte, 0, int(headerOff)+blockHeaderLen+len(inflated))
			logical = append(logical, data[:headerOff+blockHeaderLen]...)
			data = append(logical, inflated...)
		}
	}

	if len(data) < restartTableMin {
		return nil, fmt.Errorf("%w: block too short for restart table", ErrFormat)
	}
	count := int(binary.BigEndian.Uint16(data[len(data)-2:]))
	restartStart := len(data) - 2 - 3*count
	if restartStart < int(headerOff)+blockHeaderLen {
		return nil, fmt.Errorf("%w: restart count %d overflows block", ErrFormat, count)
	}

	return &blockReader{
		headerOff:    headerOff,
		data:         data[:restartStart],
		restartBytes: data[restartStart : len(data)-2],
		restartCount: count,
		onDiskLen:    total,
	}, nil
}

func (br *blockReader) restartOffset(i int) uint32 {
	return getU24(br.restartBytes[3*i:])
}

// start positions bi at the first record.
func (br *blockReader) start(bi *blockIter) {
	*bi = blockIter{br: br, nextOffset: br.headerOff + blockHeaderLen}
}

// seek returns an iterator positioned just before the first record whose
// key is >= key, binary-searching the restart table first.
func (br *blockReader) seek(key string) (*blockIter, error) {
	var searchErr error
	j := sort.Search(br.restartCount, func(i int) bool {
		rkey, err := decodeRestartKey(br.data, br.restartOffset(i))
		if err != nil {
			searchErr = err
		}
		return key < rkey
	})
	if searchErr != nil {
		return nil, searchErr
	}

	it := &blockIter{br: br}
	if j > 0 {
		it.nextOffset = br.restartOffset(j - 1)
	} else {
		it.nextOffset = br.headerOff + blockHeaderLen
	}

	rec := newRecord(br.getType())
	for {
		peek := *it
		ok, err := peek.next(rec)
		if err != nil {
			return nil, err
		}
		if !ok || rec.key() >= key {
			return it, nil
		}
		*it = peek
	}
}

// blockIter walks the records of one block. It is a value type; copying it
// snapshots the position.
type blockIter struct {
	br         *blockReader
	lastKey    string
	nextOffset uint32
}

func (bi *blockIter) seek(key string) error {
	pos, err := bi.br.seek(key)
	if err != nil {
		return err
	}
	*bi = *pos
	return nil
}

func (bi *blockIter) next(rec record) (bool, error) {
	if bi.nextOffset >= uint32(len(bi.br.data)) {
		return false, nil
	}
	buf := bi.br.data[bi.nextOffset:]
	start := buf

	n, key, valType, ok := decodeRecordKey(buf, bi.lastKey)
	if !ok {
		return false, fmt.Errorf("%w: truncated key at block offset %d", ErrFormat, bi.nextOffset)
	}
	buf = buf[n:]

	n, ok = rec.decodeValue(buf, key, valType)
	if !ok {
		return false, fmt.Errorf("%w: truncated record %q at block offset %d", ErrFormat, key, bi.nextOffset)
	}
	buf = buf[n:]

	bi.lastKey = key
	bi.nextOffset += uint32(len(start) - len(buf))
	return true, nil
}
