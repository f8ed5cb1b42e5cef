package reftable

import (
	"fmt"
	"strings"
)

// refSource re-seeks ref iterators for SeekPastPrefix; implemented by
// Reader and Merged.
type refSource interface {
	seekRefIter(key string) (iterator, error)
}

// RefCursor streams RefRecords in name order. A cursor owns its position
// and shares nothing with sibling cursors.
type RefCursor struct {
	src refSource
	it  iterator

	// prefix bounds the scan; records outside it exhaust the cursor.
	prefix         string
	includeDeletes bool
	objBacked      bool

	rec      RefRecord
	lastName string
	done     bool
	err      error
}

// Next advances to the following record. Once it returns false the cursor
// stays exhausted; a cursor that failed keeps returning its error.
func (c *RefCursor) Next() (bool, error) {
	if c.done {
		return false, c.err
	}
	for {
		ok, err := c.it.next(&c.rec)
		if err != nil {
			c.done = true
			c.err = err
			return false, err
		}
		if !ok {
			c.done = true
			return false, nil
		}
		if c.prefix != "" && !strings.HasPrefix(c.rec.Name, c.prefix) {
			c.done = true
			return false, nil
		}
		if c.rec.IsTombstone() && !c.includeDeletes {
			continue
		}
		c.lastName = c.rec.Name
		return true, nil
	}
}

// Ref returns the current record. Valid after Next returned true; the
// pointed value is overwritten by the following Next.
func (c *RefCursor) Ref() *RefRecord {
	return &c.rec
}

// WasDeleted reports whether the current record is a tombstone. Only
// cursors with deletes included can observe true.
func (c *RefCursor) WasDeleted() bool {
	return c.rec.IsTombstone()
}

// SeekPastPrefix repositions the cursor at the first name strictly greater
// than every name starting with prefix. The cursor never moves backwards,
// and a bound set at creation keeps applying. Object-id cursors do not
// support this.
func (c *RefCursor) SeekPastPrefix(prefix string) error {
	if c.objBacked {
		return fmt.Errorf("%w: SeekPastPrefix on an object-id cursor", ErrUnsupported)
	}
	if c.done {
		return nil
	}
	skip := prefixSuccessor(prefix)
	if skip == "" {
		c.done = true
		return nil
	}
	if c.lastName != "" && c.lastName >= skip {
		return nil
	}
	it, err := c.src.seekRefIter(skip)
	if err != nil {
		return err
	}
	c.it = it
	// Later calls compare against this target, so they never seek back.
	c.lastName = skip
	return nil
}

// LogCursor streams LogRecords ordered by name, newest entry first within
// a name.
type LogCursor struct {
	it iterator

	// name bounds the scan to one reference when non-empty.
	name           string
	includeDeletes bool

	rec  LogRecord
	done bool
	err  error
}

// Next advances to the following entry. Once it returns false the cursor
// stays exhausted; a cursor that failed keeps returning its error.
func (c *LogCursor) Next() (bool, error) {
	if c.done {
		return false, c.err
	}
	for {
		ok, err := c.it.next(&c.rec)
		if err != nil {
			c.done = true
			c.err = err
			return false, err
		}
		if !ok {
			c.done = true
			return false, nil
		}
		if c.name != "" && c.rec.Name != c.name {
			c.done = true
			return false, nil
		}
		if c.rec.IsTombstone() && !c.includeDeletes {
			continue
		}
		return true, nil
	}
}

// Log returns the current entry. Valid after Next returned true; the
// pointed value is overwritten by the following Next.
func (c *LogCursor) Log() *LogRecord {
	return &c.rec
}

// WasDeleted reports whether the current entry is a log tombstone.
func (c *LogCursor) WasDeleted() bool {
	return c.rec.IsTombstone()
}
