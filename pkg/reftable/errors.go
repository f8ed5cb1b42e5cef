package reftable

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes the engine distinguishes. All
// errors returned by this package wrap one of these, or wrap with context an
// error from a BlockSource, the output writer, or the log compressor.
var (
	// ErrFormat reports structurally malformed block or record bytes.
	ErrFormat = errors.New("reftable: format error")

	// ErrIntegrity reports a CRC or magic mismatch. A table that fails an
	// integrity check is unusable.
	ErrIntegrity = errors.New("reftable: integrity error")

	// ErrContract reports a caller violation: unordered writes, wrong
	// section order, or an invalid reference name. A writer that returned
	// ErrContract must be discarded without publishing its output.
	ErrContract = errors.New("reftable: contract violation")

	// ErrPeeledRefRequired reports an annotated-tag ref written without
	// its peeled object id.
	ErrPeeledRefRequired = errors.New("reftable: peeled value required for tag ref")

	// ErrUnsupported reports an operation that is meaningless for the
	// cursor it was invoked on.
	ErrUnsupported = errors.New("reftable: unsupported operation")
)

// BlockSizeError reports a record that cannot fit the configured block
// size. MinBlockSize is a block size that would have accepted the record.
type BlockSizeError struct {
	MinBlockSize uint32
}

func (e *BlockSizeError) Error() string {
	return fmt.Sprintf("reftable: block size too small, need at least %d bytes", e.MinBlockSize)
}

// Is makes BlockSizeError match ErrContract: the failure is a configuration
// problem on the caller's side.
func (e *BlockSizeError) Is(target error) bool {
	return target == ErrContract
}
