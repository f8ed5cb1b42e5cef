package reftable

var magic = [4]byte{'R', 'E', 'F', 'T'}

const formatVersion = 1

const (
	headerLen = 24
	footerLen = 68
)

// Block type tags as stored in the first byte of every block frame.
const (
	blockTypeRef   = 'r'
	blockTypeObj   = 'o'
	blockTypeLog   = 'g'
	blockTypeIndex = 'i'
	blockTypeNone  = 0
)

const (
	defaultBlockSize       = 4096
	defaultRestartInterval = 16

	// The restart count is stored as a uint16.
	maxRestarts = (1 << 16) - 1

	// Block frame lengths are stored as a uint24.
	maxBlockSize = 1<<24 - 1
)

// maxSymrefDepth bounds symbolic-ref chains during Resolve. The bound is
// part of the interface contract: a chain that needs more hops resolves to
// an absent value.
const maxSymrefDepth = 5

func isBlockType(typ byte) bool {
	switch typ {
	case blockTypeRef, blockTypeObj, blockTypeLog, blockTypeIndex:
		return true
	}
	return false
}
