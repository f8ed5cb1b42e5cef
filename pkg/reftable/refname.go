package reftable

import (
	"fmt"
	"strings"
)

// ValidateRefName checks the reference-name constraints enforced at the API
// boundary: non-empty, no embedded NUL, and no trailing slash. Violations
// are reported as ErrContract.
func ValidateRefName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty reference name", ErrContract)
	case strings.IndexByte(name, 0) >= 0:
		return fmt.Errorf("%w: reference name %q contains NUL", ErrContract, name)
	case strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: reference name %q ends with '/'", ErrContract, name)
	}
	return nil
}
