package main

import (
	"fmt"

	"github.com/odvcencio/reftable/pkg/reftable"
)

// openStack opens table files in stack order, oldest first, and wraps them
// in a merged view.
func openStack(paths []string) ([]*reftable.Reader, *reftable.Merged, func(), error) {
	readers := make([]*reftable.Reader, 0, len(paths))
	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}
	for _, path := range paths {
		src, err := reftable.OpenFileSource(path)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		r, err := reftable.NewReader(src)
		if err != nil {
			src.Close()
			closeAll()
			return nil, nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		readers = append(readers, r)
	}
	m, err := reftable.NewMerged(readers)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return readers, m, closeAll, nil
}
