package reftable

import (
	"fmt"
	"io"
)

// CompactConfig configures a compaction run.
type CompactConfig struct {
	// Options are applied to the output writer.
	Options Options

	// IncludeDeletes keeps ref tombstones and log tombstones in the
	// output. Off, winning tombstones are pruned entirely.
	IncludeDeletes bool
}

// CompactionStats extends the output writer's statistics with merge
// counters.
type CompactionStats struct {
	Stats

	// Input counts are records pulled from the source tables; output
	// counts are records written after merging and pruning.
	InputRefs  uint64
	OutputRefs uint64
	InputLogs  uint64
	OutputLogs uint64
}

// Compact merges a chronologically ordered stack of tables, oldest first,
// into a single table written to out. Duplicate keys resolve as in Merged;
// the output spans the combined update-index range of the inputs.
func Compact(out io.Writer, tables []*Reader, cfg CompactConfig) (*CompactionStats, error) {
	merged, err := NewMerged(tables)
	if err != nil {
		return nil, err
	}

	w, err := NewWriter(out, &cfg.Options)
	if err != nil {
		return nil, err
	}
	if err := w.Begin(merged.MinUpdateIndex(), merged.MaxUpdateIndex()); err != nil {
		return nil, err
	}

	stats := &CompactionStats{}

	refs, err := merged.seekMerged(blockTypeRef, "")
	if err != nil {
		return nil, err
	}
	var ref RefRecord
	for {
		ok, err := refs.next(&ref)
		if err != nil {
			return nil, fmt.Errorf("compact refs: %w", err)
		}
		if !ok {
			break
		}
		if ref.IsTombstone() && !cfg.IncludeDeletes {
			continue
		}
		if err := w.WriteRef(&ref); err != nil {
			return nil, fmt.Errorf("compact refs: %w", err)
		}
		stats.OutputRefs++
	}
	stats.InputRefs = refs.(*mergedIter).fetched

	logs, err := merged.seekMerged(blockTypeLog, "")
	if err != nil {
		return nil, err
	}
	var log LogRecord
	for {
		ok, err := logs.next(&log)
		if err != nil {
			return nil, fmt.Errorf("compact logs: %w", err)
		}
		if !ok {
			break
		}
		if log.IsTombstone() && !cfg.IncludeDeletes {
			continue
		}
		if err := w.WriteLog(&log); err != nil {
			return nil, fmt.Errorf("compact logs: %w", err)
		}
		stats.OutputLogs++
	}
	stats.InputLogs = logs.(*mergedIter).fetched

	if err := w.Finish(); err != nil {
		return nil, err
	}
	stats.Stats = w.Stats()
	return stats, nil
}
