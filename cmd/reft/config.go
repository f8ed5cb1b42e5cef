package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/odvcencio/reftable/pkg/reftable"
)

// writerConfig mirrors reftable.Options for the TOML config file consumed
// by commands that write tables.
type writerConfig struct {
	BlockSize        uint32 `toml:"block_size"`
	RestartInterval  int    `toml:"restart_interval"`
	AlignBlocks      bool   `toml:"align_blocks"`
	SkipIndexObjects bool   `toml:"skip_index_objects"`
	UncompressedLogs bool   `toml:"uncompressed_logs"`
	MaxIndexLevels   int    `toml:"max_index_levels"`
}

func (c writerConfig) options() reftable.Options {
	return reftable.Options{
		BlockSize:        c.BlockSize,
		RestartInterval:  c.RestartInterval,
		AlignBlocks:      c.AlignBlocks,
		SkipIndexObjects: c.SkipIndexObjects,
		UncompressedLogs: c.UncompressedLogs,
		MaxIndexLevels:   c.MaxIndexLevels,
	}
}

// loadWriterConfig reads a TOML options file. An empty path returns
// defaults.
func loadWriterConfig(path string) (writerConfig, error) {
	var cfg writerConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	return cfg, nil
}
