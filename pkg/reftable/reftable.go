// Package reftable implements a compact, seekable, append-friendly binary
// format for a reference database and its reflog.
//
// A table is written once, front to back: a Writer streams sorted refs and
// log entries into typed, CRC-framed blocks with prefix-compressed keys,
// builds index pyramids over them, and seals the file with Finish. A Reader
// then serves ordered scans, exact and prefix lookups, reverse
// object-to-ref queries, and time-bounded reflog reads without loading the
// table into memory. Merged stacks several tables into one logical view
// with last-writer-wins semantics, and Compact rewrites such a stack as a
// single physical table.
package reftable
