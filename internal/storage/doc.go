// Package storage keeps the poll history: one entry per resolved target.
//
// Drivers:
//   - "file": JSON lines, compacted to the newest entries
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// History is write-mostly and never read on the poll path.
package storage
