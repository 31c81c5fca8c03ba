// Package store provides SQLite-backed durable storage for sheetsync
// documents.
//
// The store holds three tables:
//   - documents: id, name and the current revision counter
//   - cells: one row per non-empty cell, keyed by (document, row, col)
//   - acl: one role per (document, actor)
//
// The broker is the only writer of cells and revisions. It saves every
// committed mutation with SaveCells, which upserts or deletes the touched
// cells and advances the revision in a single transaction. LoadDocument
// returns cells in row-major order (ORDER BY row_idx, col_idx) so a loaded
// grid is deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
