// Package grid provides the sparse cell store for one sheetsync document.
//
// This package contains the cell record, A1 addressing, and the CellStore
// container. It imports nothing internal; formula, depgraph and broker all
// build on it.
//
// Key design constraints:
//   - Storage is sparse: absent cells are implicitly empty and reads never fail
//   - Raw values are NFC normalized on write so equal text converges byte-for-byte
//   - Iteration order is always row-major (row ASC, col ASC) for determinism
package grid
