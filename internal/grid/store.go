package grid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// snapshotDomain separates snapshot hashes from any other content hash.
const snapshotDomain = "sheetsync/snapshot/v1"

// Source is a read-only view of cells. Store and Snapshot both satisfy it.
type Source interface {
	Get(addr Addr) Cell
}

// Store is the sparse cell container of one document.
//
// Store is NOT safe for concurrent use. It is owned by exactly one broker
// goroutine; everyone else reads an immutable Snapshot.
type Store struct {
	cells map[Addr]Cell
}

// New creates an empty store.
func New() *Store {
	return &Store{cells: make(map[Addr]Cell)}
}

// NewFromCells creates a store holding the given cells.
// Empty cells are skipped.
func NewFromCells(cells []Cell) *Store {
	s := New()
	for _, c := range cells {
		s.Set(c)
	}
	return s
}

// Get returns the cell at addr. Absent or out-of-range coordinates yield the
// empty cell for that address; Get never fails.
func (s *Store) Get(addr Addr) Cell {
	if c, ok := s.cells[addr]; ok {
		return c
	}
	return Cell{Row: addr.Row, Col: addr.Col}
}

// Set writes c at its own address, growing storage as needed.
// Writing an empty cell removes the entry.
func (s *Store) Set(c Cell) {
	addr := c.Addr()
	if c.IsEmpty() {
		delete(s.cells, addr)
		return
	}
	s.cells[addr] = c
}

// Len returns the number of non-empty cells.
func (s *Store) Len() int {
	return len(s.cells)
}

// Cells returns all non-empty cells in row-major order.
func (s *Store) Cells() []Cell {
	return sortedCells(s.cells)
}

// Snapshot returns an immutable copy of the current grid.
func (s *Store) Snapshot() *Snapshot {
	cells := make(map[Addr]Cell, len(s.cells))
	for k, v := range s.cells {
		v.Format = v.Format.Clone()
		cells[k] = v
	}
	return &Snapshot{cells: cells}
}

// Snapshot is an immutable view of a grid at one point in time.
// Safe for concurrent reads.
type Snapshot struct {
	cells map[Addr]Cell
}

// Get returns the cell at addr, or the empty cell.
func (s *Snapshot) Get(addr Addr) Cell {
	if c, ok := s.cells[addr]; ok {
		c.Format = c.Format.Clone()
		return c
	}
	return Cell{Row: addr.Row, Col: addr.Col}
}

// Len returns the number of non-empty cells.
func (s *Snapshot) Len() int {
	return len(s.cells)
}

// Cells returns copies of all non-empty cells in row-major order.
func (s *Snapshot) Cells() []Cell {
	cells := sortedCells(s.cells)
	for i := range cells {
		cells[i].Format = cells[i].Format.Clone()
	}
	return cells
}

// Hash returns a content hash of the grid.
//
// Two snapshots hash equal iff they hold the same cells with the same raw,
// display, format and revision values. Used to check that clients converged.
func (s *Snapshot) Hash() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sortedCells(s.cells)); err != nil {
		return "", fmt.Errorf("snapshot hash: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(snapshotDomain))
	h.Write([]byte{0x00})
	h.Write(bytes.TrimSpace(buf.Bytes()))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedCells(m map[Addr]Cell) []Cell {
	cells := make([]Cell, 0, len(m))
	for _, c := range m {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].Addr().Less(cells[j].Addr())
	})
	return cells
}
