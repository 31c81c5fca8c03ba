// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/store"
)

// SaveCall records one SaveCells invocation.
type SaveCall struct {
	DocumentID string
	Revision   int64
	Cells      []grid.Cell
}

// MemPersister is a thread-safe in-memory document store.
//
// It satisfies broker.Persister. FailNextSave makes the next SaveCells fail
// without changing state, for exercising rollback paths.
type MemPersister struct {
	mu       sync.Mutex
	docs     map[string]store.Document
	saves    []SaveCall
	failNext error
	loads    int
}

// NewMemPersister creates an empty persister.
func NewMemPersister() *MemPersister {
	return &MemPersister{docs: make(map[string]store.Document)}
}

// AddDocument registers a document with the given ACL and cells.
func (p *MemPersister) AddDocument(id string, acl auth.ACL, cells ...grid.Cell) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rev int64
	for _, c := range cells {
		rev = max(rev, c.Revision)
	}
	p.docs[id] = store.Document{
		DocumentInfo: store.DocumentInfo{ID: id, Name: id, Revision: rev},
		ACL:          acl.Clone(),
		Cells:        append([]grid.Cell(nil), cells...),
	}
}

// LoadDocument implements broker.Persister.
func (p *MemPersister) LoadDocument(_ context.Context, id string) (store.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loads++
	doc, ok := p.docs[id]
	if !ok {
		return store.Document{}, fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	doc.ACL = doc.ACL.Clone()
	doc.Cells = grid.NewFromCells(doc.Cells).Snapshot().Cells()
	return doc, nil
}

// SaveCells implements broker.Persister.
func (p *MemPersister) SaveCells(_ context.Context, id string, revision int64, cells []grid.Cell) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failNext; err != nil {
		p.failNext = nil
		return err
	}
	doc, ok := p.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	s := grid.NewFromCells(doc.Cells)
	for _, c := range cells {
		s.Set(c)
	}
	doc.Cells = s.Cells()
	doc.Revision = max(doc.Revision, revision)
	p.docs[id] = doc
	p.saves = append(p.saves, SaveCall{
		DocumentID: id,
		Revision:   revision,
		Cells:      append([]grid.Cell(nil), cells...),
	})
	return nil
}

// FailNextSave makes the next SaveCells return err.
func (p *MemPersister) FailNextSave(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Saves returns every successful SaveCells call in order.
func (p *MemPersister) Saves() []SaveCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SaveCall(nil), p.saves...)
}

// Loads returns how many times LoadDocument was called.
func (p *MemPersister) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

// Document returns the stored state of id.
func (p *MemPersister) Document(id string) (store.Document, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[id]
	return doc, ok
}
