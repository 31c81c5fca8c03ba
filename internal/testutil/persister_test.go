package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/store"
)

func TestMemPersister_SaveAndLoad(t *testing.T) {
	p := NewMemPersister()
	p.AddDocument("doc", auth.ACL{"alice": auth.RoleOwner})
	ctx := context.Background()

	c := grid.NewCell(grid.Addr{Row: 1, Col: 1}, "x", nil)
	c.Revision = 4
	require.NoError(t, p.SaveCells(ctx, "doc", 4, []grid.Cell{c}))

	doc, err := p.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.Revision)
	assert.Equal(t, []grid.Cell{c}, doc.Cells)
	assert.Equal(t, 1, p.Loads())
	assert.Len(t, p.Saves(), 1)
}

func TestMemPersister_FailNextSave(t *testing.T) {
	p := NewMemPersister()
	p.AddDocument("doc", auth.ACL{})
	boom := errors.New("disk full")
	p.FailNextSave(boom)

	err := p.SaveCells(context.Background(), "doc", 1, nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, p.SaveCells(context.Background(), "doc", 1, nil))
}

func TestMemPersister_UnknownDocument(t *testing.T) {
	p := NewMemPersister()

	_, err := p.LoadDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
}
