package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
)

func TestCreateDocument(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	info, err := s.CreateDocument(ctx, "Budget", "alice")
	require.NoError(t, err)

	parsed, err := uuid.Parse(info.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Equal(t, int64(0), info.Revision)

	doc, err := s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "Budget", doc.Name)
	assert.True(t, info.CreatedAt.Equal(doc.CreatedAt))
	assert.Equal(t, auth.ACL{"alice": auth.RoleOwner}, doc.ACL)
	assert.Empty(t, doc.Cells)
}

func TestCreateDocument_RequiresOwner(t *testing.T) {
	s := createTestStore(t)

	_, err := s.CreateDocument(context.Background(), "x", "")
	assert.Error(t, err)
}

func TestLoadDocument_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.LoadDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestGrantAndRevokeRole(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	info, err := s.CreateDocument(ctx, "d", "alice")
	require.NoError(t, err)

	require.NoError(t, s.GrantRole(ctx, info.ID, "bob", auth.RoleViewer))
	require.NoError(t, s.GrantRole(ctx, info.ID, "bob", auth.RoleEditor))
	require.NoError(t, s.GrantRole(ctx, info.ID, "carol", auth.RoleViewer))
	require.NoError(t, s.RevokeRole(ctx, info.ID, "carol"))
	require.NoError(t, s.RevokeRole(ctx, info.ID, "nobody"))

	doc, err := s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.ACL{"alice": auth.RoleOwner, "bob": auth.RoleEditor}, doc.ACL)

	assert.ErrorIs(t, s.GrantRole(ctx, "missing", "bob", auth.RoleEditor), ErrDocumentNotFound)
	assert.Error(t, s.GrantRole(ctx, info.ID, "bob", auth.Role("admin")))
}

func TestSaveCells_UpsertAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	info, err := s.CreateDocument(ctx, "d", "alice")
	require.NoError(t, err)

	a1 := grid.NewCell(grid.Addr{Row: 0, Col: 0}, "2", &grid.Format{Bold: true, FontSize: 12})
	a1.Revision = 1
	require.NoError(t, s.SaveCells(ctx, info.ID, 1, []grid.Cell{a1}))

	b1 := grid.NewCell(grid.Addr{Row: 0, Col: 1}, "=A1*2", nil)
	b1.DisplayValue = "4"
	b1.Revision = 2
	require.NoError(t, s.SaveCells(ctx, info.ID, 2, []grid.Cell{b1}))

	doc, err := s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Revision)
	assert.Equal(t, []grid.Cell{a1, b1}, doc.Cells)

	// Clearing A1 and re-stamping B1 in one commit.
	cleared := grid.NewCell(a1.Addr(), "", nil)
	cleared.Revision = 3
	b1.DisplayValue = "0"
	b1.Revision = 3
	require.NoError(t, s.SaveCells(ctx, info.ID, 3, []grid.Cell{cleared, b1}))

	doc, err = s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Revision)
	assert.Equal(t, []grid.Cell{b1}, doc.Cells)
}

func TestSaveCells_RevisionNeverRegresses(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	info, err := s.CreateDocument(ctx, "d", "alice")
	require.NoError(t, err)

	require.NoError(t, s.SaveCells(ctx, info.ID, 5, nil))
	require.NoError(t, s.SaveCells(ctx, info.ID, 3, nil))

	doc, err := s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Revision)
}

func TestSaveCells_UnknownDocument(t *testing.T) {
	s := createTestStore(t)

	err := s.SaveCells(context.Background(), "missing", 1, []grid.Cell{grid.NewCell(grid.Addr{}, "x", nil)})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestLoadDocument_RowMajorOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	info, err := s.CreateDocument(ctx, "d", "alice")
	require.NoError(t, err)

	cells := []grid.Cell{
		grid.NewCell(grid.Addr{Row: 2, Col: 0}, "c", nil),
		grid.NewCell(grid.Addr{Row: 0, Col: 5}, "b", nil),
		grid.NewCell(grid.Addr{Row: 0, Col: 1}, "a", nil),
	}
	require.NoError(t, s.SaveCells(ctx, info.ID, 1, cells))

	doc, err := s.LoadDocument(ctx, info.ID)
	require.NoError(t, err)
	var raw []string
	for _, c := range doc.Cells {
		raw = append(raw, c.RawValue)
	}
	assert.Equal(t, []string{"a", "b", "c"}, raw)
}

func TestListDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	first, err := s.CreateDocument(ctx, "one", "alice")
	require.NoError(t, err)
	second, err := s.CreateDocument(ctx, "two", "bob")
	require.NoError(t, err)

	docs, err = s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, first.ID, docs[0].ID)
	assert.Equal(t, second.ID, docs[1].ID)
}
