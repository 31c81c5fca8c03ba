package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// DocumentInfo is the metadata row of a document.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is a fully loaded document: metadata, ACL and cells.
type Document struct {
	DocumentInfo
	ACL   auth.ACL    `json:"acl"`
	Cells []grid.Cell `json:"cells"`
}

// CreateDocument inserts a new empty document at revision 0 with ownerID as
// its owner. The document ID is a UUIDv7.
func (s *Store) CreateDocument(ctx context.Context, name, ownerID string) (DocumentInfo, error) {
	if ownerID == "" {
		return DocumentInfo{}, fmt.Errorf("create document: owner is required")
	}
	info := DocumentInfo{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("create document: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, name, revision, created_at)
		VALUES (?, ?, 0, ?)
	`, info.ID, info.Name, info.CreatedAt.Format(timeLayout)); err != nil {
		return DocumentInfo{}, fmt.Errorf("create document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO acl (document_id, actor_id, role) VALUES (?, ?, ?)
	`, info.ID, ownerID, string(auth.RoleOwner)); err != nil {
		return DocumentInfo{}, fmt.Errorf("create document: grant owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentInfo{}, fmt.Errorf("create document: commit: %w", err)
	}
	return info, nil
}

// GrantRole sets actorID's role on a document, replacing any prior role.
func (s *Store) GrantRole(ctx context.Context, documentID, actorID string, role auth.Role) error {
	if !role.CanView() {
		return fmt.Errorf("grant role: invalid role %q", role)
	}
	if err := s.requireDocument(ctx, documentID); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acl (document_id, actor_id, role) VALUES (?, ?, ?)
		ON CONFLICT(document_id, actor_id) DO UPDATE SET role = excluded.role
	`, documentID, actorID, string(role))
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// RevokeRole removes actorID from a document's ACL. Revoking an absent
// grant is a no-op.
func (s *Store) RevokeRole(ctx context.Context, documentID, actorID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM acl WHERE document_id = ? AND actor_id = ?
	`, documentID, actorID)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// SaveCells persists the cells touched by one committed mutation and
// advances the document revision, atomically.
//
// Empty cells are deleted. The stored revision never moves backwards.
func (s *Store) SaveCells(ctx context.Context, documentID string, revision int64, cells []grid.Cell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cells: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET revision = MAX(revision, ?) WHERE id = ?
	`, revision, documentID)
	if err != nil {
		return fmt.Errorf("save cells: update revision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save cells: %w", err)
	} else if n == 0 {
		return fmt.Errorf("save cells: %w", ErrDocumentNotFound)
	}

	for _, c := range cells {
		if c.IsEmpty() {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM cells WHERE document_id = ? AND row_idx = ? AND col_idx = ?
			`, documentID, c.Row, c.Col); err != nil {
				return fmt.Errorf("save cells: delete %s: %w", c.Addr(), err)
			}
			continue
		}

		formatJSON, err := marshalFormat(c.Format)
		if err != nil {
			return fmt.Errorf("save cells: %s: %w", c.Addr(), err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cells
			(document_id, row_idx, col_idx, raw_value, formula, display_value, format, revision)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, row_idx, col_idx) DO UPDATE SET
				raw_value = excluded.raw_value,
				formula = excluded.formula,
				display_value = excluded.display_value,
				format = excluded.format,
				revision = excluded.revision
		`,
			documentID,
			c.Row,
			c.Col,
			c.RawValue,
			nullString(c.Formula, c.IsFormula()),
			c.DisplayValue,
			formatJSON,
			c.Revision,
		); err != nil {
			return fmt.Errorf("save cells: upsert %s: %w", c.Addr(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save cells: commit: %w", err)
	}
	return nil
}

// LoadDocument reads a document with its ACL and all cells, row-major.
// Returns ErrDocumentNotFound (wrapped) for an unknown ID.
func (s *Store) LoadDocument(ctx context.Context, documentID string) (Document, error) {
	info, err := s.documentInfo(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	acl, err := s.readACL(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	cells, err := s.readCells(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	return Document{DocumentInfo: info, ACL: acl, Cells: cells}, nil
}

// ListDocuments returns all documents ordered by creation time, then ID.
func (s *Store) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, revision, created_at
		FROM documents
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []DocumentInfo{}
	for rows.Next() {
		info, err := scanDocumentInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = append(docs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: iterate: %w", err)
	}
	return docs, nil
}

func (s *Store) requireDocument(ctx context.Context, documentID string) error {
	_, err := s.documentInfo(ctx, documentID)
	return err
}

func (s *Store) documentInfo(ctx context.Context, documentID string) (DocumentInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, revision, created_at FROM documents WHERE id = ?
	`, documentID)
	info, err := scanDocumentInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentInfo{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return info, err
}

func (s *Store) readACL(ctx context.Context, documentID string) (auth.ACL, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, role FROM acl WHERE document_id = ?
		ORDER BY actor_id COLLATE BINARY ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query acl: %w", err)
	}
	defer rows.Close()

	acl := auth.ACL{}
	for rows.Next() {
		var actor, role string
		if err := rows.Scan(&actor, &role); err != nil {
			return nil, fmt.Errorf("scan acl: %w", err)
		}
		acl[actor] = auth.Role(role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acl: %w", err)
	}
	return acl, nil
}

func (s *Store) readCells(ctx context.Context, documentID string) ([]grid.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_idx, col_idx, raw_value, formula, display_value, format, revision
		FROM cells
		WHERE document_id = ?
		ORDER BY row_idx ASC, col_idx ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()

	cells := []grid.Cell{}
	for rows.Next() {
		var (
			c          grid.Cell
			formula    sql.NullString
			formatJSON sql.NullString
		)
		if err := rows.Scan(&c.Row, &c.Col, &c.RawValue, &formula, &c.DisplayValue, &formatJSON, &c.Revision); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.Formula = formula.String
		if formatJSON.Valid {
			var f grid.Format
			if err := json.Unmarshal([]byte(formatJSON.String), &f); err != nil {
				return nil, fmt.Errorf("unmarshal format at %s: %w", c.Addr(), err)
			}
			c.Format = &f
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cells: %w", err)
	}
	return cells, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocumentInfo(row scanner) (DocumentInfo, error) {
	var (
		info    DocumentInfo
		created string
	)
	if err := row.Scan(&info.ID, &info.Name, &info.Revision, &created); err != nil {
		return DocumentInfo{}, err
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	info.CreatedAt = t
	return info, nil
}

func marshalFormat(f *grid.Format) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal format: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string, valid bool) sql.NullString {
	return sql.NullString{String: s, Valid: valid}
}
