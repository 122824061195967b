package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridbook/api/internal/grid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserByName backs the name-only development login: it finds or
// creates a user for the tenant.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, tenant, name string) (User, error) {
	const findUser = `SELECT id, tenant, display_name, email FROM users WHERE tenant = $1 AND display_name = $2`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, tenant, name).Scan(&user.ID, &user.Tenant, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (tenant, display_name, email)
		VALUES ($1, $2, LOWER(REPLACE($2::text, ' ', '.')) || '@' || $1::text || '.local')
		RETURNING id, tenant, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, tenant, name).Scan(&user.ID, &user.Tenant, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, tenant, display_name, email, COALESCE(password_hash, '') FROM users WHERE email = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(&user.ID, &user.Tenant, &user.DisplayName, &user.Email, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	const query = `
		INSERT INTO users (id, tenant, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Tenant, user.DisplayName, user.Email, user.PasswordHash); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, tenant, display_name, email FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.ID, &user.Tenant, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions: the Postgres fallback when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.tenant, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Tenant, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Document headers.

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	const query = `
		INSERT INTO documents (id, tenant, name, row_count, col_count, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query, item.ID, item.Tenant, item.Name, item.Rows, item.Cols, item.CreatedBy); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, tenant string) ([]Document, error) {
	const query = `
		SELECT id, tenant, name, row_count, col_count, created_by, created_at, updated_at
		FROM documents
		WHERE tenant = $1
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Tenant, &item.Name, &item.Rows, &item.Cols, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenant, documentID string) (Document, error) {
	const query = `
		SELECT id, tenant, name, row_count, col_count, created_by, created_at, updated_at
		FROM documents
		WHERE tenant = $1 AND id = $2
	`
	var item Document
	err := s.db.QueryRowContext(ctx, query, tenant, documentID).Scan(
		&item.ID, &item.Tenant, &item.Name, &item.Rows, &item.Cols, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) RenameDocument(ctx context.Context, tenant, documentID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET name=$3, updated_at=NOW() WHERE tenant=$1 AND id=$2
	`, tenant, documentID, name)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, tenant, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE tenant=$1 AND id=$2`, tenant, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Cell snapshot: the key-value table behind live sessions.

func (s *PostgresStore) LoadCells(ctx context.Context, tenant, documentID string) (map[string]grid.Cell, error) {
	const query = `
		SELECT c.cell_ref, c.value, c.display_value, c.formula, c.style
		FROM document_cells c
		JOIN documents d ON d.id = c.document_id
		WHERE d.tenant = $1 AND c.document_id = $2
	`
	rows, err := s.db.QueryContext(ctx, query, tenant, documentID)
	if err != nil {
		return nil, fmt.Errorf("load cells: %w", err)
	}
	defer rows.Close()

	cells := make(map[string]grid.Cell)
	for rows.Next() {
		var ref string
		var cell grid.Cell
		var styleRaw []byte
		if err := rows.Scan(&ref, &cell.Value, &cell.DisplayValue, &cell.Formula, &styleRaw); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		if len(styleRaw) > 0 {
			var style grid.Style
			if err := json.Unmarshal(styleRaw, &style); err != nil {
				return nil, fmt.Errorf("decode cell style %s: %w", ref, err)
			}
			cell.Style = &style
		}
		cells[ref] = cell
	}
	return cells, rows.Err()
}

func (s *PostgresStore) SaveCell(ctx context.Context, tenant, documentID, ref string, cell grid.Cell) error {
	var styleRaw []byte
	if cell.Style != nil {
		encoded, err := json.Marshal(cell.Style)
		if err != nil {
			return fmt.Errorf("encode cell style: %w", err)
		}
		styleRaw = encoded
	}
	const query = `
		INSERT INTO document_cells (document_id, cell_ref, value, display_value, formula, style)
		SELECT d.id, $3, $4, $5, $6, $7
		FROM documents d WHERE d.tenant = $1 AND d.id = $2
		ON CONFLICT (document_id, cell_ref)
		DO UPDATE SET value=EXCLUDED.value, display_value=EXCLUDED.display_value,
			formula=EXCLUDED.formula, style=EXCLUDED.style, updated_at=NOW()
	`
	result, err := s.db.ExecContext(ctx, query, tenant, documentID, ref, cell.Value, cell.DisplayValue, cell.Formula, styleRaw)
	if err != nil {
		return fmt.Errorf("save cell: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteCell(ctx context.Context, tenant, documentID, ref string) error {
	const query = `
		DELETE FROM document_cells c
		USING documents d
		WHERE d.id = c.document_id AND d.tenant = $1 AND c.document_id = $2 AND c.cell_ref = $3
	`
	if _, err := s.db.ExecContext(ctx, query, tenant, documentID, ref); err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	return nil
}

// Axis sizes for the layout snapshot.

func (s *PostgresStore) LoadAxisSizes(ctx context.Context, tenant, documentID string) (AxisSizes, error) {
	const query = `
		SELECT a.axis, a.idx, a.size
		FROM document_axis_sizes a
		JOIN documents d ON d.id = a.document_id
		WHERE d.tenant = $1 AND a.document_id = $2
	`
	rows, err := s.db.QueryContext(ctx, query, tenant, documentID)
	if err != nil {
		return AxisSizes{}, fmt.Errorf("load axis sizes: %w", err)
	}
	defer rows.Close()

	sizes := AxisSizes{Cols: make(map[int]int), Rows: make(map[int]int)}
	for rows.Next() {
		var axis string
		var idx, size int
		if err := rows.Scan(&axis, &idx, &size); err != nil {
			return AxisSizes{}, fmt.Errorf("scan axis size: %w", err)
		}
		switch axis {
		case "col":
			sizes.Cols[idx] = size
		case "row":
			sizes.Rows[idx] = size
		}
	}
	return sizes, rows.Err()
}

func (s *PostgresStore) SaveAxisSize(ctx context.Context, tenant, documentID, axis string, idx, size int) error {
	const query = `
		INSERT INTO document_axis_sizes (document_id, axis, idx, size)
		SELECT d.id, $3, $4, $5
		FROM documents d WHERE d.tenant = $1 AND d.id = $2
		ON CONFLICT (document_id, axis, idx) DO UPDATE SET size=EXCLUDED.size
	`
	result, err := s.db.ExecContext(ctx, query, tenant, documentID, axis, idx, size)
	if err != nil {
		return fmt.Errorf("save axis size: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LoadDocument assembles the in-memory working copy for a live session.
// Implements collab.DocumentSource together with SaveCell/DeleteCell.
func (s *PostgresStore) LoadDocument(ctx context.Context, tenant, documentID string) (*grid.Document, error) {
	header, err := s.GetDocument(ctx, tenant, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s not found", documentID)
		}
		return nil, fmt.Errorf("load document header: %w", err)
	}
	cells, err := s.LoadCells(ctx, tenant, documentID)
	if err != nil {
		return nil, err
	}
	sizes, err := s.LoadAxisSizes(ctx, tenant, documentID)
	if err != nil {
		return nil, err
	}

	doc := grid.NewDocument(header.ID, header.Rows, header.Cols)
	doc.Cells = cells
	doc.ColSizes = sizes.Cols
	doc.RowSizes = sizes.Rows
	return doc, nil
}
