package store

import "time"

type User struct {
	ID           string
	Tenant       string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Document is a grid document header. Cell content lives in the
// document_cells key-value table and is loaded separately.
type Document struct {
	ID        string
	Tenant    string
	Name      string
	Rows      int
	Cols      int
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AxisSizes carries per-index display sizes for one document, keyed by
// zero-based column/row index.
type AxisSizes struct {
	Cols map[int]int
	Rows map[int]int
}
