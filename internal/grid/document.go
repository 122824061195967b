package grid

// Document is the in-memory working copy of one grid document. It is owned
// exclusively by the document's live coordinator; nothing else mutates it.
type Document struct {
	ID       string
	Rows     int
	Cols     int
	Cells    map[string]Cell
	ColSizes map[int]int
	RowSizes map[int]int
}

func NewDocument(id string, rows, cols int) *Document {
	return &Document{
		ID:       id,
		Rows:     rows,
		Cols:     cols,
		Cells:    make(map[string]Cell),
		ColSizes: make(map[int]int),
		RowSizes: make(map[int]int),
	}
}

// Cell returns the content at ref, which may be the zero Cell.
func (d *Document) Cell(ref string) Cell {
	return d.Cells[ref]
}

// Apply merges an update into the cell at ref and returns the resulting
// cell. A cell that ends up fully empty is dropped from the map.
func (d *Document) Apply(ref string, u Update) Cell {
	merged := d.Cells[ref].Merge(u)
	if merged.Empty() {
		delete(d.Cells, ref)
	} else {
		d.Cells[ref] = merged
	}
	return merged
}

// Contains reports whether the parsed address falls inside the document's
// row/column extent.
func (d *Document) Contains(addr Address) bool {
	return addr.Col >= 0 && addr.Col < d.Cols && addr.Row >= 0 && addr.Row < d.Rows
}

// Snapshot returns a copy of the cell map safe to hand outside the
// coordinator goroutine.
func (d *Document) Snapshot() map[string]Cell {
	out := make(map[string]Cell, len(d.Cells))
	for ref, cell := range d.Cells {
		out[ref] = cell
	}
	return out
}
