package grid

import "strings"

// Style carries the optional presentation attributes of a cell. All fields
// are omitted from the wire when empty.
type Style struct {
	Background   string `json:"background,omitempty"`
	TextColor    string `json:"textColor,omitempty"`
	Bold         bool   `json:"bold,omitempty"`
	Italic       bool   `json:"italic,omitempty"`
	Underline    bool   `json:"underline,omitempty"`
	Align        string `json:"align,omitempty"`
	NumberFormat string `json:"numberFormat,omitempty"`
}

// Cell is the authoritative content of one grid coordinate. Exactly one of
// Value and Formula is the source of truth for display: a non-nil Formula
// implies a nil Value.
type Cell struct {
	Value        *string `json:"value"`
	DisplayValue *string `json:"displayValue"`
	Formula      *string `json:"formula"`
	Style        *Style  `json:"style,omitempty"`
}

// Update is a partial cell change. Nil fields are left untouched on merge,
// so "not provided" and "set to empty" stay distinguishable.
type Update struct {
	Value        *string `json:"value,omitempty"`
	DisplayValue *string `json:"displayValue,omitempty"`
	Formula      *string `json:"formula,omitempty"`
	Style        *Style  `json:"style,omitempty"`
}

// Merge applies an update to a cell and returns the result. Setting a
// formula clears the raw value and vice versa, keeping the single
// source-of-truth invariant.
func (c Cell) Merge(u Update) Cell {
	out := c
	if u.Value != nil {
		out.Value = u.Value
		out.Formula = nil
	}
	if u.Formula != nil {
		if strings.TrimSpace(*u.Formula) == "" {
			out.Formula = nil
		} else {
			out.Formula = u.Formula
			out.Value = nil
		}
	}
	if u.DisplayValue != nil {
		out.DisplayValue = u.DisplayValue
	}
	if u.Style != nil {
		out.Style = u.Style
	}
	return out
}

// Empty reports whether the cell carries no content or styling at all.
func (c Cell) Empty() bool {
	return c.Value == nil && c.DisplayValue == nil && c.Formula == nil && c.Style == nil
}
