package grid

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FormulaPrefix marks a raw value as a formula.
const FormulaPrefix = "="

// Format is the conflict-free style bag of a cell.
//
// Format is never versioned or merged: a write replaces the whole bag.
type Format struct {
	Bold            bool   `json:"bold,omitempty"`
	Italic          bool   `json:"italic,omitempty"`
	Underline       bool   `json:"underline,omitempty"`
	FontFamily      string `json:"fontFamily,omitempty"`
	FontSize        int    `json:"fontSize,omitempty"`
	Color           string `json:"color,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
	TextAlign       string `json:"textAlign,omitempty"`     // left|center|right
	VerticalAlign   string `json:"verticalAlign,omitempty"` // top|middle|bottom
	NumberFormat    string `json:"numberFormat,omitempty"`
	DateFormat      string `json:"dateFormat,omitempty"`
	BorderTop       string `json:"borderTop,omitempty"`
	BorderRight     string `json:"borderRight,omitempty"`
	BorderBottom    string `json:"borderBottom,omitempty"`
	BorderLeft      string `json:"borderLeft,omitempty"`
}

// Clone returns a copy of f, or nil for a nil bag.
func (f *Format) Clone() *Format {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Cell is a single grid record.
//
// INVARIANTS:
//   - Formula holds RawValue minus its "=" prefix; it is empty for non-formulas
//   - DisplayValue equals RawValue for non-formula cells
//   - Revision is the document revision of the last write to this cell
type Cell struct {
	Row          int     `json:"row"`
	Col          int     `json:"col"`
	RawValue     string  `json:"rawValue"`
	Formula      string  `json:"formula,omitempty"`
	DisplayValue string  `json:"displayValue"`
	Format       *Format `json:"format,omitempty"`
	Revision     int64   `json:"revision"`
}

// NewCell builds a cell from user input.
//
// The raw value is NFC normalized. For formulas the expression (without the
// leading "=") is stored in Formula and DisplayValue is left for the caller
// to evaluate; otherwise DisplayValue is the raw value verbatim.
func NewCell(addr Addr, raw string, format *Format) Cell {
	raw = norm.NFC.String(raw)
	c := Cell{
		Row:      addr.Row,
		Col:      addr.Col,
		RawValue: raw,
		Format:   format.Clone(),
	}
	if expr, ok := strings.CutPrefix(raw, FormulaPrefix); ok {
		c.Formula = expr
	} else {
		c.DisplayValue = raw
	}
	return c
}

// Addr returns the cell's coordinate.
func (c Cell) Addr() Addr {
	return Addr{Row: c.Row, Col: c.Col}
}

// IsFormula reports whether the cell holds a formula.
func (c Cell) IsFormula() bool {
	return strings.HasPrefix(c.RawValue, FormulaPrefix)
}

// IsEmpty reports whether the cell carries neither content nor format.
// Empty cells are not stored.
func (c Cell) IsEmpty() bool {
	return c.RawValue == "" && c.Format == nil
}
