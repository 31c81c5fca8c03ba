package grid

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// refRe matches a well-formed A1 reference: column letters then a 1-based row.
var refRe = regexp.MustCompile(`^([A-Z]+)([0-9]+)$`)

// maxColLetters bounds column parsing so base-26 accumulation cannot overflow.
const maxColLetters = 7

// Addr is a 0-based (row, col) cell coordinate.
type Addr struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Valid reports whether both coordinates are non-negative.
func (a Addr) Valid() bool {
	return a.Row >= 0 && a.Col >= 0
}

// Less orders addresses row-major.
func (a Addr) Less(b Addr) bool {
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Col < b.Col
}

// String renders the address in A1 notation ("A1" is row 0, col 0).
func (a Addr) String() string {
	if !a.Valid() {
		return fmt.Sprintf("R%dC%d", a.Row, a.Col)
	}
	return ColToLetters(a.Col) + strconv.Itoa(a.Row+1)
}

// ColToLetters converts a 0-based column index to spreadsheet letters.
// 0 → "A", 25 → "Z", 26 → "AA".
func ColToLetters(col int) string {
	result := ""
	for n := col + 1; n > 0; n /= 26 {
		n--
		result = string(rune('A'+n%26)) + result
	}
	return result
}

// LettersToCol converts spreadsheet letters to a 0-based column index.
// Returns false for empty input, non A-Z letters, or columns too wide to index.
func LettersToCol(letters string) (int, bool) {
	if letters == "" || len(letters) > maxColLetters {
		return 0, false
	}
	col := 0
	for _, c := range letters {
		if c < 'A' || c > 'Z' {
			return 0, false
		}
		col = col*26 + int(c-'A'+1)
	}
	return col - 1, true
}

// ParseA1 parses an A1 reference like "B12" into a 0-based address.
//
// Only uppercase column letters are accepted. Row 0 and rows that do not fit
// in an int are rejected.
func ParseA1(ref string) (Addr, error) {
	m := refRe.FindStringSubmatch(ref)
	if m == nil {
		return Addr{}, fmt.Errorf("invalid cell reference %q", ref)
	}
	col, ok := LettersToCol(m[1])
	if !ok {
		return Addr{}, fmt.Errorf("invalid column in reference %q", ref)
	}
	row, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || row < 1 || row > math.MaxInt32 {
		return Addr{}, fmt.Errorf("invalid row in reference %q", ref)
	}
	return Addr{Row: int(row) - 1, Col: col}, nil
}

// Range is an inclusive rectangle of cells.
type Range struct {
	From Addr
	To   Addr
}

// Normalize returns the range with From as the top-left corner.
func (r Range) Normalize() Range {
	if r.From.Row > r.To.Row {
		r.From.Row, r.To.Row = r.To.Row, r.From.Row
	}
	if r.From.Col > r.To.Col {
		r.From.Col, r.To.Col = r.To.Col, r.From.Col
	}
	return r
}

// Size returns the number of cells covered by the normalized range,
// saturating at math.MaxInt64.
func (r Range) Size() int64 {
	n := r.Normalize()
	rows := int64(n.To.Row) - int64(n.From.Row) + 1
	cols := int64(n.To.Col) - int64(n.From.Col) + 1
	if rows > math.MaxInt64/cols {
		return math.MaxInt64
	}
	return rows * cols
}

// Addrs expands the range row-major.
func (r Range) Addrs() []Addr {
	n := r.Normalize()
	addrs := make([]Addr, 0, r.Size())
	for row := n.From.Row; row <= n.To.Row; row++ {
		for col := n.From.Col; col <= n.To.Col; col++ {
			addrs = append(addrs, Addr{Row: row, Col: col})
		}
	}
	return addrs
}

func (r Range) String() string {
	n := r.Normalize()
	return n.From.String() + ":" + n.To.String()
}
