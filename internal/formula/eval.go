package formula

import (
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/sheetsync/internal/grid"
)

// MaxRangeCells bounds the number of cells a single range may cover. It is
// a resource limit rather than a syntax check: a well-formed range larger
// than this evaluates to #REF! and contributes no dependencies.
const MaxRangeCells = 1 << 16

// Expr is a parsed formula. A syntactically invalid formula still yields an
// Expr; evaluating it returns #ERROR!.
type Expr struct {
	src  string
	prog []instr
	ok   bool
}

// Parse compiles a formula expression (without the leading "=").
func Parse(src string) *Expr {
	prog, ok := compile(src)
	return &Expr{src: src, prog: prog, ok: ok}
}

// Evaluate parses and evaluates expr against src.
func Evaluate(expr string, src grid.Source) Result {
	return Parse(expr).Eval(src)
}

// Valid reports whether the expression parsed.
func (e *Expr) Valid() bool {
	return e.ok
}

func (e *Expr) String() string {
	return e.src
}

// value is an evaluation stack entry. Ranges only survive as function
// arguments.
type value struct {
	num     float64
	vals    []float64
	isRange bool
}

// Eval runs the program against src.
func (e *Expr) Eval(src grid.Source) Result {
	if !e.ok {
		return errResult(ErrSyntax)
	}

	stack := make([]value, 0, 8)
	for _, in := range e.prog {
		switch in.op {
		case opNum:
			stack = append(stack, value{num: in.num})

		case opRef:
			v, code := readNumber(src.Get(in.addr))
			if code != "" {
				return errResult(code)
			}
			stack = append(stack, value{num: v})

		case opBadRef:
			return errResult(ErrRef)

		case opRange:
			if in.rng.Size() > MaxRangeCells {
				return errResult(ErrRef)
			}
			addrs := in.rng.Addrs()
			vals := make([]float64, 0, len(addrs))
			for _, a := range addrs {
				v, code := readNumber(src.Get(a))
				if code != "" {
					return errResult(code)
				}
				vals = append(vals, v)
			}
			stack = append(stack, value{vals: vals, isRange: true})

		case opNeg:
			n := len(stack) - 1
			if n < 0 || stack[n].isRange {
				return errResult(ErrSyntax)
			}
			stack[n].num = -stack[n].num

		case opAdd, opSub, opMul, opDiv:
			n := len(stack)
			if n < 2 || stack[n-1].isRange || stack[n-2].isRange {
				return errResult(ErrSyntax)
			}
			a, b := stack[n-2].num, stack[n-1].num
			stack = stack[:n-2]
			r, code := arith(in.op, a, b)
			if code != "" {
				return errResult(code)
			}
			stack = append(stack, value{num: r})

		case opCall:
			n := len(stack)
			if n < in.argc {
				return errResult(ErrSyntax)
			}
			var args []float64
			for _, v := range stack[n-in.argc:] {
				if v.isRange {
					args = append(args, v.vals...)
				} else {
					args = append(args, v.num)
				}
			}
			stack = stack[:n-in.argc]
			r, code := functions[in.fn](args)
			if code != "" {
				return errResult(code)
			}
			stack = append(stack, value{num: r})
		}
	}

	if len(stack) != 1 || stack[0].isRange {
		return errResult(ErrSyntax)
	}
	if !finite(stack[0].num) {
		return errResult(ErrSyntax)
	}
	return Result{Value: stack[0].num}
}

func arith(op opcode, a, b float64) (float64, ErrorCode) {
	switch op {
	case opAdd:
		return a + b, ""
	case opSub:
		return a - b, ""
	case opMul:
		return a * b, ""
	default:
		if b == 0 {
			return 0, ErrDivZero
		}
		return a / b, ""
	}
}

// readNumber converts a cell to a number for arithmetic. Absent, blank and
// non-numeric cells read as 0; a formula cell showing an error token yields
// that token.
func readNumber(c grid.Cell) (float64, ErrorCode) {
	text := c.RawValue
	if c.IsFormula() {
		text = c.DisplayValue
		if IsErrorToken(text) {
			return 0, ErrorCode(text)
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || !finite(v) {
		return 0, ""
	}
	return v, ""
}

// References returns the distinct cells expr reads, ranges expanded, in
// row-major order. Invalid expressions and oversized ranges read nothing.
func (e *Expr) References() []grid.Addr {
	if !e.ok {
		return nil
	}
	seen := make(map[grid.Addr]struct{})
	for _, in := range e.prog {
		switch in.op {
		case opRef:
			seen[in.addr] = struct{}{}
		case opRange:
			if in.rng.Size() > MaxRangeCells {
				continue
			}
			for _, a := range in.rng.Addrs() {
				seen[a] = struct{}{}
			}
		}
	}
	refs := make([]grid.Addr, 0, len(seen))
	for a := range seen {
		refs = append(refs, a)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// References is shorthand for Parse(expr).References().
func References(expr string) []grid.Addr {
	return Parse(expr).References()
}
