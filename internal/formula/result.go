package formula

import (
	"math"
	"strconv"
)

// ErrorCode is a formula error token shown in place of a value.
type ErrorCode string

const (
	// ErrDivZero is division by zero.
	ErrDivZero ErrorCode = "#DIV/0!"

	// ErrRef is a reference that cannot be resolved to a cell.
	ErrRef ErrorCode = "#REF!"

	// ErrSyntax covers every other evaluation failure.
	ErrSyntax ErrorCode = "#ERROR!"
)

// IsErrorToken reports whether s is one of the formula error tokens.
func IsErrorToken(s string) bool {
	switch ErrorCode(s) {
	case ErrDivZero, ErrRef, ErrSyntax:
		return true
	}
	return false
}

// Result is the outcome of evaluating a formula: a number or an error token.
type Result struct {
	Value float64
	Err   ErrorCode
}

func errResult(code ErrorCode) Result {
	return Result{Err: code}
}

// IsError reports whether evaluation failed.
func (r Result) IsError() bool {
	return r.Err != ""
}

// String renders the result as a cell display value.
func (r Result) String() string {
	if r.Err != "" {
		return string(r.Err)
	}
	return FormatNumber(r.Value)
}

// FormatNumber renders v in the shortest form that round-trips.
// Negative zero renders as "0".
func FormatNumber(v float64) string {
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
