// Package formula parses and evaluates sheetsync cell formulas.
//
// A formula is the text after the leading "=" of a raw value. The language
// is deliberately small:
//
//	expr     := term (("+" | "-") term)*
//	term     := unary (("*" | "/") unary)*
//	unary    := "-" primary | primary        (only at expression start, after "(" or ",")
//	primary  := NUMBER | REF | "(" expr ")" | FUNC "(" arg ("," arg)* ")"
//	arg      := expr | REF ":" REF
//
// FUNC is one of SUM, AVERAGE, MAX, MIN (case-insensitive). REF is A1
// notation with uppercase column letters.
//
// EVALUATION:
//
// Parsing is a single shunting-yard pass producing a postfix program; the
// program is then run against a grid.Source. Evaluation is a pure function
// of (expression, source) and never returns a Go error. Failures surface as
// one of three display tokens:
//
//	#DIV/0!  division by zero, or AVERAGE over nothing
//	#REF!    a reference that does not name a valid cell, or an oversized range
//	#ERROR!  anything else: bad syntax, unknown function, misuse of a range
//
// Syntax errors win over reference errors: "A0+" is #ERROR!, "A0+1" is #REF!.
//
// Cell reads: absent cells and non-numeric text read as 0. A formula cell is
// read through its current display value, so an error token in a referenced
// formula propagates to every formula that reads it.
package formula
