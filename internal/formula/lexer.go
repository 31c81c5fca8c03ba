package formula

import (
	"strconv"
	"strings"

	"github.com/roach88/sheetsync/internal/grid"
)

type tokenKind uint8

const (
	tokNumber tokenKind = iota + 1
	tokRef
	tokBadRef // looks like a reference but names no valid cell
	tokRange
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	addr grid.Addr
	rng  grid.Range
	op   byte
}

// lex splits src into tokens. It returns false on any character or number
// the grammar does not allow.
func lex(src string) ([]token, bool) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, op: c, text: string(c)})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case isDigit(c) || c == '.':
			j := i
			dots := 0
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				if src[j] == '.' {
					dots++
				}
				j++
			}
			text := src[i:j]
			if dots > 1 || text == "." {
				return nil, false
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, false
			}
			toks = append(toks, token{kind: tokNumber, num: v, text: text})
			i = j
		case isLetter(c):
			j := scanWord(src, i)
			word := src[i:j]
			i = j
			if isAllLetters(word) {
				toks = append(toks, token{kind: tokIdent, text: strings.ToUpper(word)})
				continue
			}
			tok := refToken(word)
			if i < len(src) && src[i] == ':' {
				k := i + 1
				if k >= len(src) || !isLetter(src[k]) {
					return nil, false
				}
				end := scanWord(src, k)
				tok = rangeToken(tok, refToken(src[k:end]))
				i = end
			}
			toks = append(toks, tok)
		default:
			return nil, false
		}
	}
	return toks, true
}

func refToken(word string) token {
	addr, err := grid.ParseA1(word)
	if err != nil {
		return token{kind: tokBadRef, text: word}
	}
	return token{kind: tokRef, addr: addr, text: word}
}

// rangeToken joins two reference tokens around ":". A range whose corners
// are not both valid is a bad reference as a whole.
func rangeToken(from, to token) token {
	text := from.text + ":" + to.text
	if from.kind != tokRef || to.kind != tokRef {
		return token{kind: tokBadRef, text: text}
	}
	return token{kind: tokRange, rng: grid.Range{From: from.addr, To: to.addr}.Normalize(), text: text}
}

func scanWord(src string, i int) int {
	for i < len(src) && (isLetter(src[i]) || isDigit(src[i])) {
		i++
	}
	return i
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }

func isAllLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isLetter(s[i]) {
			return false
		}
	}
	return true
}
