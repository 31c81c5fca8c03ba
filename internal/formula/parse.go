package formula

import "github.com/roach88/sheetsync/internal/grid"

type opcode uint8

const (
	opNum opcode = iota + 1
	opRef
	opBadRef
	opRange
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opCall
)

// instr is one step of a compiled postfix program.
type instr struct {
	op   opcode
	num  float64
	addr grid.Addr
	rng  grid.Range
	fn   string
	argc int
}

func precedence(op opcode) int {
	switch op {
	case opAdd, opSub:
		return 1
	case opMul, opDiv:
		return 2
	case opNeg:
		return 3
	}
	return 0
}

func binaryOp(c byte) opcode {
	switch c {
	case '+':
		return opAdd
	case '-':
		return opSub
	case '*':
		return opMul
	default:
		return opDiv
	}
}

type frameKind uint8

const (
	frameOp frameKind = iota + 1
	frameParen
	frameCall
)

// frame is an entry on the shunting-yard operator stack.
type frame struct {
	kind frameKind
	op   opcode
	fn   string
	argc int
}

// prevKind records what the parser consumed last; it decides whether an
// operand or an operator may come next.
type prevKind uint8

const (
	prevStart prevKind = iota
	prevOperand
	prevBinary
	prevUnary
	prevOpen
	prevComma
)

func (p prevKind) wantsOperand() bool {
	return p != prevOperand
}

// unaryAllowed reports whether a "-" here is a sign rather than an operator.
func (p prevKind) unaryAllowed() bool {
	return p == prevStart || p == prevOpen || p == prevComma
}

// compile runs the shunting-yard pass. ok is false on any syntax error.
func compile(src string) (prog []instr, ok bool) {
	toks, ok := lex(src)
	if !ok {
		return nil, false
	}

	var ops []frame
	prev := prevStart

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokNumber, tokRef, tokBadRef, tokRange:
			if !prev.wantsOperand() {
				return nil, false
			}
			prog = append(prog, operandInstr(t))
			prev = prevOperand

		case tokIdent:
			if !prev.wantsOperand() {
				return nil, false
			}
			if _, known := functions[t.text]; !known {
				return nil, false
			}
			if i+1 >= len(toks) || toks[i+1].kind != tokLParen {
				return nil, false
			}
			i++
			ops = append(ops, frame{kind: frameCall, fn: t.text})
			prev = prevOpen

		case tokLParen:
			if !prev.wantsOperand() {
				return nil, false
			}
			ops = append(ops, frame{kind: frameParen})
			prev = prevOpen

		case tokRParen:
			if prev.wantsOperand() {
				return nil, false
			}
			for len(ops) > 0 && ops[len(ops)-1].kind == frameOp {
				prog = append(prog, instr{op: ops[len(ops)-1].op})
				ops = ops[:len(ops)-1]
			}
			if len(ops) == 0 {
				return nil, false
			}
			top := ops[len(ops)-1]
			ops = ops[:len(ops)-1]
			if top.kind == frameCall {
				prog = append(prog, instr{op: opCall, fn: top.fn, argc: top.argc + 1})
			}
			prev = prevOperand

		case tokComma:
			if prev.wantsOperand() {
				return nil, false
			}
			for len(ops) > 0 && ops[len(ops)-1].kind == frameOp {
				prog = append(prog, instr{op: ops[len(ops)-1].op})
				ops = ops[:len(ops)-1]
			}
			if len(ops) == 0 || ops[len(ops)-1].kind != frameCall {
				return nil, false
			}
			ops[len(ops)-1].argc++
			prev = prevComma

		case tokOp:
			if prev.wantsOperand() {
				if t.op != '-' || !prev.unaryAllowed() {
					return nil, false
				}
				ops = append(ops, frame{kind: frameOp, op: opNeg})
				prev = prevUnary
				continue
			}
			cur := binaryOp(t.op)
			for len(ops) > 0 {
				top := ops[len(ops)-1]
				if top.kind != frameOp || precedence(top.op) < precedence(cur) {
					break
				}
				prog = append(prog, instr{op: top.op})
				ops = ops[:len(ops)-1]
			}
			ops = append(ops, frame{kind: frameOp, op: cur})
			prev = prevBinary
		}
	}

	if prev.wantsOperand() {
		return nil, false
	}
	for len(ops) > 0 {
		top := ops[len(ops)-1]
		if top.kind != frameOp {
			return nil, false
		}
		prog = append(prog, instr{op: top.op})
		ops = ops[:len(ops)-1]
	}
	return prog, true
}

func operandInstr(t token) instr {
	switch t.kind {
	case tokNumber:
		return instr{op: opNum, num: t.num}
	case tokRef:
		return instr{op: opRef, addr: t.addr}
	case tokRange:
		return instr{op: opRange, rng: t.rng}
	default:
		return instr{op: opBadRef}
	}
}
