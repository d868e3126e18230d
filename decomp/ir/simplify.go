package ir

// Simplify folds constant arithmetic and strips algebraic identities,
// enough for stack-pointer chains like (sp - 4) + 4 to cancel.
func Simplify(e Exp) Exp {
	return Map(e, simplify1)
}

func simplify1(e Exp) Exp {
	b, ok := e.(Binary)
	if !ok {
		return e
	}

	l, lc := b.L.(Const)
	r, rc := b.R.(Const)
	lc = lc && l.Kind == CInt
	rc = rc && r.Kind == CInt

	switch b.Op {
	case OpAdd:
		switch {
		case lc && rc:
			return Num(l.Int + r.Int)
		case lc && l.Int == 0:
			return b.R
		case rc && r.Int == 0:
			return b.L
		case lc:
			// keep constants on the right
			return simplify1(Binary{Op: OpAdd, L: b.R, R: b.L})
		case rc:
			return foldChain(b.L, r.Int)
		}

	case OpSub:
		switch {
		case lc && rc:
			return Num(l.Int - r.Int)
		case rc && r.Int == 0:
			return b.L
		case rc:
			return foldChain(b.L, -r.Int)
		case Eq(b.L, b.R):
			return Num(0)
		}

	case OpMul, OpMulU:
		switch {
		case lc && rc:
			return Num(l.Int * r.Int)
		case lc && l.Int == 1:
			return b.R
		case rc && r.Int == 1:
			return b.L
		case lc && l.Int == 0 || rc && r.Int == 0:
			return Num(0)
		}

	case OpOr, OpXor:
		if rc && r.Int == 0 {
			return b.L
		}
		if lc && l.Int == 0 {
			return b.R
		}
	}

	return e
}

// foldChain pushes the constant k into an add/sub chain rooted at e:
// (x ± c) + k becomes x ± (c combined with k).
func foldChain(e Exp, k int64) Exp {
	if in, ok := e.(Binary); ok {
		if c, isC := in.R.(Const); isC && c.Kind == CInt {
			switch in.Op {
			case OpAdd:
				return simplify1(Binary{Op: OpAdd, L: in.L, R: Num(c.Int + k)})
			case OpSub:
				return simplify1(Binary{Op: OpSub, L: in.L, R: Num(c.Int - k)})
			}
		}
	}

	if k == 0 {
		return e
	}
	if k < 0 {
		return Binary{Op: OpSub, L: e, R: Num(-k)}
	}

	return Binary{Op: OpAdd, L: e, R: Num(k)}
}
