package ir

import "strings"

// Map rebuilds e bottom-up, applying f to every node after its children
// were rebuilt.
func Map(e Exp, f func(Exp) Exp) Exp {
	switch x := e.(type) {
	case Const, Terminal, Reg, Loc:
	case MemOf:
		e = MemOf{X: Map(x.X, f)}
	case AddrOf:
		e = AddrOf{X: Map(x.X, f)}
	case Unary:
		e = Unary{Op: x.Op, X: Map(x.X, f)}
	case Binary:
		e = Binary{Op: x.Op, L: Map(x.L, f), R: Map(x.R, f)}
	case Ternary:
		e = Ternary{Op: x.Op, A: Map(x.A, f), B: Map(x.B, f), C: Map(x.C, f)}
	case Typed:
		e = Typed{T: x.T, X: Map(x.X, f)}
	case Ref:
		e = Ref{X: Map(x.X, f), Def: x.Def}
	default:
		panic(x)
	}

	return f(e)
}

// Walk visits e top-down. Returning false skips the node's children.
func Walk(e Exp, f func(Exp) bool) {
	if !f(e) {
		return
	}

	switch x := e.(type) {
	case Const, Terminal, Reg, Loc:
	case MemOf:
		Walk(x.X, f)
	case AddrOf:
		Walk(x.X, f)
	case Unary:
		Walk(x.X, f)
	case Binary:
		Walk(x.L, f)
		Walk(x.R, f)
	case Ternary:
		Walk(x.A, f)
		Walk(x.B, f)
		Walk(x.C, f)
	case Typed:
		Walk(x.X, f)
	case Ref:
		Walk(x.X, f)
	default:
		panic(x)
	}
}

// Fold reduces e bottom-up.
func Fold[R any](e Exp, f func(e Exp, kids []R) R) R {
	switch x := e.(type) {
	case Const, Terminal, Reg, Loc:
		return f(e, nil)
	case MemOf:
		return f(e, []R{Fold(x.X, f)})
	case AddrOf:
		return f(e, []R{Fold(x.X, f)})
	case Unary:
		return f(e, []R{Fold(x.X, f)})
	case Binary:
		return f(e, []R{Fold(x.L, f), Fold(x.R, f)})
	case Ternary:
		return f(e, []R{Fold(x.A, f), Fold(x.B, f), Fold(x.C, f)})
	case Typed:
		return f(e, []R{Fold(x.X, f)})
	case Ref:
		return f(e, []R{Fold(x.X, f)})
	default:
		panic(x)
	}
}

func rank(e Exp) int {
	switch e.(type) {
	case Const:
		return 0
	case Terminal:
		return 1
	case Reg:
		return 2
	case MemOf:
		return 3
	case AddrOf:
		return 4
	case Unary:
		return 5
	case Binary:
		return 6
	case Ternary:
		return 7
	case Typed:
		return 8
	case Loc:
		return 9
	case Ref:
		return 10
	default:
		panic(e)
	}
}

// Compare is a structural total order over expressions. The wildcard
// terminal compares equal to anything.
func Compare(a, b Exp) int {
	if t, ok := a.(Terminal); ok && t == Wild {
		return 0
	}
	if t, ok := b.(Terminal); ok && t == Wild {
		return 0
	}

	if c := cmpi(rank(a), rank(b)); c != 0 {
		return c
	}

	switch x := a.(type) {
	case Const:
		y := b.(Const)

		if c := cmpi(int(x.Kind), int(y.Kind)); c != 0 {
			return c
		}

		switch x.Kind {
		case CInt:
			return cmp64(x.Int, y.Int)
		case CFloat:
			switch {
			case x.Float < y.Float:
				return -1
			case x.Float > y.Float:
				return 1
			}

			return 0
		case CStr:
			return strings.Compare(x.Str, y.Str)
		case CAddr:
			return cmp64(int64(x.Addr), int64(y.Addr))
		default:
			panic(x.Kind)
		}
	case Terminal:
		return cmpi(int(x), int(b.(Terminal)))
	case Reg:
		return cmpi(int(x), int(b.(Reg)))
	case MemOf:
		return Compare(x.X, b.(MemOf).X)
	case AddrOf:
		return Compare(x.X, b.(AddrOf).X)
	case Unary:
		y := b.(Unary)

		if c := cmpi(int(x.Op), int(y.Op)); c != 0 {
			return c
		}

		return Compare(x.X, y.X)
	case Binary:
		y := b.(Binary)

		if c := cmpi(int(x.Op), int(y.Op)); c != 0 {
			return c
		}
		if c := Compare(x.L, y.L); c != 0 {
			return c
		}

		return Compare(x.R, y.R)
	case Ternary:
		y := b.(Ternary)

		if c := cmpi(int(x.Op), int(y.Op)); c != 0 {
			return c
		}
		if c := Compare(x.A, y.A); c != 0 {
			return c
		}
		if c := Compare(x.B, y.B); c != 0 {
			return c
		}

		return Compare(x.C, y.C)
	case Typed:
		return Compare(x.X, b.(Typed).X)
	case Loc:
		y := b.(Loc)

		if c := cmpi(int(x.Kind), int(y.Kind)); c != 0 {
			return c
		}

		return strings.Compare(x.Name, y.Name)
	case Ref:
		y := b.(Ref)

		if c := cmp64(int64(x.Def), int64(y.Def)); c != 0 {
			return c
		}

		return Compare(x.X, y.X)
	default:
		panic(x)
	}
}

func Eq(a, b Exp) bool {
	return Compare(a, b) == 0
}

// Subst replaces every subexpression equal to from with to.
func Subst(e, from, to Exp) Exp {
	return Map(e, func(x Exp) Exp {
		if Eq(x, from) {
			return to
		}

		return x
	})
}

func Contains(e, needle Exp) (found bool) {
	Walk(e, func(x Exp) bool {
		if Eq(x, needle) {
			found = true
		}

		return !found
	})

	return found
}

// IsLocation reports whether e is a mutable location subject to SSA
// renaming. Memory expressions only count once renameMem is enabled.
func IsLocation(e Exp, renameMem bool) bool {
	switch e.(type) {
	case Reg, Terminal:
		_, term := e.(Terminal)
		if term && e.(Terminal) == PC {
			return false
		}

		return true
	case Loc:
		return true
	case MemOf:
		return renameMem
	}

	return false
}

// Base strips Ref and Typed wrappers.
func Base(e Exp) Exp {
	for {
		switch x := e.(type) {
		case Ref:
			e = x.X
		case Typed:
			e = x.X
		default:
			return e
		}
	}
}

// Key is the canonical map key of a location expression.
func Key(e Exp) string {
	return String(Base(e))
}

func cmpi(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}
