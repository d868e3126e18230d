package ir

import (
	"fmt"
	"strings"

	"github.com/relift/relift/decomp/typ"
)

type (
	// Exp is the tagged sum of expression forms. Expressions are
	// immutable values; passes rebuild them with Map.
	Exp interface {
		exp()
	}

	ConstKind int

	Const struct {
		Kind  ConstKind
		Int   int64
		Float float64
		Str   string
		Addr  uint64
		T     typ.Type
	}

	// Terminal is a special location without structure: pc, flags, the
	// match-anything wildcard.
	Terminal int

	Reg int

	MemOf struct {
		X Exp
	}

	AddrOf struct {
		X Exp
	}

	Unary struct {
		Op Op
		X  Exp
	}

	Binary struct {
		Op   Op
		L, R Exp
	}

	Ternary struct {
		Op      Op
		A, B, C Exp
	}

	Typed struct {
		T typ.Type
		X Exp
	}

	LocKind int

	// Loc is a resolved symbolic location: a named local, parameter or
	// global of a procedure.
	Loc struct {
		Kind LocKind
		Name string
		Proc *Proc
	}

	// Ref is a subscripted use: X as defined by statement Def. Def is an
	// index into the owning CFG arena, None for a caller-defined value.
	Ref struct {
		X   Exp
		Def SID
	}
)

const (
	CInt ConstKind = iota
	CFloat
	CStr
	CAddr
)

const (
	PC Terminal = iota
	ZF
	CF
	NF
	OF
	Flags
	Wild
)

const (
	LocLocal LocKind = iota
	LocParam
	LocGlobal
)

func (Const) exp()    {}
func (Terminal) exp() {}
func (Reg) exp()      {}
func (MemOf) exp()    {}
func (AddrOf) exp()   {}
func (Unary) exp()    {}
func (Binary) exp()   {}
func (Ternary) exp()  {}
func (Typed) exp()    {}
func (Loc) exp()      {}
func (Ref) exp()      {}

func Num(v int64) Const    { return Const{Kind: CInt, Int: v} }
func Addr(a uint64) Const  { return Const{Kind: CAddr, Addr: a} }
func Str(s string) Const   { return Const{Kind: CStr, Str: s} }
func Flt(f float64) Const  { return Const{Kind: CFloat, Float: f} }

// DefaultType is the constant's type defaulted by literal form.
func (c Const) DefaultType() typ.Type {
	if c.T != nil {
		return c.T
	}

	switch c.Kind {
	case CInt:
		return typ.Int{Size: 32}
	case CFloat:
		return typ.Float{Size: 64}
	case CStr:
		return typ.Ptr{To: typ.Char{}}
	case CAddr:
		return typ.Ptr{To: typ.Void{}}
	default:
		panic(c.Kind)
	}
}

type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpMulU
	OpDiv
	OpDivU
	OpMod
	OpModU
	OpShl
	OpShr
	OpSar
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpLNot
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
	OpLtU
	OpGtU
	OpLeU
	OpGeU
	OpIndex
)

var opNames = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpMulU: "*u", OpDiv: "/", OpDivU: "/u",
	OpMod: "%", OpModU: "%u", OpShl: "<<", OpShr: ">>", OpSar: ">>a",
	OpAnd: "&", OpOr: "|", OpXor: "^", OpNot: "~", OpNeg: "neg", OpLNot: "!",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpGt: ">", OpLe: "<=", OpGe: ">=",
	OpLtU: "<u", OpGtU: ">u", OpLeU: "<=u", OpGeU: ">=u",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}

	return fmt.Sprintf("op(%d)", int(op))
}

// IsCompare reports whether the operator yields a boolean.
func (op Op) IsCompare() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe, OpLtU, OpGtU, OpLeU, OpGeU:
		return true
	}

	return false
}

func (op Op) Unsigned() bool {
	switch op {
	case OpMulU, OpDivU, OpModU, OpShr, OpLtU, OpGtU, OpLeU, OpGeU:
		return true
	}

	return false
}

func (c Const) String() string {
	switch c.Kind {
	case CInt:
		return fmt.Sprintf("%d", c.Int)
	case CFloat:
		return fmt.Sprintf("%g", c.Float)
	case CStr:
		return fmt.Sprintf("%q", c.Str)
	case CAddr:
		return fmt.Sprintf("0x%x", c.Addr)
	default:
		panic(c.Kind)
	}
}

func (t Terminal) String() string {
	switch t {
	case PC:
		return "%pc"
	case ZF:
		return "%ZF"
	case CF:
		return "%CF"
	case NF:
		return "%NF"
	case OF:
		return "%OF"
	case Flags:
		return "%flags"
	case Wild:
		return "%wild"
	default:
		return fmt.Sprintf("%%t%d", int(t))
	}
}

func (r Reg) String() string { return fmt.Sprintf("r%d", int(r)) }

func (e MemOf) String() string  { return fmt.Sprintf("m[%v]", e.X) }
func (e AddrOf) String() string { return fmt.Sprintf("a[%v]", e.X) }

func (e Unary) String() string { return fmt.Sprintf("%v(%v)", e.Op, e.X) }

func (e Binary) String() string {
	if e.Op == OpIndex {
		return fmt.Sprintf("%v[%v]", e.L, e.R)
	}

	return fmt.Sprintf("(%v %v %v)", e.L, e.Op, e.R)
}

func (e Ternary) String() string {
	return fmt.Sprintf("%v(%v, %v, %v)", e.Op, e.A, e.B, e.C)
}

func (e Typed) String() string { return fmt.Sprintf("(%v)%v", e.T, e.X) }

func (e Loc) String() string {
	switch e.Kind {
	case LocGlobal:
		return "g_" + e.Name
	default:
		return e.Name
	}
}

func (e Ref) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%v{", e.X)

	if e.Def == None {
		b.WriteString("-")
	} else {
		fmt.Fprintf(&b, "%d", e.Def)
	}

	b.WriteString("}")

	return b.String()
}

// String renders any expression, for listings and logs.
func String(e Exp) string {
	if e == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%v", e)
}
