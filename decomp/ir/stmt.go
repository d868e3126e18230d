package ir

import (
	"fmt"
	"strings"

	"github.com/relift/relift/decomp/typ"
)

type (
	// SID is a stable statement index into the owning CFG arena.
	SID int32

	// BID is a basic block index.
	BID int32

	// Stmt is the tagged sum of statement kinds. Statements live in the
	// CFG arena and are addressed by SID; passes mutate them in place.
	Stmt interface {
		base() *StmtBase
	}

	// StmtBase carries what every statement has: a proc-local sequence
	// number (0 for implicit definitions), the enclosing block and proc.
	StmtBase struct {
		Num   int
		Block BID
		Proc  *Proc
	}

	// Assign is an ordinary register transfer: LHS := RHS at type T.
	Assign struct {
		StmtBase

		LHS Exp
		T   typ.Type
		RHS Exp
	}

	// Implicit is a pseudo-definition at procedure entry giving a name
	// to a value defined by the caller. Sequence number is always 0.
	Implicit struct {
		StmtBase

		LHS Exp
		T   typ.Type
	}

	// PhiArg is one φ operand: the value of Base as defined by Def,
	// flowing in over the edge from Pred.
	PhiArg struct {
		Pred BID
		Def  SID
		Base Exp
	}

	// Phi merges definitions at a join point. Args are ordered by
	// predecessor.
	Phi struct {
		StmtBase

		LHS  Exp
		T    typ.Type
		Args []PhiArg
	}

	// BoolAssign materialises a condition into a location:
	// LHS := (Cond != 0).
	BoolAssign struct {
		StmtBase

		LHS  Exp
		T    typ.Type
		Cond Exp
	}

	// Arg is a call argument: the callee's location and the actual
	// value passed in it.
	Arg struct {
		Loc Exp
		Val Exp
		T   typ.Type
	}

	// Call transfers control to Dest. Callee is resolved lazily: nil
	// for an indirect call whose destination has not been propagated to
	// a literal yet. Defines lists the locations the call writes;
	// Reach collects the definitions reaching the call site, keyed by
	// location, so bypass can look through the call.
	Call struct {
		StmtBase

		Dest   Exp
		Callee *Proc

		Args    []Arg
		Defines []Arg

		Reach map[string]SID

		// UsedAfter collects which defined locations the caller
		// consumes after the call, snapshotted before leaving SSA so
		// redundant-return removal can still see them.
		UsedAfter map[string]bool

		// Childless marks a call whose callee is mid-analysis; its
		// effects are modelled conservatively until the recursion
		// group completes.
		Childless bool
	}

	// RetVal is one returned location and the value it carries out.
	RetVal struct {
		Loc Exp
		Val Exp
		T   typ.Type
	}

	// Ret is the procedure's return statement, at most one per proc.
	// Mods is the modifieds set, Rets the surviving return values.
	// Reach collects definitions reaching procedure exit.
	Ret struct {
		StmtBase

		Mods []Exp
		Rets []RetVal

		Reach map[string]SID
	}

	// Branch is a conditional two-way transfer ending a block. The
	// taken edge is the block's first successor.
	Branch struct {
		StmtBase

		Cond Exp
	}

	// Goto is an unconditional transfer, possibly computed.
	Goto struct {
		StmtBase

		Dest Exp // nil for a plain fallthrough jump
	}

	// Junction marks a join point carrying no computation.
	Junction struct {
		StmtBase
	}
)

// None marks "no defining statement": the value is defined by the
// caller (before any implicit assignment is placed).
const None SID = -1

func (s *StmtBase) base() *StmtBase { return s }

// Meta is the statement's shared header.
func Meta(s Stmt) *StmtBase { return s.base() }

// Def returns the location a statement defines, nil for non-assigns.
func Def(s Stmt) Exp {
	switch x := s.(type) {
	case *Assign:
		return x.LHS
	case *Implicit:
		return x.LHS
	case *Phi:
		return x.LHS
	case *BoolAssign:
		return x.LHS
	}

	return nil
}

// SetDef replaces the defined location. Panics on non-assigns.
func SetDef(s Stmt, e Exp) {
	switch x := s.(type) {
	case *Assign:
		x.LHS = e
	case *Implicit:
		x.LHS = e
	case *Phi:
		x.LHS = e
	case *BoolAssign:
		x.LHS = e
	default:
		panic(s)
	}
}

// Type returns the statement's assigned type, Void when it has none.
func Type(s Stmt) typ.Type {
	switch x := s.(type) {
	case *Assign:
		return orVoid(x.T)
	case *Implicit:
		return orVoid(x.T)
	case *Phi:
		return orVoid(x.T)
	case *BoolAssign:
		return typ.Boolean{}
	}

	return typ.Void{}
}

// SetType stores the statement's type where it carries one.
func SetType(s Stmt, t typ.Type) {
	switch x := s.(type) {
	case *Assign:
		x.T = t
	case *Implicit:
		x.T = t
	case *Phi:
		x.T = t
	case *BoolAssign:
		x.T = t
	}
}

func orVoid(t typ.Type) typ.Type {
	if t == nil {
		return typ.Void{}
	}

	return t
}

// TypeFor reports the type the statement gives to location e.
// Used by Ref ascend: the type of x{def} is what def says about x.
func TypeFor(s Stmt, e Exp) typ.Type {
	if d := Def(s); d != nil && Eq(Base(d), Base(e)) {
		return Type(s)
	}

	switch x := s.(type) {
	case *Call:
		for _, d := range x.Defines {
			if Eq(Base(d.Loc), Base(e)) {
				return orVoid(d.T)
			}
		}
	case *Ret:
		for _, r := range x.Rets {
			if Eq(Base(r.Loc), Base(e)) {
				return orVoid(r.T)
			}
		}
	}

	return typ.Void{}
}

// MapExps rewrites every expression the statement holds, uses and
// definitions alike.
func MapExps(s Stmt, f func(Exp) Exp) {
	m := func(e Exp) Exp {
		if e == nil {
			return nil
		}

		return Map(e, f)
	}

	switch x := s.(type) {
	case *Assign:
		x.LHS = m(x.LHS)
		x.RHS = m(x.RHS)
	case *Implicit:
		x.LHS = m(x.LHS)
	case *Phi:
		x.LHS = m(x.LHS)

		for i := range x.Args {
			x.Args[i].Base = m(x.Args[i].Base)
		}
	case *BoolAssign:
		x.LHS = m(x.LHS)
		x.Cond = m(x.Cond)
	case *Call:
		x.Dest = m(x.Dest)

		for i := range x.Args {
			x.Args[i].Val = m(x.Args[i].Val)
		}
	case *Ret:
		for i := range x.Rets {
			x.Rets[i].Val = m(x.Rets[i].Val)
		}
	case *Branch:
		x.Cond = m(x.Cond)
	case *Goto:
		x.Dest = m(x.Dest)
	case *Junction:
	default:
		panic(s)
	}
}

// MapUses rewrites only the use positions: right-hand sides, call
// arguments, conditions, and subexpressions of a defined memory
// location. The defined location itself is left alone.
func MapUses(s Stmt, f func(Exp) Exp) {
	m := func(e Exp) Exp {
		if e == nil {
			return nil
		}

		return Map(e, f)
	}

	lhs := func(e Exp) Exp {
		if mem, ok := e.(MemOf); ok {
			return MemOf{X: m(mem.X)}
		}

		return e
	}

	switch x := s.(type) {
	case *Assign:
		x.LHS = lhs(x.LHS)
		x.RHS = m(x.RHS)
	case *Implicit:
	case *Phi:
		x.LHS = lhs(x.LHS)
	case *BoolAssign:
		x.LHS = lhs(x.LHS)
		x.Cond = m(x.Cond)
	case *Call:
		x.Dest = m(x.Dest)

		for i := range x.Args {
			x.Args[i].Val = m(x.Args[i].Val)
		}
	case *Ret:
		for i := range x.Rets {
			x.Rets[i].Val = m(x.Rets[i].Val)
		}
	case *Branch:
		x.Cond = m(x.Cond)
	case *Goto:
		x.Dest = m(x.Dest)
	case *Junction:
	default:
		panic(s)
	}
}

// WalkUses visits every expression used (not defined) by the
// statement, top-down.
func WalkUses(s Stmt, f func(Exp) bool) {
	w := func(e Exp) {
		if e != nil {
			Walk(e, f)
		}
	}

	switch x := s.(type) {
	case *Assign:
		if mem, ok := x.LHS.(MemOf); ok {
			w(mem.X)
		}

		w(x.RHS)
	case *Implicit:
	case *Phi:
		if mem, ok := x.LHS.(MemOf); ok {
			w(mem.X)
		}
	case *BoolAssign:
		w(x.Cond)
	case *Call:
		w(x.Dest)

		for _, a := range x.Args {
			w(a.Val)
		}
	case *Ret:
		for _, r := range x.Rets {
			w(r.Val)
		}
	case *Branch:
		w(x.Cond)
	case *Goto:
		w(x.Dest)
	case *Junction:
	default:
		panic(s)
	}
}

// Refs collects the subscripted uses of the statement in visit order.
func Refs(s Stmt) []Ref {
	var r []Ref

	WalkUses(s, func(e Exp) bool {
		if x, ok := e.(Ref); ok {
			r = append(r, x)
		}

		return true
	})

	if x, ok := s.(*Phi); ok {
		for _, a := range x.Args {
			r = append(r, Ref{X: a.Base, Def: a.Def})
		}
	}

	return r
}

func (s *Assign) String() string {
	return fmt.Sprintf("%4d %v := %v", s.Num, s.LHS, s.RHS)
}

func (s *Implicit) String() string {
	return fmt.Sprintf("%4d %v := -", s.Num, s.LHS)
}

func (s *Phi) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%4d %v := φ(", s.Num, s.LHS)

	for i, a := range s.Args {
		if i != 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%v", Ref{X: a.Base, Def: a.Def})
	}

	b.WriteString(")")

	return b.String()
}

func (s *BoolAssign) String() string {
	return fmt.Sprintf("%4d %v := bool(%v)", s.Num, s.LHS, s.Cond)
}

func (s *Call) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%4d call ", s.Num)

	if s.Callee != nil {
		b.WriteString(s.Callee.Name)
	} else {
		fmt.Fprintf(&b, "[%v]", s.Dest)
	}

	b.WriteString("(")

	for i, a := range s.Args {
		if i != 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%v=%v", a.Loc, a.Val)
	}

	b.WriteString(")")

	return b.String()
}

func (s *Ret) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%4d ret", s.Num)

	for i, r := range s.Rets {
		if i != 0 {
			b.WriteString(",")
		}

		fmt.Fprintf(&b, " %v=%v", r.Loc, r.Val)
	}

	return b.String()
}

func (s *Branch) String() string {
	return fmt.Sprintf("%4d br %v", s.Num, s.Cond)
}

func (s *Goto) String() string {
	if s.Dest == nil {
		return fmt.Sprintf("%4d goto", s.Num)
	}

	return fmt.Sprintf("%4d goto [%v]", s.Num, s.Dest)
}

func (s *Junction) String() string {
	return fmt.Sprintf("%4d join", s.Num)
}
