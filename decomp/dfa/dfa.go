// Package dfa is the data-flow type analyzer: ascend passes compute
// types bottom-up from subexpressions, descend passes push context
// back down, iterated over all statements until the meet lattice
// reaches a fixed point.
package dfa

import (
	"context"
	"fmt"

	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

type (
	// Globals is what the analyzer needs from the surrounding program:
	// naming of global addresses as typed data is discovered.
	Globals interface {
		// GlobalUsed registers that the global at addr is used at type
		// t and returns its symbolic location.
		GlobalUsed(addr uint64, t typ.Type) ir.Exp
	}

	// Analyzer runs the fixed point over one procedure in SSA form.
	Analyzer struct {
		P    *ir.Proc
		Prog Globals

		changed bool
	}
)

// maxRounds caps the fixed point so pathological inputs terminate.
const maxRounds = 20

func New(p *ir.Proc, prog Globals) *Analyzer {
	return &Analyzer{P: p, Prog: prog}
}

// Run iterates ascend/descend over every statement until no type
// changes, or the round cap is hit. Hitting the cap is logged and the
// best result so far kept.
func (a *Analyzer) Run(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "type analysis", "proc", a.P.Name)
	defer tr.Finish("err", &err)

	for round := 0; round < maxRounds; round++ {
		a.changed = false

		a.P.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
			a.visit(s)
			return true
		})

		if !a.changed {
			tr.V("dfa").Printw("fixed point", "rounds", round+1)
			return nil
		}
	}

	tr.Printw("fixed point not reached", "proc", a.P.Name, "rounds", maxRounds)

	return nil
}

func (a *Analyzer) visit(s ir.Stmt) {
	switch x := s.(type) {
	case *ir.Assign:
		t := a.meetStmt(s, a.ascend(x.RHS))

		a.descend(t, x.RHS)

		if _, ok := x.LHS.(ir.MemOf); ok {
			a.descend(t, x.LHS)
		}

	case *ir.Implicit:

	case *ir.Phi:
		t := ir.Type(s)

		for _, arg := range x.Args {
			t, _ = typ.Meet(t, a.defType(arg.Def, arg.Base))
		}

		a.meetStmt(s, t)

		for _, arg := range x.Args {
			a.meetDef(arg.Def, arg.Base, t)
		}

	case *ir.BoolAssign:
		a.meetStmt(s, typ.Boolean{})
		a.descend(typ.Boolean{}, x.Cond)

	case *ir.Call:
		sig := ir.Signature{}
		if x.Callee != nil {
			sig = x.Callee.Sig
		}

		for i := range x.Args {
			t := a.ascend(x.Args[i].Val)

			for _, p := range sig.Params {
				if ir.Eq(ir.Base(p.Loc), ir.Base(x.Args[i].Loc)) {
					t, _ = typ.Meet(t, orVoid(p.T))
				}
			}

			if r, ch := typ.Meet(orVoid(x.Args[i].T), t); ch {
				x.Args[i].T = r
				a.changed = true
			}

			a.descend(x.Args[i].T, x.Args[i].Val)
		}

		for i := range x.Defines {
			for _, r := range sig.Rets {
				if !ir.Eq(ir.Base(r.Loc), ir.Base(x.Defines[i].Loc)) {
					continue
				}

				if t, ch := typ.Meet(orVoid(x.Defines[i].T), orVoid(r.T)); ch {
					x.Defines[i].T = t
					a.changed = true
				}
			}
		}

	case *ir.Ret:
		for i := range x.Rets {
			t := a.ascend(x.Rets[i].Val)

			if r, ch := typ.Meet(orVoid(x.Rets[i].T), t); ch {
				x.Rets[i].T = r
				a.changed = true
			}

			a.descend(x.Rets[i].T, x.Rets[i].Val)
		}

	case *ir.Branch:
		a.descend(typ.Boolean{}, x.Cond)

	case *ir.Goto, *ir.Junction:

	default:
		panic(s)
	}
}

// meetStmt meets t into the statement's own type, reporting the result.
func (a *Analyzer) meetStmt(s ir.Stmt, t typ.Type) typ.Type {
	r, ch := typ.Meet(ir.Type(s), t)
	if ch {
		ir.SetType(s, r)
		a.changed = true
	}

	return r
}

// defType is the type the defining statement gives to base.
func (a *Analyzer) defType(def ir.SID, base ir.Exp) typ.Type {
	if def == ir.None {
		return typ.Void{}
	}

	return ir.TypeFor(a.P.CFG.Stmt(def), base)
}

// meetDef pushes t into the definition of base at def.
func (a *Analyzer) meetDef(def ir.SID, base ir.Exp, t typ.Type) {
	if def == ir.None {
		return
	}

	s := a.P.CFG.Stmt(def)

	if d := ir.Def(s); d != nil && ir.Eq(ir.Base(d), ir.Base(base)) {
		a.meetStmt(s, t)
		return
	}

	if c, ok := s.(*ir.Call); ok {
		for i := range c.Defines {
			if !ir.Eq(ir.Base(c.Defines[i].Loc), ir.Base(base)) {
				continue
			}

			if r, ch := typ.Meet(orVoid(c.Defines[i].T), t); ch {
				c.Defines[i].T = r
				a.changed = true
			}
		}
	}
}

// ascend computes a bottom-up type for an expression.
func (a *Analyzer) ascend(e ir.Exp) typ.Type {
	switch x := e.(type) {
	case ir.Const:
		return x.DefaultType()

	case ir.Terminal:
		switch x {
		case ir.ZF, ir.CF, ir.NF, ir.OF:
			return typ.Boolean{}
		}

		return typ.Void{}

	case ir.Reg:
		return typ.Void{}

	case ir.Loc:
		if t, ok := a.P.Locals[x.Name]; ok {
			return t
		}

		return typ.Void{}

	case ir.Ref:
		return a.defType(x.Def, x.X)

	case ir.MemOf:
		if p, ok := a.ascend(x.X).(typ.Ptr); ok {
			return p.To
		}

		return typ.Void{}

	case ir.AddrOf:
		return typ.Ptr{To: a.ascend(x.X)}

	case ir.Unary:
		return a.ascend(x.X)

	case ir.Binary:
		return a.ascendBinary(x)

	case ir.Ternary:
		t, _ := typ.Meet(a.ascend(x.B), a.ascend(x.C))
		return t

	case ir.Typed:
		return x.T

	default:
		panic(e)
	}
}

func (a *Analyzer) ascendBinary(e ir.Binary) typ.Type {
	tl, tr := a.ascend(e.L), a.ascend(e.R)

	if e.Op.IsCompare() {
		return typ.Boolean{}
	}

	switch e.Op {
	case ir.OpAdd:
		if _, ok := tl.(typ.Ptr); ok {
			return tl
		}
		if _, ok := tr.(typ.Ptr); ok {
			return tr
		}

		t, _ := typ.Meet(tl, tr)

		return asInt(t, 0)

	case ir.OpSub:
		_, pl := tl.(typ.Ptr)
		_, pr := tr.(typ.Ptr)

		switch {
		case pl && pr:
			return typ.Int{Size: 32, Sign: 1}
		case pl:
			return tl
		}

		t, _ := typ.Meet(tl, tr)

		return asInt(t, 0)

	case ir.OpMul, ir.OpDiv, ir.OpMod, ir.OpSar:
		return asInt(tl, 1)

	case ir.OpMulU, ir.OpDivU, ir.OpModU, ir.OpShr:
		return asInt(tl, -1)

	case ir.OpShl, ir.OpAnd, ir.OpOr, ir.OpXor:
		return asInt(tl, 0)
	}

	t, _ := typ.Meet(tl, tr)

	return t
}

// asInt shapes t into an integer carrying the operator's signedness
// evidence.
func asInt(t typ.Type, sign int) typ.Type {
	switch x := t.(type) {
	case typ.Int:
		return typ.Int{Size: x.Size, Sign: x.Sign + sign}
	case typ.Size:
		return typ.Int{Size: x.Bits_, Sign: sign}
	case typ.Void:
		return typ.Int{Sign: sign}
	}

	return t
}

// descend propagates the parent context t down into e, meeting each
// definition the expression refers to.
func (a *Analyzer) descend(t typ.Type, e ir.Exp) {
	switch x := e.(type) {
	case ir.Const, ir.Terminal, ir.Reg, ir.Loc:

	case ir.Ref:
		a.meetDef(x.Def, x.X, t)

	case ir.MemOf:
		a.descendMem(t, x)

	case ir.AddrOf:
		if p, ok := t.(typ.Ptr); ok {
			a.descend(p.To, x.X)
		}

	case ir.Unary:
		a.descend(t, x.X)

	case ir.Binary:
		a.descendBinary(t, x)

	case ir.Ternary:
		a.descend(typ.Boolean{}, x.A)
		a.descend(t, x.B)
		a.descend(t, x.C)

	case ir.Typed:
		r, _ := typ.Meet(t, x.T)
		a.descend(r, x.X)

	default:
		panic(e)
	}
}

func (a *Analyzer) descendBinary(t typ.Type, e ir.Binary) {
	if e.Op.IsCompare() {
		// Operands of a comparison share a type.
		m, _ := typ.Meet(a.ascend(e.L), a.ascend(e.R))

		a.descend(m, e.L)
		a.descend(m, e.R)

		return
	}

	switch e.Op {
	case ir.OpAdd, ir.OpSub:
		if _, ok := t.(typ.Ptr); ok {
			// The result is a pointer: the non-constant operand must
			// be pointer compatible, the other stays integral.
			if isNum(e.R) {
				a.descend(t, e.L)
				a.descend(typ.Int{}, e.R)
			} else if isNum(e.L) {
				a.descend(t, e.R)
				a.descend(typ.Int{}, e.L)
			}

			return
		}

		a.descend(t, e.L)
		a.descend(t, e.R)

	case ir.OpMul, ir.OpMulU, ir.OpDiv, ir.OpDivU, ir.OpMod, ir.OpModU:
		if it, ok := t.(typ.Int); ok {
			a.descend(it, e.L)
			a.descend(it, e.R)
		}

	case ir.OpShl, ir.OpShr, ir.OpSar:
		a.descend(t, e.L)
	}
}

// descendMem handles the memory patterns: a scaled index off a
// constant base is a global array access, a constant offset off a
// pointer is a compound member, a plain constant is a global scalar.
func (a *Analyzer) descendMem(t typ.Type, e ir.MemOf) {
	x := stripRef(e.X)

	if idx, base, ok := scaledIndex(x, t); ok && a.Prog != nil {
		a.Prog.GlobalUsed(base, typ.Array{Base: t, Len: -1})
		a.descend(typ.Int{Size: 32, Sign: 1}, idx)

		return
	}

	if p, off, ok := pointerOffset(x); ok {
		if pt, isPtr := a.ascend(p).(typ.Ptr); isPtr {
			a.updateCompound(p, pt, off, t)

			return
		}
	}

	if c, ok := x.(ir.Const); ok && a.Prog != nil {
		a.Prog.GlobalUsed(constAddr(c), t)

		return
	}

	a.descend(typ.Ptr{To: t}, e.X)
}

// updateCompound records that the type pointed to by p has a member of
// type t at byte offset off, creating a generic compound as needed.
func (a *Analyzer) updateCompound(p ir.Exp, pt typ.Ptr, off int64, t typ.Type) {
	c, ok := pt.To.(typ.Compound)
	if !ok {
		c = typ.Compound{Generic: true}
	}

	bitOff := int(off) * 8

	if f, ok := c.FieldAt(bitOff); ok {
		r, ch := typ.Meet(f.Type, t)
		if !ch {
			return
		}

		for i := range c.Fields {
			if c.Fields[i].Off == f.Off {
				fields := make([]typ.Field, len(c.Fields))
				copy(fields, c.Fields)
				fields[i].Type = r
				c.Fields = fields

				break
			}
		}
	} else {
		fields := make([]typ.Field, len(c.Fields), len(c.Fields)+1)
		copy(fields, c.Fields)

		at := len(fields)
		for i, f := range fields {
			if f.Off > bitOff {
				at = i
				break
			}
		}

		fields = append(fields, typ.Field{})
		copy(fields[at+1:], fields[at:])
		fields[at] = typ.Field{
			Name: memberName(len(c.Fields)),
			Off:  bitOff,
			Type: t,
		}

		c.Fields = fields
	}

	a.descend(typ.Ptr{To: c}, p)
	a.changed = true
}

func memberName(n int) string {
	return fmt.Sprintf("m%d", n)
}

func orVoid(t typ.Type) typ.Type {
	if t == nil {
		return typ.Void{}
	}

	return t
}

func stripRef(e ir.Exp) ir.Exp {
	if r, ok := e.(ir.Ref); ok {
		return r.X
	}

	return e
}

func isNum(e ir.Exp) bool {
	c, ok := stripRef(e).(ir.Const)

	return ok && (c.Kind == ir.CInt || c.Kind == ir.CAddr)
}

func constAddr(c ir.Const) uint64 {
	if c.Kind == ir.CAddr {
		return c.Addr
	}

	return uint64(c.Int)
}

// scaledIndex matches idx*stride + base where base is a constant
// address and stride bytes match the element type width.
func scaledIndex(e ir.Exp, elem typ.Type) (idx ir.Exp, base uint64, ok bool) {
	b, isBin := e.(ir.Binary)
	if !isBin || b.Op != ir.OpAdd {
		return nil, 0, false
	}

	// constant base on the right by convention; flip otherwise
	addend, other := b.R, b.L

	c, isC := stripRef(addend).(ir.Const)
	if !isC {
		addend, other = b.L, b.R

		if c, isC = stripRef(addend).(ir.Const); !isC {
			return nil, 0, false
		}
	}

	mul, isMul := stripRef(other).(ir.Binary)
	if !isMul || mul.Op != ir.OpMul && mul.Op != ir.OpMulU && mul.Op != ir.OpShl {
		return nil, 0, false
	}

	idx, kexp := mul.L, mul.R

	k, isK := stripRef(kexp).(ir.Const)
	if !isK {
		if mul.Op == ir.OpShl {
			return nil, 0, false
		}

		idx, kexp = mul.R, mul.L

		if k, isK = stripRef(kexp).(ir.Const); !isK {
			return nil, 0, false
		}
	}

	stride := k.Int
	if mul.Op == ir.OpShl {
		stride = 1 << uint(k.Int)
	}

	if elem.Bits() != 0 && int(stride)*8 != elem.Bits() {
		return nil, 0, false
	}

	return idx, constAddr(c), true
}

// pointerOffset matches p + k with k a small constant.
func pointerOffset(e ir.Exp) (p ir.Exp, off int64, ok bool) {
	b, isBin := e.(ir.Binary)
	if !isBin || b.Op != ir.OpAdd {
		return nil, 0, false
	}

	if c, isC := stripRef(b.R).(ir.Const); isC && c.Kind == ir.CInt {
		return b.L, c.Int, true
	}
	if c, isC := stripRef(b.L).(ir.Const); isC && c.Kind == ir.CInt {
		return b.R, c.Int, true
	}

	return nil, 0, false
}


// MapGlobals rewrites scaled accesses to registered global arrays into
// indexed references: m[idx*4 + K] becomes g[idx] once the data at K
// is known to be an array.
func MapGlobals(p *ir.Proc, prog Globals) {
	if prog == nil {
		return
	}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		t := ir.Type(s)

		ir.MapExps(s, func(e ir.Exp) ir.Exp {
			m, ok := e.(ir.MemOf)
			if !ok {
				return e
			}

			idx, base, ok := scaledIndex(stripRef(m.X), t)
			if !ok {
				return e
			}

			g, ok := prog.GlobalUsed(base, typ.Array{Base: t, Len: -1}).(ir.Loc)
			if !ok {
				return e
			}

			return ir.Binary{Op: ir.OpIndex, L: g, R: idx}
		})

		return true
	})
}
