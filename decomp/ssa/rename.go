package ssa

import (
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
)

type (
	// Transform runs the SSA construction passes over one CFG.
	// RenameMem is off until all propagations are done, so memory-of
	// expressions do not get prematurely renamed.
	Transform struct {
		G   *ir.CFG
		Dom *Dom

		RenameMem bool

		stacks map[string][]ir.SID
	}
)

func NewTransform(g *ir.CFG) *Transform {
	return &Transform{
		G:   g,
		Dom: Dominators(g),
	}
}

// PlacePhis inserts φ-functions by the dominance-frontier algorithm
// for every location defined in the CFG. Already placed φ's
// are kept; the pass is idempotent. Statements are renumbered after.
func (t *Transform) PlacePhis() (placed int) {
	g := t.G

	defsites := map[string][]ir.BID{}
	bases := map[string]ir.Exp{}
	hasPhi := map[string]map[ir.BID]bool{}

	note := func(e ir.Exp, b ir.BID) {
		k := ir.Key(e)

		if _, ok := bases[k]; !ok {
			bases[k] = ir.Base(e)
		}

		defsites[k] = append(defsites[k], b)
	}

	g.Range(func(id ir.SID, s ir.Stmt) bool {
		b := ir.Meta(s).Block

		if p, ok := s.(*ir.Phi); ok {
			k := ir.Key(p.LHS)

			if hasPhi[k] == nil {
				hasPhi[k] = map[ir.BID]bool{}
			}

			hasPhi[k][b] = true
		}

		if d := ir.Def(s); d != nil && ir.IsLocation(ir.Base(d), t.RenameMem) {
			note(d, b)
		}

		if c, ok := s.(*ir.Call); ok {
			for _, d := range c.Defines {
				if ir.IsLocation(ir.Base(d.Loc), t.RenameMem) {
					note(d.Loc, b)
				}
			}
		}

		return true
	})

	for k, sites := range defsites {
		if hasPhi[k] == nil {
			hasPhi[k] = map[ir.BID]bool{}
		}

		work := append([]ir.BID{}, sites...)

		for len(work) != 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]

			if !t.Dom.Reachable(b) {
				continue
			}

			for _, f := range t.Dom.Frontier(b) {
				if hasPhi[k][f] {
					continue
				}

				hasPhi[k][f] = true

				args := make([]ir.PhiArg, len(g.Blocks[f].Pred))
				for i, p := range g.Blocks[f].Pred {
					args[i] = ir.PhiArg{Pred: p, Def: ir.None, Base: bases[k]}
				}

				g.Insert(f, 0, &ir.Phi{LHS: bases[k], Args: args})
				placed++

				work = append(work, f)
			}
		}
	}

	g.Renumber()

	tlog.V("ssa").Printw("phis placed", "proc", g.Proc.Name, "placed", placed)

	return placed
}

// Rename walks the dominator tree wrapping every location use in a Ref
// to its reaching definition. With clearStacks all existing subscripts
// are stripped first, forcing a fresh pass.
func (t *Transform) Rename(clearStacks bool) {
	g := t.G

	if clearStacks {
		g.Range(func(id ir.SID, s ir.Stmt) bool {
			ir.MapExps(s, func(e ir.Exp) ir.Exp {
				if r, ok := e.(ir.Ref); ok {
					return r.X
				}

				return e
			})

			if p, ok := s.(*ir.Phi); ok {
				for i := range p.Args {
					p.Args[i].Def = ir.None
				}
			}

			return true
		})
	}

	t.stacks = map[string][]ir.SID{}

	t.visit(g.Entry)
}

func (t *Transform) visit(b ir.BID) {
	g := t.G

	var pushed []string

	push := func(e ir.Exp, id ir.SID) {
		k := ir.Key(e)

		t.stacks[k] = append(t.stacks[k], id)
		pushed = append(pushed, k)
	}

	// Implicit creation inserts at the head of the entry block;
	// snapshot the statement list so iteration stays stable.
	stmts := append([]ir.SID{}, g.Blocks[b].Stmts...)

	for _, id := range stmts {
		s := g.Stmt(id)

		if _, ok := s.(*ir.Phi); !ok {
			t.renameUses(s)
		}

		switch x := s.(type) {
		case *ir.Call:
			x.Reach = t.reach()

			for _, d := range x.Defines {
				if ir.IsLocation(ir.Base(d.Loc), t.RenameMem) {
					push(d.Loc, id)
				}
			}
		case *ir.Ret:
			x.Reach = t.reach()
		}

		if d := ir.Def(s); d != nil && ir.IsLocation(ir.Base(d), t.RenameMem) {
			push(d, id)
		}
	}

	for _, sc := range g.Blocks[b].Succ {
		pi := predIndex(g.Blocks[sc], b)

		for _, id := range g.Blocks[sc].Stmts {
			p, ok := g.Stmt(id).(*ir.Phi)
			if !ok {
				continue
			}

			p.Args[pi].Def = t.top(p.Args[pi].Base)
		}
	}

	for _, c := range t.Dom.Children(b) {
		t.visit(c)
	}

	for _, k := range pushed {
		t.stacks[k] = t.stacks[k][:len(t.stacks[k])-1]
	}
}

// renameUses wraps location uses in Refs, top-down so existing
// subscripts are left alone.
func (t *Transform) renameUses(s ir.Stmt) {
	var ren func(e ir.Exp) ir.Exp
	ren = func(e ir.Exp) ir.Exp {
		if e == nil {
			return nil
		}
		if _, ok := e.(ir.Ref); ok {
			return e
		}

		switch x := e.(type) {
		case ir.MemOf:
			e = ir.MemOf{X: ren(x.X)}
		case ir.AddrOf:
			e = ir.AddrOf{X: ren(x.X)}
		case ir.Unary:
			e = ir.Unary{Op: x.Op, X: ren(x.X)}
		case ir.Binary:
			e = ir.Binary{Op: x.Op, L: ren(x.L), R: ren(x.R)}
		case ir.Ternary:
			e = ir.Ternary{Op: x.Op, A: ren(x.A), B: ren(x.B), C: ren(x.C)}
		case ir.Typed:
			e = ir.Typed{T: x.T, X: ren(x.X)}
		}

		if ir.IsLocation(e, t.RenameMem) {
			return ir.Ref{X: e, Def: t.top(e)}
		}

		return e
	}

	switch x := s.(type) {
	case *ir.Assign:
		if mem, ok := x.LHS.(ir.MemOf); ok {
			x.LHS = ir.MemOf{X: ren(mem.X)}
		}

		x.RHS = ren(x.RHS)
	case *ir.Implicit:
	case *ir.BoolAssign:
		if mem, ok := x.LHS.(ir.MemOf); ok {
			x.LHS = ir.MemOf{X: ren(mem.X)}
		}

		x.Cond = ren(x.Cond)
	case *ir.Call:
		x.Dest = ren(x.Dest)

		for i := range x.Args {
			x.Args[i].Val = ren(x.Args[i].Val)
		}
	case *ir.Ret:
		for i := range x.Rets {
			x.Rets[i].Val = ren(x.Rets[i].Val)
		}
	case *ir.Branch:
		x.Cond = ren(x.Cond)
	case *ir.Goto:
		x.Dest = ren(x.Dest)
	case *ir.Junction:
	default:
		panic(s)
	}
}

// top is the reaching definition for e, an implicit definition when
// nothing on the stack defines it.
func (t *Transform) top(e ir.Exp) ir.SID {
	k := ir.Key(e)

	if st := t.stacks[k]; len(st) != 0 {
		return st[len(st)-1]
	}

	return t.G.Implicit(ir.Base(e))
}

// reach snapshots the current reaching definition of every location.
func (t *Transform) reach() map[string]ir.SID {
	r := map[string]ir.SID{}

	for k, st := range t.stacks {
		if len(st) != 0 {
			r[k] = st[len(st)-1]
		}
	}

	return r
}

func predIndex(b *ir.Block, p ir.BID) int {
	for i, x := range b.Pred {
		if x == p {
			return i
		}
	}

	panic("predecessor not linked")
}
