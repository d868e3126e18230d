package decomp

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/set"
)

// propagateStatements substitutes definitions into their uses. Four
// sub-passes: destination counts, uses live at a dominating φ,
// unconditional flag propagation, then the guarded general pass.
// converted reports that an indirect call destination resolved to a
// literal and the call went direct.
func (pr *Program) propagateStatements(ctx context.Context, p *ir.Proc, pass int) (changed, converted bool, err error) {
	counts, phiUsed := pr.countDestinations(p)

	changed = pr.propagateFlags(p) || changed

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if _, ok := s.(*ir.Phi); ok {
			return true
		}

		ir.MapUses(s, func(e ir.Exp) ir.Exp {
			if c, ok := pr.inlineReadOnly(e); ok {
				changed = true
				return c
			}

			r, ok := e.(ir.Ref)
			if !ok || r.Def == ir.None {
				return e
			}

			sub, ok := pr.substitute(p, r, counts, phiUsed)
			if !ok {
				return e
			}

			changed = true

			return sub
		})

		return true
	})

	converted = pr.convertIndirects(p)

	tlog.V("propagate").Printw("propagated", "proc", p.Name, "pass", pass,
		"changed", changed, "converted", converted)

	return changed, converted, nil
}

// countDestinations counts how many times each definition is used,
// and collects the definitions live at a φ.
func (pr *Program) countDestinations(p *ir.Proc) (counts map[ir.SID]int, phiUsed set.Bits[ir.SID]) {
	counts = map[ir.SID]int{}
	phiUsed = set.MakeBits[ir.SID]()

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		for _, r := range ir.Refs(s) {
			if r.Def == ir.None {
				continue
			}

			counts[r.Def]++

			if _, ok := s.(*ir.Phi); ok {
				phiUsed.Set(r.Def)
			}
		}

		return true
	})

	if r := p.Ret(); r != nil {
		for k, def := range r.Reach {
			// A preserved location's final assignment is dead weight:
			// the restore chain goes with it.
			if _, ok := p.ProvenTrue[k]; ok {
				continue
			}

			counts[def]++
		}
	}

	return counts, phiUsed
}

// propagateFlags substitutes flag-setting assignments into their uses
// unconditionally. Condition codes must reach their consumers even
// when it costs an extra local.
func (pr *Program) propagateFlags(p *ir.Proc) (changed bool) {
	flags := map[ir.SID]ir.Exp{}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		a, ok := s.(*ir.Assign)
		if !ok {
			return true
		}

		if t, isT := ir.Base(a.LHS).(ir.Terminal); isT && t != ir.PC && a.RHS != nil {
			flags[id] = a.RHS
		}

		return true
	})

	if len(flags) == 0 {
		return false
	}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if _, ok := s.(*ir.Phi); ok {
			return true
		}

		ir.MapUses(s, func(e ir.Exp) ir.Exp {
			r, ok := e.(ir.Ref)
			if !ok {
				return e
			}

			rhs, ok := flags[r.Def]
			if !ok {
				return e
			}
			if _, isT := ir.Base(r.X).(ir.Terminal); !isT {
				return e
			}

			changed = true

			return ir.Simplify(rhs)
		})

		return true
	})

	return changed
}

// substitute decides whether the use r may be replaced by its
// definition's right-hand side, and produces the replacement.
func (pr *Program) substitute(p *ir.Proc, r ir.Ref, counts map[ir.SID]int, phiUsed set.Bits[ir.SID]) (ir.Exp, bool) {
	switch def := p.CFG.Stmt(r.Def).(type) {
	case *ir.Assign:
		if def.RHS == nil {
			return nil, false
		}
		if _, mem := def.LHS.(ir.MemOf); mem {
			return nil, false
		}

		// Complex expressions only move when they do not multiply:
		// duplicating them would cost extra locals later.
		if !primitive(def.RHS) && counts[r.Def] > 1 {
			return nil, false
		}

		// A definition a dominating φ holds on to keeps its identity.
		if phiUsed.IsSet(r.Def) && !primitive(def.RHS) {
			return nil, false
		}

		return ir.Simplify(def.RHS), true

	case *ir.Call:
		// Bypass: look through the call when the callee provably
		// leaves the location alone.
		if def.Callee == nil || def.Childless {
			return nil, false
		}
		if !def.Callee.Preserved(r.X) {
			return nil, false
		}

		prev, ok := def.Reach[ir.Key(r.X)]
		if !ok {
			return nil, false
		}

		return ir.Ref{X: r.X, Def: prev}, true
	}

	return nil, false
}

// inlineReadOnly folds a load from read-only image memory into the
// constant the loader sees there.
func (pr *Program) inlineReadOnly(e ir.Exp) (ir.Exp, bool) {
	if pr.Image == nil {
		return nil, false
	}

	m, ok := e.(ir.MemOf)
	if !ok {
		return nil, false
	}

	c, ok := ir.Base(m.X).(ir.Const)
	if !ok || c.Kind != ir.CAddr {
		return nil, false
	}

	if !pr.Image.ReadOnly(c.Addr) {
		return nil, false
	}

	w, ok := pr.Image.Word(c.Addr, 4)
	if !ok {
		return nil, false
	}

	return ir.Num(int64(int32(w))), true
}

// primitive expressions propagate freely: no evaluation is duplicated.
func primitive(e ir.Exp) bool {
	switch x := e.(type) {
	case ir.Const, ir.Terminal, ir.Reg, ir.Loc:
		return true
	case ir.Ref:
		return primitive(x.X)
	}

	return false
}

// convertIndirects rewrites indirect calls whose destination
// propagated to a literal into direct calls.
func (pr *Program) convertIndirects(p *ir.Proc) (converted bool) {
	for _, c := range p.CFG.Calls() {
		if c.Callee != nil {
			continue
		}

		d := ir.Base(ir.Simplify(c.Dest))

		cn, ok := d.(ir.Const)
		if !ok || cn.Kind != ir.CAddr {
			continue
		}

		callee := pr.ProcByAddr(cn.Addr)
		if callee == nil {
			continue
		}

		c.Callee = callee
		c.Childless = callee.Status != ir.Final
		converted = true

		tlog.Printw("indirect call resolved",
			"proc", p.Name, "stmt", c.Num, "callee", callee.Name)
	}

	return converted
}
