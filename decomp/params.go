package decomp

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
)

// findFinalParameters collects the procedure's parameters: used implicit
// assignments at entry whose location is a register other than the
// stack pointer, or a memory slot at a constant offset from the stack
// pointer on either side of it. Each goes into the ordered
// parameter list through the signature comparator.
func (pr *Program) findFinalParameters(p *ir.Proc) {
	used := map[ir.SID]bool{}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		for _, r := range ir.Refs(s) {
			if r.Def != ir.None {
				used[r.Def] = true
			}
		}

		return true
	})

	for _, id := range p.CFG.Implicits() {
		if !used[id] {
			continue
		}

		d := ir.Base(ir.Def(p.CFG.Stmt(id)))

		if !parameterShape(d, pr.SP()) {
			continue
		}

		p.InsertParameter(id)
	}

	// Name in signature order, not discovery order.
	for _, id := range p.Params {
		d := ir.Base(ir.Def(p.CFG.Stmt(id)))

		if _, ok := p.SymbolFor(d, ir.Type(p.CFG.Stmt(id))); !ok {
			p.AddSymbol(d, p.NewParamName(), ir.Type(p.CFG.Stmt(id)))
		}
	}

	tlog.V("params").Printw("final parameters",
		"proc", p.Name, "n", len(p.Params))
}

// parameterShape: a register that is not the stack pointer, or a
// memory slot at a constant stack offset.
func parameterShape(e ir.Exp, sp ir.Exp) bool {
	switch x := e.(type) {
	case ir.Reg:
		return !ir.Eq(e, sp)
	case ir.MemOf:
		_, _, ok := spOffset(x.X, sp)
		return ok
	}

	return false
}

// removeRedundantParameters drops parameters with no gainful use: a
// use only as an argument in a recursive call back into this
// procedure, in a return consumed by another group member, or in a φ
// transmitting a recursive return, does not count. Callers are
// notified to drop the corresponding argument.
func (pr *Program) removeRedundantParameters(p *ir.Proc) (changed bool) {
	for _, id := range append([]ir.SID{}, p.Params...) {
		if pr.gainfulUse(p, id) {
			continue
		}

		d := ir.Base(ir.Def(p.CFG.Stmt(id)))

		p.RemoveParameter(id)
		pr.dropArgument(p, d)

		changed = true

		tlog.V("params").Printw("redundant parameter dropped",
			"proc", p.Name, "loc", ir.String(d))
	}

	return changed
}

// gainfulUse looks for any use of the parameter's entry value other
// than feeding the recursion back into itself.
func (pr *Program) gainfulUse(p *ir.Proc, param ir.SID) (gainful bool) {
	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		uses := false

		for _, r := range ir.Refs(s) {
			if r.Def == param {
				uses = true
				break
			}
		}

		if !uses {
			return true
		}

		switch x := s.(type) {
		case *ir.Call:
			// Recursive call back into this procedure or its group.
			if x.Callee == p || p.Cycle.Has(x.Callee) {
				return true
			}

		case *ir.Ret:
			// A return whose only recipients are group members.
			if pr.allCallersInGroup(p) {
				return true
			}

		case *ir.Phi:
			// A φ transmitting a recursive value.
			if pr.phiTransmitsRecursion(p, x) {
				return true
			}
		}

		gainful = true

		return false
	})

	return gainful
}

func (pr *Program) allCallersInGroup(p *ir.Proc) bool {
	if len(p.Callers) == 0 {
		return false
	}

	for _, c := range p.Callers {
		if c.Proc == nil || !p.Cycle.Has(c.Proc) && c.Proc != p {
			return false
		}
	}

	return true
}

func (pr *Program) phiTransmitsRecursion(p *ir.Proc, phi *ir.Phi) bool {
	for _, a := range phi.Args {
		if a.Def == ir.None {
			continue
		}

		if c, ok := p.CFG.Stmt(a.Def).(*ir.Call); ok {
			if c.Callee == p || p.Cycle.Has(c.Callee) {
				return true
			}
		}
	}

	return false
}

// dropArgument removes the argument for location d from every call to
// p.
func (pr *Program) dropArgument(p *ir.Proc, d ir.Exp) {
	for _, c := range p.Callers {
		for i, a := range c.Args {
			if !ir.Eq(ir.Base(a.Loc), d) {
				continue
			}

			c.Args = append(c.Args[:i], c.Args[i+1:]...)

			break
		}
	}
}

// collectCallUses snapshots, for every call, which of its defined
// locations the caller consumes in later statements. Uses in the
// caller's own return are skipped here; liveThroughReturn accounts for
// them. Runs while the proc is still
// in SSA; the snapshot feeds redundant-return removal afterwards.
func (pr *Program) collectCallUses(p *ir.Proc) {
	for _, c := range p.CFG.Calls() {
		if c.UsedAfter == nil {
			c.UsedAfter = map[string]bool{}
		}
	}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if _, ok := s.(*ir.Ret); ok {
			return true
		}

		for _, r := range ir.Refs(s) {
			if r.Def == ir.None {
				continue
			}

			if c, ok := p.CFG.Stmt(r.Def).(*ir.Call); ok {
				c.UsedAfter[ir.Key(r.X)] = true

				if c.Callee != nil {
					c.Callee.CallUses[ir.Key(r.X)] =
						append(c.Callee.CallUses[ir.Key(r.X)], ir.Base(r.X))
				}
			}
		}

		return true
	})
}

// RemoveRedundantReturns intersects each procedure's returns with the
// union of locations live at its callers, dropping the rest. It repeats
// until no return changes; each drop shrinks the callers' define lists.
// Parameters and call arguments are not re-examined here.
func (pr *Program) RemoveRedundantReturns(ctx context.Context) error {
	for round := 0; ; round++ {
		changed := false

		for _, p := range pr.Procs {
			if p.Status != ir.Final || p.Lib {
				continue
			}

			changed = pr.removeRedundantReturnsOne(p) || changed
		}

		if !changed {
			tlog.V("returns").Printw("returns stable", "rounds", round+1)

			return nil
		}
	}
}

func (pr *Program) removeRedundantReturnsOne(p *ir.Proc) (changed bool) {
	r := p.Ret()
	if r == nil {
		return false
	}

	live := map[string]bool{}

	switch {
	case len(p.Callers) == 0 && len(p.Sig.Rets) != 0:
		// An entry procedure's interface is its signature.
		for _, rv := range p.Sig.Rets {
			live[ir.Key(rv.Loc)] = true
		}

	case len(p.Callers) == 0:
		return false

	default:
		for _, c := range p.Callers {
			for k := range c.UsedAfter {
				live[k] = true
			}

			pr.liveThroughReturn(c, live)
		}
	}

	for i := 0; i < len(r.Rets); {
		if live[ir.Key(r.Rets[i].Loc)] {
			i++
			continue
		}

		loc := r.Rets[i].Loc

		r.Rets = append(r.Rets[:i], r.Rets[i+1:]...)
		r.Mods = append(r.Mods[:i], r.Mods[i+1:]...)

		changed = true

		tlog.V("returns").Printw("redundant return dropped",
			"proc", p.Name, "loc", ir.String(loc))
	}

	if changed {
		// Callers' define lists shrink with us.
		pr.updateCallDefinesEverywhere(p)
	}

	return changed
}

// liveThroughReturn marks locations the caller passes straight from
// the call to its own surviving returns.
func (pr *Program) liveThroughReturn(c *ir.Call, live map[string]bool) {
	caller := c.Proc
	if caller == nil {
		return
	}

	cr := caller.Ret()
	if cr == nil {
		return
	}

	sid := caller.CFG.SIDOf(c)

	for _, rv := range cr.Rets {
		k := ir.Key(rv.Loc)

		if def, ok := cr.Reach[k]; ok && def == sid {
			live[k] = true
		}
	}
}

func (pr *Program) updateCallDefinesEverywhere(p *ir.Proc) {
	kept := map[string]bool{}

	if r := p.Ret(); r != nil {
		for _, rv := range r.Rets {
			kept[ir.Key(rv.Loc)] = true
		}
	}

	for _, c := range p.Callers {
		for i := 0; i < len(c.Defines); {
			if kept[ir.Key(c.Defines[i].Loc)] {
				i++
				continue
			}

			c.Defines = append(c.Defines[:i], c.Defines[i+1:]...)
		}
	}
}

// removeUnusedStatements strips assignments whose destination nothing
// reads, repeating until stable: removing one can orphan another.
func (pr *Program) removeUnusedStatements(p *ir.Proc) {
	for {
		counts, _ := pr.countDestinations(p)

		removed := 0

		var drop []ir.SID

		p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
			switch s.(type) {
			case *ir.Assign, *ir.BoolAssign, *ir.Phi:
			default:
				return true
			}

			d := ir.Def(s)
			if d == nil {
				return true
			}

			// Memory writes are observable.
			if _, mem := d.(ir.MemOf); mem {
				return true
			}

			if counts[id] > 0 {
				return true
			}

			drop = append(drop, id)

			return true
		})

		for _, id := range drop {
			p.CFG.Remove(id)
			removed++
		}

		if removed == 0 {
			return
		}

		tlog.V("unused").Printw("unused removed", "proc", p.Name, "n", removed)
	}
}
