package decomp

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/dfa"
	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/ssa"
	"github.com/relift/relift/decomp/typ"
)

// middle loop bounds: outer passes are numbered 3 to 12.
const (
	firstPass = 3
	lastPass  = 12
)

// initialise sorts the CFG by address and numbers the statements.
func (pr *Program) initialise(ctx context.Context, p *ir.Proc) error {
	if p.Status == ir.Undecoded {
		p.Status = ir.Visited
	}

	p.CFG.SortByAddr()
	p.CFG.Renumber()

	tlog.V("listing").Printf("before decompile\n%s", p.Listing())

	return nil
}

// earlyDecompile places the implicit definitions and the initial φ's,
// and renames everything except locals and params.
func (pr *Program) earlyDecompile(ctx context.Context, p *ir.Proc) error {
	t := ssa.NewTransform(p.CFG)

	t.PlacePhis()
	t.Rename(true)

	tlog.V("listing").Printf("after early\n%s", p.Listing())

	return nil
}

// middleDecompile iterates φ-placement, renaming, return updates,
// preservation proving and propagation to a fixed point, at most ten
// passes, counted afresh once after an indirect call is converted.
// After the loop memory-of renaming is enabled, deferred until
// now so memory expressions did not get prematurely bound, and one
// more cycle plus call-and-φ fix-up runs.
func (pr *Program) middleDecompile(ctx context.Context, p *ir.Proc, path []*ir.Proc) (child *ir.ProcSet, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "middle", "proc", p.Name)
	defer tr.Finish("err", &err)

	child = ir.NewProcSet()
	converted := false

	for pass := firstPass; pass <= lastPass; pass++ {
		t := ssa.NewTransform(p.CFG)

		placed := t.PlacePhis()
		t.Rename(false)

		pr.updateReturn(p)
		pr.findPreserveds(ctx, p)
		pr.updateCallDefines(p)
		pr.updateArguments(p)

		change, conv, err := pr.propagateStatements(ctx, p, pass)
		if err != nil {
			return nil, err
		}

		if conv && !converted {
			// An indirect call went direct: visit the new callee,
			// then restart dataflow once.
			converted = true

			err = pr.visitConverted(ctx, p, path, child)
			if err != nil {
				return nil, err
			}

			t := ssa.NewTransform(p.CFG)
			t.PlacePhis()
			t.Rename(true)

			pass = firstPass - 1

			continue
		}

		if sw := pr.switchDiscovered(p); sw {
			return nil, ErrSwitchDiscovered
		}

		if !change && placed == 0 {
			tr.V("middle").Printw("fixed point", "pass", pass)
			break
		}
	}

	// Now memory-of expressions may be renamed.
	t := ssa.NewTransform(p.CFG)
	t.RenameMem = true

	t.PlacePhis()
	t.Rename(false)

	pr.updateReturn(p)
	pr.findPreserveds(ctx, p)

	_, _, err = pr.propagateStatements(ctx, p, lastPass+1)
	if err != nil {
		return nil, err
	}

	pr.fixCallAndPhiRefs(p)
	pr.mapLocalsAndParams(p)

	p.Status = ir.EarlyDone

	tlog.V("listing").Printf("after middle\n%s", p.Listing())

	return child, nil
}

// visitConverted recurses the driver into callees a conversion just
// revealed. Cycle contributions are merged into child so the driver
// can pick them up at the cycle's entry.
func (pr *Program) visitConverted(ctx context.Context, p *ir.Proc, path []*ir.Proc, child *ir.ProcSet) error {
	for _, c := range p.CFG.Calls() {
		if c.Callee == nil || c.Callee.Lib {
			continue
		}

		c.Callee.Callers = addCaller(c.Callee.Callers, c)

		if c.Callee.Status != ir.Undecoded {
			c.Childless = c.Callee.Status != ir.Final

			if c.Childless && c.Callee.Status <= ir.EarlyDone {
				pr.spliceCycle(child, c.Callee, path)
			}

			continue
		}

		sub, err := pr.decompile(ctx, c.Callee, path)
		if err != nil {
			return errors.Wrap(err, "converted callee %v", c.Callee.Name)
		}

		if sub.Len() != 0 {
			mergeGroup(child, sub)
		}

		c.Childless = c.Callee.Status != ir.Final
	}

	return nil
}

// remUnusedStmtEtc discovers the final parameters, runs the type
// analyzer and strips assignments nothing uses.
func (pr *Program) remUnusedStmtEtc(ctx context.Context, p *ir.Proc) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "remove unused", "proc", p.Name)
	defer tr.Finish("err", &err)

	pr.findFinalParameters(p)

	a := dfa.New(p, pr)

	err = a.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "type analysis")
	}

	dfa.MapGlobals(p, pr)

	pr.removeUnusedStatements(p)
	pr.removeRedundantParameters(p)
	pr.collectCallUses(p)

	return nil
}

// finalise leaves SSA form. The statement list is SSA free after.
func (pr *Program) finalise(ctx context.Context, p *ir.Proc) error {
	if p.Status == ir.Final {
		return nil
	}

	ssa.FromSSA(p)

	p.Status = ir.Final

	tlog.V("listing").Printf("final\n%s", p.Listing())

	return nil
}

// updateReturn refreshes the return statement's modifieds and return
// values from the definitions reaching procedure exit.
func (pr *Program) updateReturn(p *ir.Proc) {
	if p.RetSID == ir.None {
		id, r := p.CFG.Return()
		if r == nil {
			return
		}

		p.RetSID = id
	}

	r := p.Ret()

	r.Mods = r.Mods[:0]
	r.Rets = r.Rets[:0]

	for k, def := range r.Reach {
		s := p.CFG.Stmt(def)

		// A location the proc never writes is not modified.
		if _, ok := s.(*ir.Implicit); ok {
			continue
		}

		base := reachBase(p, def, k)
		if base == nil {
			continue
		}

		if p.Preserved(base) {
			continue
		}

		r.Mods = append(r.Mods, base)
		r.Rets = append(r.Rets, ir.RetVal{
			Loc: base,
			Val: ir.Ref{X: base, Def: def},
			T:   ir.TypeFor(s, base),
		})
	}

	sortRets(r)
}

// reachBase recovers the base location expression for a reach entry.
func reachBase(p *ir.Proc, def ir.SID, key string) ir.Exp {
	s := p.CFG.Stmt(def)

	if d := ir.Def(s); d != nil && ir.Key(d) == key {
		return ir.Base(d)
	}

	if c, ok := s.(*ir.Call); ok {
		for _, d := range c.Defines {
			if ir.Key(d.Loc) == key {
				return ir.Base(d.Loc)
			}
		}
	}

	return nil
}

// findPreserveds proves preservation equations at procedure exit:
// locations restored before return subtract from the modifieds.
func (pr *Program) findPreserveds(ctx context.Context, p *ir.Proc) {
	r := p.Ret()
	if r == nil {
		return
	}

	for _, m := range append([]ir.Exp{pr.SP()}, r.Mods...) {
		if p.Preserved(m) {
			continue
		}

		if pr.Prove(ctx, p, m, m) {
			tlog.V("prove").Printw("preserved", "proc", p.Name, "loc", ir.String(m))
		}
	}

	pr.updateReturn(p)
}

// switchDiscovered reports whether a computed jump now has a constant
// destination, meaning a jump table can be decoded.
func (pr *Program) switchDiscovered(p *ir.Proc) bool {
	found := false

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		g, ok := s.(*ir.Goto)
		if !ok || g.Dest == nil {
			return true
		}
		if p.CFG.Blocks[g.Block].Kind != ir.EdgeComputed {
			return true
		}

		if c, ok := ir.Base(g.Dest).(ir.Const); ok && c.Kind == ir.CAddr {
			found = true
			return false
		}

		return true
	})

	return found
}

// fixCallAndPhiRefs folds call bypass into φ and call references:
// a reference through a call to a location the callee preserves is
// replaced by the definition reaching the call site.
func (pr *Program) fixCallAndPhiRefs(p *ir.Proc) {
	bypass := func(e ir.Exp) ir.Exp {
		r, ok := e.(ir.Ref)
		if !ok || r.Def == ir.None {
			return e
		}

		c, ok := p.CFG.Stmt(r.Def).(*ir.Call)
		if !ok || c.Callee == nil {
			return e
		}

		if !c.Callee.Preserved(r.X) {
			return e
		}

		prev, ok := c.Reach[ir.Key(r.X)]
		if !ok {
			return e
		}

		return ir.Ref{X: r.X, Def: prev}
	}

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		ir.MapExps(s, bypass)

		if phi, ok := s.(*ir.Phi); ok {
			for i, a := range phi.Args {
				if b, ok := bypass(ir.Ref{X: a.Base, Def: a.Def}).(ir.Ref); ok {
					phi.Args[i].Def = b.Def
				}
			}
		}

		return true
	})
}

// mapLocalsAndParams names stack frame slots: once stack pointer
// preservation is known, m[sp ± K] expressions become named locals
// (below the pointer) and stack parameters (above it).
func (pr *Program) mapLocalsAndParams(p *ir.Proc) {
	sp := pr.SP()

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		visit := func(e ir.Exp) bool {
			m, ok := e.(ir.MemOf)
			if !ok {
				return true
			}

			off, below, ok := spOffset(m.X, sp)
			if !ok {
				return true
			}

			if _, have := p.SymbolFor(m, typ.Void{}); have {
				return true
			}

			var name string
			if below {
				name = p.NewLocal(typ.Void{})
			} else {
				name = p.NewParamName()
			}

			p.AddSymbol(m, name, typ.Void{})

			tlog.V("locals").Printw("stack slot named",
				"proc", p.Name, "exp", ir.String(m), "name", name, "off", off)

			return true
		}

		ir.WalkUses(s, visit)

		if d := ir.Def(s); d != nil {
			ir.Walk(d, visit)
		}

		return true
	})
}

// spOffset matches sp ± K, with sp under any subscript. below is true
// for frame locals.
func spOffset(e ir.Exp, sp ir.Exp) (off int64, below bool, ok bool) {
	x := e
	if r, isRef := x.(ir.Ref); isRef {
		x = r.X
	}

	if ir.Eq(ir.Base(x), ir.Base(sp)) {
		return 0, true, true
	}

	b, isBin := x.(ir.Binary)
	if !isBin || b.Op != ir.OpAdd && b.Op != ir.OpSub {
		return 0, false, false
	}

	base := b.L
	if r, isRef := base.(ir.Ref); isRef {
		base = r.X
	}

	if !ir.Eq(ir.Base(base), ir.Base(sp)) {
		return 0, false, false
	}

	c, isC := b.R.(ir.Const)
	if !isC || c.Kind != ir.CInt {
		return 0, false, false
	}

	if b.Op == ir.OpSub {
		return -c.Int, true, true
	}

	return c.Int, false, true
}

// updateArguments fills call argument lists from the callee's known
// parameters and the definitions reaching the call site.
func (pr *Program) updateArguments(p *ir.Proc) {
	for _, c := range p.CFG.Calls() {
		if c.Callee == nil || c.Childless {
			continue
		}

		var want []ir.Arg

		if c.Callee.Lib {
			want = c.Callee.Sig.Params
		} else {
			for _, id := range c.Callee.Params {
				d := ir.Def(c.Callee.CFG.Stmt(id))

				want = append(want, ir.Arg{
					Loc: ir.Base(d),
					T:   ir.Type(c.Callee.CFG.Stmt(id)),
				})
			}
		}

	next:
		for _, w := range want {
			for _, a := range c.Args {
				if ir.Eq(ir.Base(a.Loc), w.Loc) {
					continue next
				}
			}

			val := ir.Exp(w.Loc)
			if def, ok := c.Reach[ir.Key(w.Loc)]; ok {
				val = ir.Ref{X: w.Loc, Def: def}
			}

			c.Args = append(c.Args, ir.Arg{Loc: w.Loc, Val: val, T: w.T})
		}
	}
}

// updateCallDefines refreshes what each call defines: the callee's
// returns when known. A call to a childless callee keeps the defines
// it already has; no conservative set is built for it.
func (pr *Program) updateCallDefines(p *ir.Proc) {
	for _, c := range p.CFG.Calls() {
		switch {
		case c.Callee == nil:

		case c.Callee.Lib:
			c.Defines = append(c.Defines[:0], c.Callee.Sig.Rets...)

		case c.Callee.Status == ir.Final || !c.Childless:
			if r := c.Callee.Ret(); r != nil {
				c.Defines = c.Defines[:0]

				for _, rv := range r.Rets {
					c.Defines = append(c.Defines, ir.Arg{Loc: ir.Base(rv.Loc), T: rv.T})
				}
			}
		}
	}
}

func sortRets(r *ir.Ret) {
	for i := 1; i < len(r.Rets); i++ {
		for j := i; j > 0 && ir.Compare(r.Rets[j-1].Loc, r.Rets[j].Loc) > 0; j-- {
			r.Rets[j-1], r.Rets[j] = r.Rets[j], r.Rets[j-1]
			r.Mods[j-1], r.Mods[j] = r.Mods[j], r.Mods[j-1]
		}
	}
}
