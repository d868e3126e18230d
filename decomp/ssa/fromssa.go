package ssa

import (
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

type (
	// Interference records pairs of same-base definitions whose types
	// cannot share one variable.
	Interference struct {
		Edges map[[2]ir.SID]bool
	}

	// dk identifies one definition: a call statement defines several
	// locations under one SID, so the base key is part of the identity.
	dk struct {
		id ir.SID
		k  string
	}

	inverse struct {
		g *ir.CFG
		p *ir.Proc

		defs  map[string][]ir.SID
		bases map[string]ir.Exp
		types map[dk]typ.Type

		graph *Interference

		name map[dk]string

		// nkind classifies each final name: one parameter definition
		// makes the whole name a parameter.
		nkind map[string]ir.LocKind

		fresh map[dk]bool // renamed to a fresh local by interference
		used  map[dk]bool // mapped into a symbol somewhere
	}
)

func (g *Interference) add(a, b ir.SID) {
	if a > b {
		a, b = b, a
	}

	g.Edges[[2]ir.SID{a, b}] = true
}

func (g *Interference) Has(a, b ir.SID) bool {
	if a > b {
		a, b = b, a
	}

	return g.Edges[[2]ir.SID{a, b}]
}

// HasFor reports whether any interference edge touches def.
func (g *Interference) HasFor(def ir.SID) bool {
	for e := range g.Edges {
		if e[0] == def || e[1] == def {
			return true
		}
	}

	return false
}

// FromSSA translates the procedure out of SSA form: same-base
// definitions with incompatible types are split into fresh locals,
// φ-connected definitions are united under one name where no
// interference forbids it, every Ref is replaced with its mapped
// symbol and every φ is removed. The interference graph is returned
// for inspection.
func FromSSA(p *ir.Proc) *Interference {
	v := &inverse{
		g:     p.CFG,
		p:     p,
		defs:  map[string][]ir.SID{},
		bases: map[string]ir.Exp{},
		types: map[dk]typ.Type{},
		graph: &Interference{Edges: map[[2]ir.SID]bool{}},
		name:  map[dk]string{},
		nkind: map[string]ir.LocKind{},
		fresh: map[dk]bool{},
		used:  map[dk]bool{},
	}

	v.collect()
	v.interferences()
	v.split()
	v.unite()
	v.classifyNames()
	v.replaceRefs()
	v.removePhis()
	v.registerLocals()

	tlog.V("ssa").Printw("from ssa", "proc", p.Name,
		"defs", len(v.name), "interference", len(v.graph.Edges))

	return v.graph
}

func (v *inverse) collect() {
	note := func(e ir.Exp, id ir.SID, t typ.Type) {
		k := ir.Key(e)

		v.defs[k] = append(v.defs[k], id)
		v.bases[k] = ir.Base(e)
		v.types[dk{id, k}] = orVoid(t)
	}

	v.g.Range(func(id ir.SID, s ir.Stmt) bool {
		if d := ir.Def(s); d != nil {
			note(d, id, ir.Type(s))
		}

		if c, ok := s.(*ir.Call); ok {
			for _, d := range c.Defines {
				note(d.Loc, id, d.T)
			}
		}

		return true
	})
}

func orVoid(t typ.Type) typ.Type {
	if t == nil {
		return typ.Void{}
	}

	return t
}

// interferences connects same-base definitions whose types meet to a
// union. They cannot live in one variable.
func (v *inverse) interferences() {
	for k, ids := range v.defs {
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				if !typ.Compatible(v.types[dk{a, k}], v.types[dk{b, k}]) {
					v.graph.add(a, b)
				}
			}
		}
	}
}

// split gives every definition its base name, then renames one side of
// each interference edge to a fresh local: prefer the side that is not
// a parameter and not an implicit definition, break ties toward the φ
// destination.
func (v *inverse) split() {
	for k, ids := range v.defs {
		for _, id := range ids {
			d := dk{id, k}

			v.name[d] = v.symName(k, d)
		}
	}

	for k, ids := range v.defs {
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				if !v.graph.Has(a, b) {
					continue
				}

				da, db := dk{a, k}, dk{b, k}
				if v.name[da] != v.name[db] {
					continue
				}

				r := da
				if v.pickRename(a, b) == b {
					r = db
				}

				v.name[r] = v.p.NewLocal(v.types[r])
				v.fresh[r] = true
			}
		}
	}
}

func (v *inverse) pickRename(a, b ir.SID) ir.SID {
	ak, bk := v.keeper(a), v.keeper(b)

	switch {
	case ak && !bk:
		return b
	case bk && !ak:
		return a
	}

	if _, ok := v.g.Stmt(b).(*ir.Phi); ok {
		return b
	}

	return a
}

// keeper marks defs that should keep their name: parameters and
// implicit definitions carry the caller's view of the location.
func (v *inverse) keeper(id ir.SID) bool {
	if _, ok := v.g.Stmt(id).(*ir.Implicit); ok {
		return true
	}

	for _, q := range v.p.Params {
		if q == id {
			return true
		}
	}

	return false
}

// unite pulls φ operands under the destination's name when nothing
// interferes, so the φ later collapses instead of spilling copies.
func (v *inverse) unite() {
	v.g.Range(func(id ir.SID, s ir.Stmt) bool {
		phi, ok := s.(*ir.Phi)
		if !ok {
			return true
		}

		k := ir.Key(phi.LHS)
		dp := dk{id, k}

		for _, a := range phi.Args {
			if a.Def == ir.None || a.Def == id {
				continue
			}

			da := dk{a.Def, k}

			if v.name[da] == v.name[dp] {
				continue
			}
			if v.graph.Has(id, a.Def) {
				continue
			}

			// Rename the side interference forced off its base name;
			// a keeper's name never changes.
			switch {
			case v.fresh[dp] && !v.fresh[da] && !v.interferesByName(dp, v.name[da]):
				v.name[dp] = v.name[da]
			case v.fresh[da] && !v.keeper(a.Def) && !v.interferesByName(da, v.name[dp]):
				v.name[da] = v.name[dp]
			}
		}

		return true
	})
}

// interferesByName reports whether giving d the name would collide
// with an interfering same-base definition already carrying it.
func (v *inverse) interferesByName(d dk, name string) bool {
	for _, id := range v.defs[d.k] {
		if id == d.id || !v.graph.Has(d.id, id) {
			continue
		}

		if v.name[dk{id, d.k}] == name {
			return true
		}
	}

	return false
}

// symName is the default name of a definition of base key k: the
// symbol-map name when the proc knows one, the base spelling
// otherwise.
func (v *inverse) symName(k string, d dk) string {
	if s, ok := v.p.SymbolFor(v.bases[k], v.types[d]); ok {
		return s.Name
	}

	return k
}

func (v *inverse) symKind(id ir.SID) ir.LocKind {
	for _, q := range v.p.Params {
		if q == id {
			return ir.LocParam
		}
	}

	return ir.LocLocal
}

// symOf is the symbol expression a definition maps to.
func (v *inverse) symOf(id ir.SID, base ir.Exp) ir.Exp {
	if id == ir.None {
		if s, ok := v.p.SymbolFor(base, typ.Void{}); ok {
			return ir.Loc{Kind: ir.LocParam, Name: s.Name, Proc: v.p}
		}

		return ir.Base(base)
	}

	d := dk{id, ir.Key(base)}

	n, ok := v.name[d]
	if !ok {
		// A use of a location the statement does not define. Internal
		// inconsistency, keep the base spelling.
		return ir.Base(base)
	}

	v.used[d] = true

	return ir.Loc{Kind: v.nkind[n], Name: n, Proc: v.p}
}

// classifyNames decides the final kind of every name after renames and
// unions settled.
func (v *inverse) classifyNames() {
	for d, n := range v.name {
		if _, ok := v.nkind[n]; !ok {
			v.nkind[n] = ir.LocLocal
		}

		if v.symKind(d.id) == ir.LocParam {
			v.nkind[n] = ir.LocParam
		}
	}
}

func (v *inverse) replaceRefs() {
	v.g.Range(func(id ir.SID, s ir.Stmt) bool {
		ir.MapExps(s, func(e ir.Exp) ir.Exp {
			if r, ok := e.(ir.Ref); ok {
				return v.symOf(r.Def, r.X)
			}

			return e
		})

		// Implicit definitions keep their location: the parameter list
		// and callers' argument matching key on it.
		if _, imp := s.(*ir.Implicit); imp {
			return true
		}

		if d := ir.Def(s); d != nil {
			switch ir.Base(d).(type) {
			case ir.Reg, ir.Terminal, ir.Loc:
				ir.SetDef(s, v.symOf(id, d))
			case ir.MemOf:
				// A store keeps its memory form unless the slot has a
				// name from the frame layout.
				if _, named := v.p.SymbolFor(d, v.types[dk{id, ir.Key(d)}]); named {
					ir.SetDef(s, v.symOf(id, d))
				}
			}
		}

		return true
	})
}

// removePhis drops each φ: collapsed when every operand carries the
// destination's symbol, a plain copy when all operands agree, copies
// on incoming edges through a fresh temporary otherwise.
func (v *inverse) removePhis() {
	type rem struct {
		id  ir.SID
		phi *ir.Phi
	}

	var phis []rem

	v.g.Range(func(id ir.SID, s ir.Stmt) bool {
		if p, ok := s.(*ir.Phi); ok {
			phis = append(phis, rem{id: id, phi: p})
		}

		return true
	})

	for _, r := range phis {
		dest := r.phi.LHS // already the mapped symbol

		args := make([]ir.Exp, len(r.phi.Args))
		for i, a := range r.phi.Args {
			args[i] = v.symOf(a.Def, a.Base)
		}

		same := true
		agree := true

		for _, a := range args {
			if !ir.Eq(a, dest) {
				same = false
			}
			if !ir.Eq(a, args[0]) {
				agree = false
			}
		}

		switch {
		case same:
			v.g.Remove(r.id)
		case agree:
			v.replace(r.id, &ir.Assign{LHS: dest, T: r.phi.T, RHS: args[0]})
		default:
			tmp := ir.Loc{Kind: ir.LocLocal, Name: v.p.NewLocal(orVoid(r.phi.T)), Proc: v.p}

			for i, a := range r.phi.Args {
				v.insertCopy(a.Pred, &ir.Assign{LHS: tmp, T: r.phi.T, RHS: args[i]})
			}

			v.replace(r.id, &ir.Assign{LHS: dest, T: r.phi.T, RHS: tmp})
		}
	}

	v.g.Renumber()
}

// replace swaps the statement in its arena slot, keeping the SID.
func (v *inverse) replace(id ir.SID, s ir.Stmt) {
	old := ir.Meta(v.g.Stmt(id))

	base := ir.Meta(s)
	base.Num = old.Num
	base.Block = old.Block
	base.Proc = old.Proc

	v.g.Stmts[id] = s
}

// insertCopy places an edge copy at the end of the block, before its
// terminal transfer.
func (v *inverse) insertCopy(b ir.BID, s *ir.Assign) {
	bl := v.g.Blocks[b]

	at := len(bl.Stmts)

	for at > 0 {
		switch v.g.Stmt(bl.Stmts[at-1]).(type) {
		case *ir.Branch, *ir.Goto, *ir.Ret:
			at--
			continue
		}

		break
	}

	v.g.Insert(b, at, s)
}

// registerLocals makes sure every name still used appears in the
// locals table at the meet of its definitions' types.
func (v *inverse) registerLocals() {
	for d, n := range v.name {
		if v.nkind[n] != ir.LocLocal || !v.used[d] {
			continue
		}

		t, ok := v.p.Locals[n]
		if !ok {
			t = typ.Void{}
		}

		t, _ = typ.Meet(t, v.types[d])

		v.p.Locals[n] = t
	}
}
