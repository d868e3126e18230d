package decomp

import (
	"context"

	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
)

// proveCap bounds the rewrite chain so infeasible proofs terminate.
const proveCap = 64

type prover struct {
	pr *Program
	p  *ir.Proc

	target ir.Exp

	visited map[ir.SID]bool

	// conditional marks a proof resting on recurrence premises not yet
	// discharged; such results are not cached.
	conditional bool
}

// Prove attempts to show that lhs = rhs holds at the procedure's exit.
// Positive unconditional results are cached in the proven-true map.
func (pr *Program) Prove(ctx context.Context, p *ir.Proc, lhs, rhs ir.Exp) bool {
	k := ir.Key(lhs)

	if r, ok := p.ProvenTrue[k]; ok {
		return ir.Eq(r, ir.Base(rhs))
	}
	if r, ok := p.Premises[k]; ok {
		// Already assumed while proving through the recursion group.
		return ir.Eq(r, ir.Base(rhs))
	}

	r := p.Ret()
	if r == nil {
		return false
	}

	v := &prover{
		pr:      pr,
		p:       p,
		target:  ir.Base(rhs),
		visited: map[ir.SID]bool{},
	}

	var query ir.Exp

	def, ok := r.Reach[k]
	if !ok {
		// Never defined: the caller's value flows straight through.
		query = ir.Base(lhs)
	} else {
		query = ir.Ref{X: ir.Base(lhs), Def: def}
	}

	proven := v.rewrite(ctx, query, 0)

	tlog.V("prove").Printw("prove", "proc", p.Name,
		"lhs", ir.String(lhs), "rhs", ir.String(rhs),
		"proven", proven, "conditional", v.conditional,
		"from", loc.Caller(1))

	if proven && !v.conditional {
		p.ProvenTrue[k] = ir.Base(rhs)
	}

	return proven
}

// rewrite walks the query backward through the definitions of
// subscripted uses until it reduces to the target or cannot reduce
// further.
func (v *prover) rewrite(ctx context.Context, e ir.Exp, depth int) bool {
	for step := 0; step < proveCap; step++ {
		e = ir.Simplify(e)

		if ir.Eq(resolveEntry(v.p, e), v.target) {
			return true
		}

		ref, ok := nextRef(v.p, e)
		if !ok {
			return false
		}

		switch def := v.p.CFG.Stmt(ref.Def).(type) {
		case *ir.Assign:
			if def.RHS == nil || !ir.Eq(ir.Base(def.LHS), ir.Base(ref.X)) {
				return false
			}

			e = ir.Subst(e, ref, def.RHS)

		case *ir.Phi:
			return v.provePhi(ctx, e, ref, def, depth)

		case *ir.Call:
			next, ok := v.throughCall(ctx, ref, def)
			if !ok {
				return false
			}

			e = ir.Subst(e, ref, next)

		default:
			return false
		}
	}

	tlog.V("prove").Printw("proof chain too long", "proc", v.p.Name)

	return false
}

// provePhi requires the equation to hold for every φ operand. A
// visited set detects induction cycles: an operand looping back into
// a φ already under proof is the induction step and holds by
// hypothesis.
func (v *prover) provePhi(ctx context.Context, e ir.Exp, ref ir.Ref, phi *ir.Phi, depth int) bool {
	id := v.p.CFG.SIDOf(phi)

	if v.visited[id] {
		return true
	}

	v.visited[id] = true
	defer delete(v.visited, id)

	for _, a := range phi.Args {
		op := ir.Subst(e, ref, ir.Ref{X: a.Base, Def: a.Def})

		if !v.rewrite(ctx, op, depth+1) {
			return false
		}
	}

	return true
}

// throughCall resolves the value of ref.X after the call: the value
// before it when the callee preserves the location, a conditional
// assumption when the callee is still mid-analysis in our own
// recursion group.
func (v *prover) throughCall(ctx context.Context, ref ir.Ref, c *ir.Call) (ir.Exp, bool) {
	callee := c.Callee
	if callee == nil {
		return nil, false
	}

	k := ir.Key(ref.X)

	preserved := callee.Preserved(ref.X)

	if !preserved && v.p.Cycle.Has(callee) {
		if _, assumed := callee.Premises[k]; !assumed {
			// Conditionally assume preservation and recurse; the
			// premise is discharged when the group completes.
			callee.Premises[k] = ir.Base(ref.X)

			preserved = v.pr.Prove(ctx, callee, ref.X, ref.X)
			if !preserved {
				delete(callee.Premises, k)
			}
		} else {
			preserved = true
		}

		v.conditional = true
	}

	if !preserved {
		return nil, false
	}

	if prev, ok := c.Reach[k]; ok {
		return ir.Ref{X: ir.Base(ref.X), Def: prev}, true
	}

	return ir.Base(ref.X), true
}

// resolveEntry replaces references to implicit definitions with their
// bare locations: the value on procedure entry.
func resolveEntry(p *ir.Proc, e ir.Exp) ir.Exp {
	return ir.Map(e, func(x ir.Exp) ir.Exp {
		r, ok := x.(ir.Ref)
		if !ok {
			return x
		}

		if r.Def == ir.None {
			return r.X
		}

		if _, imp := p.CFG.Stmt(r.Def).(*ir.Implicit); imp {
			return r.X
		}

		return x
	})
}

// nextRef finds the leftmost subscripted use whose definition can
// still be walked backward.
func nextRef(p *ir.Proc, e ir.Exp) (ir.Ref, bool) {
	var found ir.Ref
	ok := false

	ir.Walk(e, func(x ir.Exp) bool {
		r, isRef := x.(ir.Ref)
		if !isRef || ok {
			return !ok
		}

		if r.Def == ir.None {
			return true
		}

		if _, imp := p.CFG.Stmt(r.Def).(*ir.Implicit); imp {
			return true
		}

		found, ok = r, true

		return false
	})

	return found, ok
}
