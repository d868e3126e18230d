package decomp

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/ir"
)

// ErrSwitchDiscovered is raised from the middle loop when a computed
// jump resolves to a table after decompilation started: everything
// done so far for the procedure is invalid, the CFG must be cleared
// and the procedure re-decoded.
var ErrSwitchDiscovered = errors.New("switch discovered")

// Redecoder is called to rebuild a procedure's CFG after a switch
// discovery invalidated it.
type Redecoder func(p *ir.Proc) error

// Decompile drives the whole call graph from the entry procedure. At
// return every reachable procedure is in the final state, its
// statement list typed and SSA free, except procedures beyond
// MaxDecompileDepth, which are left unanalysed.
func (pr *Program) Decompile(ctx context.Context, entry *ir.Proc) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "decompile", "entry", entry.Name)
	defer tr.Finish("err", &err)

	_, err = pr.decompile(ctx, entry, nil)
	if err != nil {
		return errors.Wrap(err, "proc %v", entry.Name)
	}

	err = pr.RemoveRedundantReturns(ctx)
	if err != nil {
		return errors.Wrap(err, "remove redundant returns")
	}

	return nil
}

// decompile is the depth-first traversal of the call graph. path is
// the ordered list of ancestors on the current DFS stack. The returned
// set is this subtree's contribution to a cycle still open above us,
// empty when the procedure is not part of any active cycle.
func (pr *Program) decompile(ctx context.Context, p *ir.Proc, path []*ir.Proc) (child *ir.ProcSet, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "visit", "proc", p.Name, "depth", len(path))
	defer tr.Finish("err", &err)

	if p.Status == ir.Undecoded {
		p.Status = ir.Visited
	}

	if pr.Opts.MaxDecompileDepth != 0 && len(path) >= pr.Opts.MaxDecompileDepth {
		tr.Printw("max depth reached", "proc", p.Name)

		return ir.NewProcSet(), nil
	}

	path = append(path, p)
	child = ir.NewProcSet()

	for _, c := range p.CFG.Calls() {
		callee := c.Callee

		if callee == nil || callee.Lib {
			continue
		}

		callee.Callers = addCaller(callee.Callers, c)

		switch {
		case callee.Status == ir.Final:
			c.Childless = false

		case callee.Status >= ir.Visited && callee.Status <= ir.EarlyDone:
			// Visited but unfinished: a cycle.
			pr.spliceCycle(child, callee, path)

			c.Childless = true

		case callee.Status == ir.Undecoded:
			sub, err := pr.decompile(ctx, callee, path)
			if err != nil {
				return nil, errors.Wrap(err, "callee %v", callee.Name)
			}

			if sub.Len() != 0 {
				mergeGroup(child, sub)
			}

			c.Childless = callee.Status != ir.Final
		}
	}

	if child.Len() == 0 {
		// Mid-pipeline discoveries (converted indirect calls) may
		// still contribute cycles.
		sub, err := pr.procPipeline(ctx, p, path)
		if err != nil {
			return nil, err
		}

		if sub.Len() != 0 {
			mergeGroup(child, sub)
		}
	}

	switch {
	case child.Len() == 0:
		return child, nil

	case firstOnPath(path, child) == p:
		// This is the cycle's entry: all SCC members are collected.
		err = pr.recursionGroupAnalysis(ctx, child, path)
		if err != nil {
			return nil, err
		}

		// Do not redo the work at ancestors.
		return ir.NewProcSet(), nil

	default:
		return child, nil
	}
}

// spliceCycle extends the open cycle contribution when callee turned
// out to be on the DFS stack, or already belongs to another group.
func (pr *Program) spliceCycle(child *ir.ProcSet, callee *ir.Proc, path []*ir.Proc) {
	at := -1

	if callee.Cycle != nil && !onPath(path, callee) {
		// The callee belongs to an existing cycle: union its group,
		// then splice everything after the first path element already
		// in that group.
		group := callee.Cycle

		child.Union(group)

		for i, q := range path {
			if group.Has(q) {
				at = i
				break
			}
		}
	} else {
		for i, q := range path {
			if q == callee {
				at = i
				break
			}
		}
	}

	if at < 0 {
		at = len(path) - 1
	}

	for _, q := range path[at:] {
		child.Add(q)
	}

	markCycle(child)

	tlog.V("driver").Printw("cycle spliced", "callee", callee.Name, "group", child)
}

// mergeGroup folds a child contribution returned from below into ours,
// retargeting every member at the merged set so the group stays
// pointer identical across members.
func mergeGroup(child, sub *ir.ProcSet) {
	child.Union(sub)
	markCycle(child)
}

func markCycle(group *ir.ProcSet) {
	for _, m := range group.List() {
		m.Cycle = group

		if m.Status == ir.Visited {
			m.Status = ir.InCycle
		}
	}
}

func onPath(path []*ir.Proc, p *ir.Proc) bool {
	for _, q := range path {
		if q == p {
			return true
		}
	}

	return false
}

// firstOnPath is the earliest path element belonging to the group.
func firstOnPath(path []*ir.Proc, group *ir.ProcSet) *ir.Proc {
	for _, q := range path {
		if group.Has(q) {
			return q
		}
	}

	return nil
}

func addCaller(callers []*ir.Call, c *ir.Call) []*ir.Call {
	for _, x := range callers {
		if x == c {
			return callers
		}
	}

	return append(callers, c)
}

// procPipeline runs the whole per-procedure pipeline on a procedure
// outside any known cycle. Switch discoveries clear the CFG, re-decode
// and re-enter the analysis with the current path. A non-empty result
// means a converted call revealed a cycle through this procedure; it
// is left mid-state for the group analysis at the cycle's entry.
func (pr *Program) procPipeline(ctx context.Context, p *ir.Proc, path []*ir.Proc) (child *ir.ProcSet, err error) {
	for attempt := 0; ; attempt++ {
		err = pr.initialise(ctx, p)
		if err != nil {
			return nil, errors.Wrap(err, "initialise")
		}

		err = pr.earlyDecompile(ctx, p)
		if err != nil {
			return nil, errors.Wrap(err, "early")
		}

		child, err = pr.middleDecompile(ctx, p, path)
		if errors.Is(err, ErrSwitchDiscovered) && attempt == 0 {
			err = pr.redecode(p)
			if err != nil {
				return nil, errors.Wrap(err, "redecode")
			}

			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "middle")
		}

		break
	}

	if child.Len() != 0 {
		return child, nil
	}

	err = pr.remUnusedStmtEtc(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "remove unused")
	}

	err = pr.finalise(ctx, p)
	if err != nil {
		return nil, err
	}

	return child, nil
}

func (pr *Program) redecode(p *ir.Proc) error {
	if pr.Redecode == nil {
		return errors.New("no redecoder")
	}

	p.CFG.Clear()
	p.Status = ir.Undecoded

	return pr.Redecode(p)
}

// recursionGroupAnalysis analyses a completed strongly connected
// component as a unit. The post-pass runs exactly twice.
func (pr *Program) recursionGroupAnalysis(ctx context.Context, group *ir.ProcSet, path []*ir.Proc) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "recursion group", "group", group)
	defer tr.Finish("err", &err)

	for _, p := range group.List() {
		err = pr.initialise(ctx, p)
		if err != nil {
			return errors.Wrap(err, "initialise %v", p.Name)
		}

		err = pr.earlyDecompile(ctx, p)
		if err != nil {
			return errors.Wrap(err, "early %v", p.Name)
		}
	}

	for _, p := range group.List() {
		_, err = pr.middleDecompile(ctx, p, path)
		if err != nil {
			return errors.Wrap(err, "middle %v", p.Name)
		}

		p.Status = ir.Preserveds
	}

	// The group is complete: every recurrence premise that survived
	// middle analysis now holds coinductively.
	for _, p := range group.List() {
		for k, e := range p.Premises {
			p.ProvenTrue[k] = e

			delete(p.Premises, k)
		}
	}

	// Arguments flow between members now.
	for _, p := range group.List() {
		for _, c := range p.CFG.Calls() {
			if c.Callee != nil && group.Has(c.Callee) {
				c.Childless = false
			}
		}
	}

	for _, p := range group.List() {
		pr.findFinalParameters(p)
	}

	for _, p := range group.List() {
		pr.mapLocalsAndParams(p)
		pr.updateArguments(p)
	}

	for i := 0; i < 2; i++ {
		for _, p := range group.List() {
			err = pr.remUnusedStmtEtc(ctx, p)
			if err != nil {
				return errors.Wrap(err, "remove unused %v", p.Name)
			}
		}
	}

	for _, p := range group.List() {
		err = pr.finalise(ctx, p)
		if err != nil {
			return errors.Wrap(err, "finalise %v", p.Name)
		}
	}

	return nil
}
