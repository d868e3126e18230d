package decomp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

const sp = ir.Reg(28)

func newProgram() *Program {
	return New(Options{SP: sp})
}

// The stack pointer is saved and restored: preservation is proven and
// the return does not list it as modified.
func TestPreservation(t *testing.T) {
	pr := newProgram()

	p := ir.NewProc("p", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)

	g.Add(b0.ID, &ir.Assign{LHS: sp, RHS: ir.Binary{Op: ir.OpSub, L: sp, R: ir.Num(4)}})
	g.Add(b0.ID, &ir.Assign{LHS: sp, RHS: ir.Binary{Op: ir.OpAdd, L: sp, R: ir.Num(4)}})
	p.RetSID = g.Add(b0.ID, &ir.Ret{})

	pr.AddProc(p)

	err := pr.Decompile(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, ir.Final, p.Status)

	proven, ok := p.ProvenTrue[ir.Key(sp)]
	require.True(t, ok, "stack pointer not proven preserved")
	assert.True(t, ir.Eq(proven, sp))

	for _, m := range p.Ret().Mods {
		assert.False(t, ir.Eq(ir.Base(m), sp), "preserved sp listed as modified")
	}
}

// A calls B calls A: one recursion group, analyzed once, both final.
func TestCycleDetection(t *testing.T) {
	pr := newProgram()

	a := ir.NewProc("A", 0x1000)
	b := ir.NewProc("B", 0x2000)

	build := func(p *ir.Proc, callee *ir.Proc) {
		g := p.CFG
		b0 := g.NewBlock(p.Addr)

		g.Add(b0.ID, &ir.Call{Dest: ir.Addr(callee.Addr), Callee: callee})
		p.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	build(a, b)
	build(b, a)

	pr.AddProc(a)
	pr.AddProc(b)

	err := pr.Decompile(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, ir.Final, a.Status)
	assert.Equal(t, ir.Final, b.Status)

	require.NotNil(t, a.Cycle)
	assert.Same(t, a.Cycle, b.Cycle, "cycle group must be shared")
	assert.True(t, a.Cycle.Has(a))
	assert.True(t, a.Cycle.Has(b))
	assert.Equal(t, 2, a.Cycle.Len())
}

// P returns a value no caller consumes: the return is dropped and the
// caller's define list shrinks with it.
func TestRedundantReturn(t *testing.T) {
	pr := newProgram()

	p := ir.NewProc("P", 0x2000)
	{
		g := p.CFG
		b0 := g.NewBlock(0x2000)

		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(24), RHS: ir.Num(5), T: typ.Int{Size: 32}})
		p.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	c := ir.NewProc("C", 0x1000)
	c.Sig.Rets = []ir.Arg{{Loc: ir.Reg(25)}}
	{
		g := c.CFG
		b0 := g.NewBlock(0x1000)

		g.Add(b0.ID, &ir.Call{Dest: ir.Addr(0x2000), Callee: p})
		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(25), RHS: ir.Num(1), T: typ.Int{Size: 32}})
		c.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	pr.AddProc(c)
	pr.AddProc(p)

	err := pr.Decompile(context.Background(), c)
	require.NoError(t, err)

	for _, rv := range p.Ret().Rets {
		assert.False(t, ir.Eq(ir.Base(rv.Loc), ir.Reg(24)),
			"unused return r24 survived")
	}

	for _, call := range p.Callers {
		for _, d := range call.Defines {
			assert.False(t, ir.Eq(ir.Base(d.Loc), ir.Reg(24)),
				"caller define list still carries r24")
		}
	}

	// the caller's own signature return remains
	found := false
	for _, rv := range c.Ret().Rets {
		if ir.Eq(ir.Base(rv.Loc), ir.Reg(25)) {
			found = true
		}
	}
	assert.True(t, found, "signature return r25 dropped from entry proc")
}

// Two-procedure program end to end: the callee's live-in registers
// become parameters and the φ at the join collapses to one variable.
func TestDecompileCallAndBranch(t *testing.T) {
	pr := newProgram()

	max := ir.NewProc("max", 0x2000)
	{
		g := max.CFG

		b0 := g.NewBlock(0x2000)
		bt := g.NewBlock(0x2010)
		bf := g.NewBlock(0x2020)
		bx := g.NewBlock(0x2030)

		g.Link(b0.ID, bt.ID)
		g.Link(b0.ID, bf.ID)
		g.Link(bt.ID, bx.ID)
		g.Link(bf.ID, bx.ID)

		g.Add(b0.ID, &ir.Branch{Cond: ir.Binary{Op: ir.OpLt, L: ir.Reg(24), R: ir.Reg(25)}})
		g.Add(bt.ID, &ir.Assign{LHS: ir.Reg(24), RHS: ir.Reg(25)})
		g.Add(bf.ID, &ir.Junction{})
		max.RetSID = g.Add(bx.ID, &ir.Ret{})
	}

	main := ir.NewProc("main", 0x1000)
	{
		g := main.CFG
		b0 := g.NewBlock(0x1000)

		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(24), RHS: ir.Num(3), T: typ.Int{Size: 32}})
		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(25), RHS: ir.Num(7), T: typ.Int{Size: 32}})
		g.Add(b0.ID, &ir.Call{Dest: ir.Addr(0x2000), Callee: max})
		main.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	pr.AddProc(max)
	pr.AddProc(main)

	err := pr.Decompile(context.Background(), main)
	require.NoError(t, err)

	assert.Equal(t, ir.Final, max.Status)
	assert.Equal(t, ir.Final, main.Status)

	// both live-in registers surfaced as parameters, in order
	require.Len(t, max.Params, 2)
	assert.True(t, ir.Eq(ir.Base(ir.Def(max.CFG.Stmt(max.Params[0]))), ir.Reg(24)))
	assert.True(t, ir.Eq(ir.Base(ir.Def(max.CFG.Stmt(max.Params[1]))), ir.Reg(25)))

	// no φ and no subscript survives anywhere
	for _, p := range []*ir.Proc{max, main} {
		p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
			_, isPhi := s.(*ir.Phi)
			assert.False(t, isPhi, "%v: phi survived", p.Name)

			assert.Empty(t, ir.Refs(s), "%v: refs survived in %v", p.Name, s)

			return true
		})
	}

	// the call received its two arguments
	calls := main.CFG.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Args, 2)
}

// An indirect call whose destination propagates to a literal becomes a
// direct call.
func TestIndirectCallConverted(t *testing.T) {
	pr := newProgram()

	callee := ir.NewProc("f", 0x2000)
	{
		g := callee.CFG
		b0 := g.NewBlock(0x2000)

		callee.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	caller := ir.NewProc("caller", 0x1000)
	{
		g := caller.CFG
		b0 := g.NewBlock(0x1000)

		s := g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(8), RHS: ir.Addr(0x2000)})
		g.Add(b0.ID, &ir.Call{Dest: ir.Ref{X: ir.Reg(8), Def: s}})
		caller.RetSID = g.Add(b0.ID, &ir.Ret{})
	}

	pr.AddProc(callee)
	pr.AddProc(caller)

	err := pr.Decompile(context.Background(), caller)
	require.NoError(t, err)

	calls := caller.CFG.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, callee, calls[0].Callee, "indirect call not converted")
	assert.Equal(t, ir.Final, callee.Status)
}

type imageStub struct{}

func (imageStub) ReadOnly(addr uint64) bool { return addr >= 0x9000 }

func (imageStub) Word(addr uint64, size int) (uint64, bool) { return 42, true }

// Loads from read-only image memory inline to constants.
func TestReadOnlyInline(t *testing.T) {
	pr := newProgram()
	pr.Image = imageStub{}

	p := ir.NewProc("p", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)

	g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(1), RHS: ir.MemOf{X: ir.Addr(0x9000)}})
	p.RetSID = g.Add(b0.ID, &ir.Ret{})

	pr.AddProc(p)

	err := pr.Decompile(context.Background(), p)
	require.NoError(t, err)

	var rhs ir.Exp

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if a, ok := s.(*ir.Assign); ok {
			rhs = a.RHS
			return false
		}

		return true
	})

	require.NotNil(t, rhs)
	assert.True(t, ir.Eq(rhs, ir.Num(42)), "got %v", ir.String(rhs))
}

// Simplify cancels save/restore chains.
func TestSimplify(t *testing.T) {
	e := ir.Binary{
		Op: ir.OpAdd,
		L:  ir.Binary{Op: ir.OpSub, L: ir.Reg(28), R: ir.Num(4)},
		R:  ir.Num(4),
	}

	assert.True(t, ir.Eq(ir.Simplify(e), ir.Reg(28)))

	e2 := ir.Binary{Op: ir.OpAdd, L: ir.Num(2), R: ir.Num(3)}
	assert.True(t, ir.Eq(ir.Simplify(e2), ir.Num(5)))
}
