package ssa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

// diamond builds
//
//	b0: br (r1 < 10)
//	b1: r2 := 1       b2: r2 := 2
//	b3: ret
func diamond(t *testing.T) *ir.Proc {
	t.Helper()

	p := ir.NewProc("diamond", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)
	b1 := g.NewBlock(0x1010)
	b2 := g.NewBlock(0x1020)
	b3 := g.NewBlock(0x1030)

	g.Link(b0.ID, b1.ID)
	g.Link(b0.ID, b2.ID)
	g.Link(b1.ID, b3.ID)
	g.Link(b2.ID, b3.ID)

	g.Add(b0.ID, &ir.Branch{Cond: ir.Binary{Op: ir.OpLt, L: ir.Reg(1), R: ir.Num(10)}})
	g.Add(b1.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Num(1)})
	g.Add(b2.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Num(2)})

	ret := &ir.Ret{}
	p.RetSID = g.Add(b3.ID, ret)

	return p
}

func TestDominators(t *testing.T) {
	p := diamond(t)

	d := Dominators(p.CFG)

	assert.True(t, d.Dominates(0, 3))
	assert.False(t, d.Dominates(1, 3))
	assert.Equal(t, []ir.BID{3}, d.Frontier(1))
	assert.Equal(t, []ir.BID{3}, d.Frontier(2))
}

func TestPlacePhis(t *testing.T) {
	p := diamond(t)

	tr := NewTransform(p.CFG)
	placed := tr.PlacePhis()

	require.Equal(t, 1, placed)

	phi := findPhi(p)
	require.NotNil(t, phi)
	assert.Equal(t, ir.BID(3), phi.Block)
	assert.True(t, ir.Eq(phi.LHS, ir.Reg(2)))
	assert.Len(t, phi.Args, 2)

	// idempotent
	assert.Equal(t, 0, tr.PlacePhis())
}

func TestRename(t *testing.T) {
	p := diamond(t)

	tr := NewTransform(p.CFG)
	tr.PlacePhis()
	tr.Rename(true)

	// the branch use of r1 got an implicit definition
	imp, ok := p.CFG.ImplicitOf(ir.Reg(1))
	require.True(t, ok)

	var br *ir.Branch

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if b, isBr := s.(*ir.Branch); isBr {
			br = b
			return false
		}

		return true
	})

	require.NotNil(t, br)

	cond := br.Cond.(ir.Binary)
	ref, isRef := cond.L.(ir.Ref)
	require.True(t, isRef)
	assert.Equal(t, imp, ref.Def)

	// φ operands point at the definitions on each incoming edge
	phi := findPhi(p)
	require.NotNil(t, phi)

	for _, a := range phi.Args {
		require.NotEqual(t, ir.None, a.Def)

		def := p.CFG.Stmt(a.Def)
		assert.True(t, ir.Eq(ir.Base(ir.Def(def)), ir.Reg(2)))
	}

	// the reach map at the return sees the φ
	ret := p.Ret()
	require.NotNil(t, ret)

	phiSID := p.CFG.SIDOf(phi)
	assert.Equal(t, phiSID, ret.Reach[ir.Key(ir.Reg(2))])
}

// Same-value operands collapse: no interference, a single variable, no
// surviving φ.
func TestFromSSAPhiCollapse(t *testing.T) {
	p := ir.NewProc("collapse", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)
	b1 := g.NewBlock(0x1010)
	b2 := g.NewBlock(0x1020)
	b3 := g.NewBlock(0x1030)

	g.Link(b0.ID, b1.ID)
	g.Link(b0.ID, b2.ID)
	g.Link(b1.ID, b3.ID)
	g.Link(b2.ID, b3.ID)

	g.Add(b0.ID, &ir.Branch{Cond: ir.Binary{Op: ir.OpEq, L: ir.Reg(1), R: ir.Num(0)}})
	g.Add(b1.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Num(5), T: typ.Int{Size: 32}})
	g.Add(b2.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Num(5), T: typ.Int{Size: 32}})

	ret := &ir.Ret{}
	p.RetSID = g.Add(b3.ID, ret)

	tr := NewTransform(g)
	tr.PlacePhis()
	tr.Rename(true)

	graph := FromSSA(p)

	// no interference edges for the merged variable
	assert.Empty(t, graph.Edges)

	// no φ and no subscripts survive
	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		_, isPhi := s.(*ir.Phi)
		assert.False(t, isPhi, "phi survived fromSSA")

		for range ir.Refs(s) {
			t.Errorf("ref survived fromSSA in %v", s)
		}

		return true
	})

	// both branches assign the same variable
	var lhs []ir.Exp

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if a, ok := s.(*ir.Assign); ok {
			lhs = append(lhs, a.LHS)
		}

		return true
	})

	require.Len(t, lhs, 2)
	assert.True(t, ir.Eq(lhs[0], lhs[1]))
}

// Incompatible types at the two definitions force a split into two
// locals.
func TestFromSSAInterference(t *testing.T) {
	p := ir.NewProc("split", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)

	s1 := g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Num(5), T: typ.Int{Size: 32}})
	s2 := g.Add(b0.ID, &ir.Assign{
		LHS: ir.Reg(3),
		RHS: ir.Ref{X: ir.Reg(2), Def: s1},
		T:   typ.Int{Size: 32},
	})
	s3 := g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(2), RHS: ir.Flt(1.5), T: typ.Float{Size: 64}})
	g.Add(b0.ID, &ir.Ret{
		Rets: []ir.RetVal{
			{Loc: ir.Reg(3), Val: ir.Ref{X: ir.Reg(3), Def: s2}},
			{Loc: ir.Reg(2), Val: ir.Ref{X: ir.Reg(2), Def: s3}},
		},
	})

	graph := FromSSA(p)

	assert.True(t, graph.Has(s1, s3), "int and float defs of r2 must interfere")

	// the two definitions ended up under different names
	a1 := p.CFG.Stmt(s1).(*ir.Assign)
	a3 := p.CFG.Stmt(s3).(*ir.Assign)

	assert.False(t, ir.Eq(a1.LHS, a3.LHS), "split defs share a name: %v", a1.LHS)
}

func findPhi(p *ir.Proc) *ir.Phi {
	var phi *ir.Phi

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if x, ok := s.(*ir.Phi); ok {
			phi = x
			return false
		}

		return true
	})

	return phi
}
