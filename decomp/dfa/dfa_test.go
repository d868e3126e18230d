package dfa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

type globalsStub struct {
	addrs map[uint64]typ.Type
}

func (g *globalsStub) GlobalUsed(addr uint64, t typ.Type) ir.Exp {
	if g.addrs == nil {
		g.addrs = map[uint64]typ.Type{}
	}

	old, ok := g.addrs[addr]
	if ok {
		t, _ = typ.Meet(old, t)
	}

	g.addrs[addr] = t

	return ir.Loc{Kind: ir.LocGlobal, Name: "g0"}
}

func TestAscendArith(t *testing.T) {
	p := ir.NewProc("p", 0)
	a := New(p, nil)

	// pointer plus integer is a pointer
	s := ir.Typed{T: typ.Ptr{To: typ.Char{}}, X: ir.Reg(1)}
	r := a.ascend(ir.Binary{Op: ir.OpAdd, L: s, R: ir.Num(4)})
	assert.True(t, typ.Equal(r, typ.Ptr{To: typ.Char{}}), "got %v", r)

	// pointer minus pointer is an integer
	r = a.ascend(ir.Binary{Op: ir.OpSub, L: s, R: s})
	_, isInt := r.(typ.Int)
	assert.True(t, isInt, "got %v", r)

	// comparisons are boolean
	r = a.ascend(ir.Binary{Op: ir.OpLt, L: ir.Num(1), R: ir.Num(2)})
	assert.True(t, typ.Equal(r, typ.Boolean{}))

	// unsigned division leaves unsigned evidence
	r = a.ascend(ir.Binary{Op: ir.OpDivU, L: ir.Num(8), R: ir.Num(2)})
	require.IsType(t, typ.Int{}, r)
	assert.Negative(t, r.(typ.Int).Sign)
}

// A store through a scaled index registers a global array of the
// element type.
func TestScaledArray(t *testing.T) {
	p := ir.NewProc("p", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)

	idx := g.Add(b0.ID, &ir.Implicit{LHS: ir.Reg(1), T: typ.Int{Size: 32}})

	g.Add(b0.ID, &ir.Assign{
		LHS: ir.MemOf{X: ir.Binary{
			Op: ir.OpAdd,
			L:  ir.Binary{Op: ir.OpMul, L: ir.Ref{X: ir.Reg(1), Def: idx}, R: ir.Num(4)},
			R:  ir.Addr(0x8000),
		}},
		RHS: ir.Num(0),
	})

	p.RetSID = g.Add(b0.ID, &ir.Ret{})

	stub := &globalsStub{}

	err := New(p, stub).Run(context.Background())
	require.NoError(t, err)

	reg, ok := stub.addrs[0x8000]
	require.True(t, ok, "global at 0x8000 not registered")

	arr, ok := reg.(typ.Array)
	require.True(t, ok, "got %v", reg)
	assert.Equal(t, 32, arr.Base.Bits())

	// the access rewrites to an indexed global reference
	MapGlobals(p, stub)

	var lhs ir.Exp

	p.CFG.Range(func(id ir.SID, s ir.Stmt) bool {
		if a, isA := s.(*ir.Assign); isA {
			lhs = a.LHS
			return false
		}

		return true
	})

	bin, ok := lhs.(ir.Binary)
	require.True(t, ok, "lhs is %v", ir.String(lhs))
	assert.Equal(t, ir.OpIndex, bin.Op)
	assert.True(t, ir.Eq(bin.L, ir.Loc{Kind: ir.LocGlobal, Name: "g0"}))
}

// A constant offset off a pointer grows the pointed-to compound.
func TestCompoundMember(t *testing.T) {
	p := ir.NewProc("p", 0x1000)
	g := p.CFG

	b0 := g.NewBlock(0x1000)

	ptr := g.Add(b0.ID, &ir.Implicit{
		LHS: ir.Reg(1),
		T:   typ.Ptr{To: typ.Compound{Generic: true}},
	})

	g.Add(b0.ID, &ir.Assign{
		LHS: ir.MemOf{X: ir.Binary{
			Op: ir.OpAdd,
			L:  ir.Ref{X: ir.Reg(1), Def: ptr},
			R:  ir.Num(8),
		}},
		RHS: ir.Num(7),
	})

	p.RetSID = g.Add(b0.ID, &ir.Ret{})

	err := New(p, nil).Run(context.Background())
	require.NoError(t, err)

	pt, ok := ir.Type(p.CFG.Stmt(ptr)).(typ.Ptr)
	require.True(t, ok)

	c, ok := pt.To.(typ.Compound)
	require.True(t, ok, "got %v", pt.To)

	f, ok := c.FieldAt(8 * 8)
	require.True(t, ok, "no member at offset 8 in %v", c)

	_, isInt := f.Type.(typ.Int)
	assert.True(t, isInt, "got %v", f.Type)
}
