package ir

import (
	"sort"
)

type (
	// EdgeKind types the outgoing edges of a block.
	EdgeKind int

	// Block is a basic block: a run of statement indices with typed
	// outgoing edges.
	Block struct {
		ID   BID
		Addr uint64
		Kind EdgeKind

		Stmts []SID

		Succ []BID
		Pred []BID
	}

	// CFG owns the procedure's statements in a contiguous arena and
	// hands out stable indices. Refs store SIDs, never pointers, so the
	// arena can be appended to freely.
	CFG struct {
		Proc *Proc

		Stmts  []Stmt
		Blocks []*Block

		Entry BID

		// implicit definition registry, keyed by location
		implicits map[string]SID
	}
)

const (
	EdgeFall EdgeKind = iota
	EdgeBranch
	EdgeComputed
	EdgeCall
	EdgeRet
)

func NewCFG(p *Proc) *CFG {
	g := &CFG{
		Proc:      p,
		Entry:     -1,
		implicits: map[string]SID{},
	}

	return g
}

// NewBlock appends an empty block. The first block becomes the entry.
func (g *CFG) NewBlock(addr uint64) *Block {
	b := &Block{
		ID:   BID(len(g.Blocks)),
		Addr: addr,
	}

	g.Blocks = append(g.Blocks, b)

	if g.Entry < 0 {
		g.Entry = b.ID
	}

	return b
}

// Link adds the edge a → b.
func (g *CFG) Link(a, b BID) {
	g.Blocks[a].Succ = append(g.Blocks[a].Succ, b)
	g.Blocks[b].Pred = append(g.Blocks[b].Pred, a)
}

// Add appends a statement to block b and the arena, returning its SID.
func (g *CFG) Add(b BID, s Stmt) SID {
	id := SID(len(g.Stmts))

	g.Stmts = append(g.Stmts, s)

	base := s.base()
	base.Block = b
	base.Proc = g.Proc

	g.Blocks[b].Stmts = append(g.Blocks[b].Stmts, id)

	return id
}

// Insert places a statement at position pos in block b.
func (g *CFG) Insert(b BID, pos int, s Stmt) SID {
	id := SID(len(g.Stmts))

	g.Stmts = append(g.Stmts, s)

	base := s.base()
	base.Block = b
	base.Proc = g.Proc

	bl := g.Blocks[b]
	bl.Stmts = append(bl.Stmts, 0)
	copy(bl.Stmts[pos+1:], bl.Stmts[pos:])
	bl.Stmts[pos] = id

	return id
}

// Remove drops a statement from its block. The arena slot stays (SIDs
// are stable); the statement just becomes unreachable from iteration.
func (g *CFG) Remove(id SID) {
	s := g.Stmts[id]
	bl := g.Blocks[s.base().Block]

	for i, x := range bl.Stmts {
		if x != id {
			continue
		}

		bl.Stmts = append(bl.Stmts[:i], bl.Stmts[i+1:]...)

		return
	}

	panic("statement not in its owning block")
}

func (g *CFG) Stmt(id SID) Stmt {
	return g.Stmts[id]
}

// SIDOf finds the arena index of a statement. Panics when the
// statement is not in the arena.
func (g *CFG) SIDOf(s Stmt) SID {
	for _, id := range g.Blocks[s.base().Block].Stmts {
		if g.Stmts[id] == s {
			return id
		}
	}

	panic("statement not in its owning block")
}

// Implicit returns the implicit definition for location e, creating it
// at the head of the entry block on first use. Implicit definitions
// keep sequence number 0.
func (g *CFG) Implicit(e Exp) SID {
	k := Key(e)

	if id, ok := g.implicits[k]; ok {
		return id
	}

	id := g.Insert(g.Entry, 0, &Implicit{LHS: Base(e)})
	g.implicits[k] = id

	return id
}

// Implicits lists the implicit definitions in entry-block order; each
// is inserted at the head, so the most recently placed comes first.
func (g *CFG) Implicits() []SID {
	var r []SID

	for _, id := range g.Blocks[g.Entry].Stmts {
		if _, ok := g.Stmts[id].(*Implicit); ok {
			r = append(r, id)
		}
	}

	return r
}

// ImplicitOf finds an existing implicit definition without creating
// one.
func (g *CFG) ImplicitOf(e Exp) (SID, bool) {
	id, ok := g.implicits[Key(e)]
	return id, ok
}

// SortByAddr orders blocks by native address, keeping the entry first.
func (g *CFG) SortByAddr() {
	if len(g.Blocks) == 0 {
		return
	}

	entry := g.Blocks[g.Entry]

	sort.SliceStable(g.Blocks, func(i, j int) bool {
		if g.Blocks[i] == entry {
			return true
		}
		if g.Blocks[j] == entry {
			return false
		}

		return g.Blocks[i].Addr < g.Blocks[j].Addr
	})

	// Block IDs are positional; remap edges after the sort.
	old2new := make([]BID, len(g.Blocks))

	for i, b := range g.Blocks {
		old2new[b.ID] = BID(i)
	}

	for i, b := range g.Blocks {
		b.ID = BID(i)

		for j := range b.Succ {
			b.Succ[j] = old2new[b.Succ[j]]
		}
		for j := range b.Pred {
			b.Pred[j] = old2new[b.Pred[j]]
		}

		for _, id := range b.Stmts {
			g.Stmts[id].base().Block = b.ID
		}
	}

	g.Entry = old2new[g.Entry]
}

// Renumber assigns fresh sequence numbers in block order. Implicit
// definitions stay at 0.
func (g *CFG) Renumber() {
	n := 1

	for _, b := range g.Blocks {
		for _, id := range b.Stmts {
			s := g.Stmts[id]

			if _, ok := s.(*Implicit); ok {
				s.base().Num = 0
				continue
			}

			s.base().Num = n
			n++
		}
	}
}

// Range visits every statement in block order. Returning false stops.
func (g *CFG) Range(f func(id SID, s Stmt) bool) {
	for _, b := range g.Blocks {
		for _, id := range b.Stmts {
			if !f(id, g.Stmts[id]) {
				return
			}
		}
	}
}

// Calls lists the call statements in block order.
func (g *CFG) Calls() []*Call {
	var r []*Call

	g.Range(func(id SID, s Stmt) bool {
		if c, ok := s.(*Call); ok {
			r = append(r, c)
		}

		return true
	})

	return r
}

// Return finds the procedure's return statement.
func (g *CFG) Return() (SID, *Ret) {
	var rid SID = None
	var ret *Ret

	g.Range(func(id SID, s Stmt) bool {
		if r, ok := s.(*Ret); ok {
			rid, ret = id, r
			return false
		}

		return true
	})

	return rid, ret
}

// Clear drops everything, keeping the proc link. Used when an indirect
// jump resolves mid-analysis and the procedure must be re-decoded.
func (g *CFG) Clear() {
	g.Stmts = nil
	g.Blocks = nil
	g.Entry = -1
	g.implicits = map[string]SID{}
}
