// Package ssa places φ-functions, renames locations into SSA form and
// translates out of it again.
package ssa

import (
	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/set"
)

type (
	// Dom is the dominator tree of a CFG plus dominance frontiers,
	// built once per φ-placement round.
	Dom struct {
		g *ir.CFG

		rpo   []ir.BID
		rpon  []int // block -> position in rpo, -1 if unreachable
		idom  []ir.BID
		kids  [][]ir.BID
		front [][]ir.BID
	}
)

// Dominators computes the dominator tree by the iterative scheme over
// reverse postorder, then the dominance frontiers.
func Dominators(g *ir.CFG) *Dom {
	d := &Dom{g: g}

	n := len(g.Blocks)

	d.rpon = make([]int, n)
	for i := range d.rpon {
		d.rpon[i] = -1
	}

	// postorder dfs
	var post []ir.BID
	seen := set.MakeBits[ir.BID]()

	var dfs func(b ir.BID)
	dfs = func(b ir.BID) {
		seen.Set(b)

		for _, s := range g.Blocks[b].Succ {
			if !seen.IsSet(s) {
				dfs(s)
			}
		}

		post = append(post, b)
	}

	dfs(g.Entry)

	d.rpo = make([]ir.BID, 0, len(post))

	for i := len(post) - 1; i >= 0; i-- {
		d.rpon[post[i]] = len(d.rpo)
		d.rpo = append(d.rpo, post[i])
	}

	d.idom = make([]ir.BID, n)
	for i := range d.idom {
		d.idom[i] = -1
	}

	d.idom[g.Entry] = g.Entry

	for changed := true; changed; {
		changed = false

		for _, b := range d.rpo {
			if b == g.Entry {
				continue
			}

			var ni ir.BID = -1

			for _, p := range g.Blocks[b].Pred {
				if d.idom[p] < 0 {
					continue
				}

				if ni < 0 {
					ni = p
				} else {
					ni = d.intersect(ni, p)
				}
			}

			if ni >= 0 && d.idom[b] != ni {
				d.idom[b] = ni
				changed = true
			}
		}
	}

	d.kids = make([][]ir.BID, n)

	for _, b := range d.rpo {
		if b == g.Entry {
			continue
		}

		d.kids[d.idom[b]] = append(d.kids[d.idom[b]], b)
	}

	d.front = make([][]ir.BID, n)

	for _, b := range d.rpo {
		if len(g.Blocks[b].Pred) < 2 {
			continue
		}

		for _, p := range g.Blocks[b].Pred {
			if d.rpon[p] < 0 {
				continue
			}

			for r := p; r != d.idom[b]; r = d.idom[r] {
				d.addFront(r, b)
			}
		}
	}

	return d
}

func (d *Dom) intersect(a, b ir.BID) ir.BID {
	for a != b {
		for d.rpon[a] > d.rpon[b] {
			a = d.idom[a]
		}
		for d.rpon[b] > d.rpon[a] {
			b = d.idom[b]
		}
	}

	return a
}

func (d *Dom) addFront(b, f ir.BID) {
	for _, x := range d.front[b] {
		if x == f {
			return
		}
	}

	d.front[b] = append(d.front[b], f)
}

// Frontier is the dominance frontier of b.
func (d *Dom) Frontier(b ir.BID) []ir.BID {
	return d.front[b]
}

// Children are the blocks immediately dominated by b.
func (d *Dom) Children(b ir.BID) []ir.BID {
	return d.kids[b]
}

// Dominates reports whether a dominates b.
func (d *Dom) Dominates(a, b ir.BID) bool {
	for {
		if a == b {
			return true
		}
		if b == d.g.Entry || d.idom[b] < 0 {
			return false
		}

		b = d.idom[b]
	}
}

// Reachable reports whether b was reached from the entry.
func (d *Dom) Reachable(b ir.BID) bool {
	return d.rpon[b] >= 0
}
