package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Listing renders the numbered statement list of the procedure, the
// way analysis dumps look in the debug log.
func (p *Proc) Listing() string {
	var b strings.Builder

	fmt.Fprintf(&b, "proc %v @ 0x%x  (%v)\n", p.Name, p.Addr, p.Status)

	if len(p.Params) != 0 {
		b.WriteString("  params:")

		for _, id := range p.Params {
			fmt.Fprintf(&b, " %v", Def(p.CFG.Stmt(id)))
		}

		b.WriteString("\n")
	}

	if len(p.Locals) != 0 {
		names := make([]string, 0, len(p.Locals))
		for n := range p.Locals {
			names = append(names, n)
		}

		sort.Strings(names)

		b.WriteString("  locals:")

		for _, n := range names {
			fmt.Fprintf(&b, " %v %v;", p.Locals[n], n)
		}

		b.WriteString("\n")
	}

	for _, bl := range p.CFG.Blocks {
		fmt.Fprintf(&b, "block %d @ 0x%x", bl.ID, bl.Addr)

		if len(bl.Succ) != 0 {
			b.WriteString("  ->")

			for _, s := range bl.Succ {
				fmt.Fprintf(&b, " %d", s)
			}
		}

		b.WriteString("\n")

		for _, id := range bl.Stmts {
			fmt.Fprintf(&b, "  %v\n", p.CFG.Stmt(id))
		}
	}

	return b.String()
}
