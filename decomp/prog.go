// Package decomp is the decompilation core: the per-procedure pipeline
// and the call-graph driver that schedules it, discovering recursion
// groups on the fly.
package decomp

import (
	"fmt"

	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/interval"
	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

type (
	// Options tune the analysis. No environment variables are
	// consulted. The relift command exposes no flags for these; it sets
	// SP only.
	Options struct {
		// MaxDecompileDepth bounds the driver's DFS, 0 for no bound.
		MaxDecompileDepth int

		// PreferHighPtr makes incompatible pointer meets return a
		// common supertype pointer instead of a union.
		PreferHighPtr bool

		// SP is the stack pointer register.
		SP ir.Reg
	}

	// Image is the loader's view of the binary: a read-only byte
	// image used to inline constants from read-only sections.
	Image interface {
		ReadOnly(addr uint64) bool
		Word(addr uint64, size int) (uint64, bool)
	}

	// Program owns the procedures and the global address space.
	Program struct {
		Opts  Options
		Image Image

		// Redecode rebuilds a procedure's CFG after a switch
		// discovery invalidated it.
		Redecode Redecoder

		Procs []*ir.Proc

		byAddr map[uint64]*ir.Proc
		byName map[string]*ir.Proc

		// Globals is the program-wide data layout. Mutated only by
		// GlobalUsed calls from the type analyzer.
		Globals *interval.Map

		nextGlobal int
	}
)

func New(opts Options) *Program {
	typ.PreferHighPtr = opts.PreferHighPtr

	return &Program{
		Opts:    opts,
		byAddr:  map[uint64]*ir.Proc{},
		byName:  map[string]*ir.Proc{},
		Globals: &interval.Map{},
	}
}

// AddProc registers a procedure with the program.
func (pr *Program) AddProc(p *ir.Proc) {
	pr.Procs = append(pr.Procs, p)
	pr.byAddr[p.Addr] = p
	pr.byName[p.Name] = p
}

func (pr *Program) ProcByAddr(addr uint64) *ir.Proc {
	return pr.byAddr[addr]
}

func (pr *Program) ProcByName(name string) *ir.Proc {
	return pr.byName[name]
}

// SP is the stack pointer expression.
func (pr *Program) SP() ir.Exp {
	return pr.Opts.SP
}

// GlobalUsed records that the global at addr is used at type t,
// naming it on first use. Existing entries meet with the new type;
// weave conflicts are logged by the interval map and the existing
// entry kept.
func (pr *Program) GlobalUsed(addr uint64, t typ.Type) ir.Exp {
	if it, ok := pr.Globals.Find(addr); ok {
		_ = pr.Globals.Add(addr, it.Name, t)

		if it, ok = pr.Globals.Find(addr); ok {
			return ir.Loc{Kind: ir.LocGlobal, Name: it.Name}
		}
	}

	name := fmt.Sprintf("g%d", pr.nextGlobal)
	pr.nextGlobal++

	err := pr.Globals.Add(addr, name, t)
	if err != nil {
		tlog.V("globals").Printw("global not placed", "addr", addr, "err", err)

		return ir.MemOf{X: ir.Addr(addr)}
	}

	return ir.Loc{Kind: ir.LocGlobal, Name: name}
}
