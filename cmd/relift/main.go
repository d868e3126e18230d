package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp"
	"github.com/relift/relift/decomp/ir"
	"github.com/relift/relift/decomp/typ"
)

func main() {
	decompileCmd := &cli.Command{
		Name:        "decompile",
		Description: "decompile the built-in sample program",
		Action:      decompileAct,
		Args:        cli.Args{},
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "decompile and print the colored listing",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "relift",
		Description: "relift raises machine-level procedures to typed structured code",
		Commands: []*cli.Command{
			decompileCmd,
			dumpCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func decompileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	pr, entry := sample()

	err = pr.Decompile(ctx, entry)
	if err != nil {
		return errors.Wrap(err, "decompile %v", entry.Name)
	}

	for _, p := range pr.Procs {
		fmt.Printf("%s\n", p.Listing())
	}

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	pr, entry := sample()

	err = pr.Decompile(ctx, entry)
	if err != nil {
		return errors.Wrap(err, "decompile %v", entry.Name)
	}

	name := color.New(color.FgCyan, color.Bold)
	kw := color.New(color.FgYellow)
	ty := color.New(color.FgGreen)

	for _, p := range pr.Procs {
		name.Printf("proc %v", p.Name)
		fmt.Printf(" @ 0x%x (%v)\n", p.Addr, p.Status)

		for n, t := range p.Locals {
			ty.Printf("  %v", t)
			fmt.Printf(" %v\n", n)
		}

		for _, l := range strings.Split(p.Listing(), "\n") {
			switch {
			case strings.HasPrefix(l, "proc "):
				continue
			case strings.HasPrefix(l, "block "):
				kw.Println(l)
			default:
				fmt.Println(l)
			}
		}
	}

	return nil
}

// sample is a tiny two-procedure program: main calls max, which
// compares r24 with r25 and leaves the larger one in r24.
func sample() (*decomp.Program, *ir.Proc) {
	pr := decomp.New(decomp.Options{SP: ir.Reg(28)})

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

		ret := &ir.Ret{}
		max.RetSID = g.Add(bx.ID, ret)
	}
	pr.AddProc(max)

	main := ir.NewProc("main", 0x1000)
	{
		g := main.CFG

		b0 := g.NewBlock(0x1000)

		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(24), RHS: ir.Num(3), T: typ.Int{Size: 32}})
		g.Add(b0.ID, &ir.Assign{LHS: ir.Reg(25), RHS: ir.Num(7), T: typ.Int{Size: 32}})
		g.Add(b0.ID, &ir.Call{Dest: ir.Addr(0x2000), Callee: max})

		ret := &ir.Ret{}
		main.RetSID = g.Add(b0.ID, ret)
	}
	pr.AddProc(main)

	return pr, main
}
