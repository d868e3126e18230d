package ir

import (
	"fmt"

	"github.com/relift/relift/decomp/typ"
)

type (
	// Status is the procedure analysis state machine.
	Status int

	// Symbol is one symbol-map entry: a location expression mapped to a
	// name at a type. The map is multi-valued on the expression so the
	// same location can carry different types.
	Symbol struct {
		E    Exp
		Name string
		T    typ.Type
	}

	// Signature is what the ABI database knows about a procedure:
	// parameter and return types by location, the preserved-location
	// set, and the parameter ordering comparator.
	Signature struct {
		Params    []Arg
		Rets      []Arg
		Preserved []Exp

		// ArgCompare orders parameters; assumed a total order, not
		// enforced.
		ArgCompare func(a, b Exp) int
	}

	// ProcSet is an insertion-ordered set of procedures. Recursion
	// group members share one pointer-identical set; any update is
	// visible to all members.
	ProcSet struct {
		procs []*Proc
		idx   map[*Proc]struct{}
	}

	// Proc is one procedure under decompilation. It owns its CFG and
	// statements transitively; the cycle group set is shared.
	Proc struct {
		Name string
		Addr uint64

		Status Status

		CFG *CFG
		Sig Signature

		// Lib marks an external library procedure: no body, semantics
		// come from the signature alone.
		Lib bool

		// Symbols maps expression keys to symbol entries, multi-valued
		// to allow the same location at different types.
		Symbols map[string][]Symbol

		// Locals names local variables recovered from the frame.
		Locals map[string]typ.Type

		// Params are implicit assignments at entry, ordered by the
		// signature comparator.
		Params []SID

		// RetSID is the return statement, at most one.
		RetSID SID

		// ProvenTrue caches equations proven to hold at exit,
		// keyed by the left side. Positive results only.
		ProvenTrue map[string]Exp

		// Premises are recurrence assumptions made while proving
		// through the recursion group, discharged when it completes.
		Premises map[string]Exp

		// Cycle is the recursion group, nil outside any cycle.
		Cycle *ProcSet

		// CallUses collects the locations this procedure's callers
		// consume after calls to it, keyed by location.
		CallUses map[string][]Exp

		// Callers lists the call statements targeting this procedure.
		Callers []*Call

		// fresh-name counters, per procedure
		nextLocal int
		nextParam int
		nextAlpha int
	}
)

const (
	Undecoded Status = iota
	Visited
	InCycle
	Preserveds
	EarlyDone
	Final
	CodeGenerated
)

func (s Status) String() string {
	switch s {
	case Undecoded:
		return "undecoded"
	case Visited:
		return "visited"
	case InCycle:
		return "incycle"
	case Preserveds:
		return "preserveds"
	case EarlyDone:
		return "earlydone"
	case Final:
		return "final"
	case CodeGenerated:
		return "codegen"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func NewProc(name string, addr uint64) *Proc {
	p := &Proc{
		Name:       name,
		Addr:       addr,
		RetSID:     None,
		Symbols:    map[string][]Symbol{},
		Locals:     map[string]typ.Type{},
		ProvenTrue: map[string]Exp{},
		Premises:   map[string]Exp{},
		CallUses:   map[string][]Exp{},
	}

	p.CFG = NewCFG(p)

	return p
}

// NewLocal allocates a fresh local name at type t.
func (p *Proc) NewLocal(t typ.Type) string {
	name := fmt.Sprintf("local%d", p.nextLocal)
	p.nextLocal++

	p.Locals[name] = t

	return name
}

// NewParamName allocates a fresh parameter name.
func (p *Proc) NewParamName() string {
	name := fmt.Sprintf("param%d", p.nextParam)
	p.nextParam++

	return name
}

// NewAlpha allocates a fresh pointer wildcard for this proc.
func (p *Proc) NewAlpha() typ.Named {
	a := typ.Alpha(p.nextAlpha)
	p.nextAlpha++

	return a
}

// AddSymbol records that expression e is known by name at type t.
// The same expression may map to several names at different types.
func (p *Proc) AddSymbol(e Exp, name string, t typ.Type) {
	k := Key(e)

	for _, s := range p.Symbols[k] {
		if s.Name == name && typ.Equal(s.T, t) {
			return
		}
	}

	p.Symbols[k] = append(p.Symbols[k], Symbol{E: Base(e), Name: name, T: t})
}

// SymbolFor finds the best symbol for e: the one whose type is
// compatible with t, or the first otherwise.
func (p *Proc) SymbolFor(e Exp, t typ.Type) (Symbol, bool) {
	ss := p.Symbols[Key(e)]
	if len(ss) == 0 {
		return Symbol{}, false
	}

	for _, s := range ss {
		if typ.Compatible(s.T, t) {
			return s, true
		}
	}

	return ss[0], true
}

// InsertParameter places the implicit assignment id into the parameter
// list, ordered by the signature comparator: a linear scan inserting
// before the first parameter that compares greater.
func (p *Proc) InsertParameter(id SID) {
	e := Def(p.CFG.Stmt(id))

	for _, q := range p.Params {
		if q == id {
			return
		}
	}

	cmp := p.Sig.ArgCompare
	if cmp == nil {
		cmp = Compare
	}

	at := len(p.Params)

	for i, q := range p.Params {
		if cmp(Def(p.CFG.Stmt(q)), e) > 0 {
			at = i
			break
		}
	}

	p.Params = append(p.Params, 0)
	copy(p.Params[at+1:], p.Params[at:])
	p.Params[at] = id
}

// RemoveParameter drops the parameter defined by id.
func (p *Proc) RemoveParameter(id SID) {
	for i, q := range p.Params {
		if q != id {
			continue
		}

		p.Params = append(p.Params[:i], p.Params[i+1:]...)

		return
	}
}

// Ret returns the procedure's return statement, nil when it has none.
func (p *Proc) Ret() *Ret {
	if p.RetSID == None {
		return nil
	}

	r, ok := p.CFG.Stmt(p.RetSID).(*Ret)
	if !ok {
		panic("return SID does not point at a return")
	}

	return r
}

// Preserved reports whether location e is proven to hold the same
// value on exit as on entry. Library procedures answer from their
// signature's preserved set.
func (p *Proc) Preserved(e Exp) bool {
	if r, ok := p.ProvenTrue[Key(e)]; ok {
		return Eq(Base(r), Base(e))
	}

	if p.Lib {
		for _, x := range p.Sig.Preserved {
			if Eq(Base(x), Base(e)) {
				return true
			}
		}
	}

	return false
}

func NewProcSet(procs ...*Proc) *ProcSet {
	s := &ProcSet{idx: map[*Proc]struct{}{}}

	for _, p := range procs {
		s.Add(p)
	}

	return s
}

func (s *ProcSet) Add(p *Proc) {
	if _, ok := s.idx[p]; ok {
		return
	}

	s.idx[p] = struct{}{}
	s.procs = append(s.procs, p)
}

func (s *ProcSet) Has(p *Proc) bool {
	if s == nil {
		return false
	}

	_, ok := s.idx[p]

	return ok
}

// Union merges x into s, preserving insertion order of both.
func (s *ProcSet) Union(x *ProcSet) {
	if x == nil {
		return
	}

	for _, p := range x.procs {
		s.Add(p)
	}
}

// List is the members in insertion order. Callers must not mutate it.
func (s *ProcSet) List() []*Proc {
	if s == nil {
		return nil
	}

	return s.procs
}

func (s *ProcSet) Len() int {
	if s == nil {
		return 0
	}

	return len(s.procs)
}
