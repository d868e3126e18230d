package typ

import (
	"fmt"
	"strings"
)

type (
	// Type is the tagged sum of recovered types. Void is the lattice top,
	// Union is the join of otherwise incompatible types.
	Type interface {
		// Bits is the size in bits, 0 when unknown.
		Bits() int

		String() string
	}

	Void struct{}

	// Int signedness is a counter: positive means evidence for signed,
	// negative for unsigned, zero is unknown.
	Int struct {
		Size int
		Sign int
	}

	Float struct {
		Size int
	}

	Boolean struct{}

	Char struct{}

	Ptr struct {
		To Type
	}

	// Array with Len < 0 is unbounded. An unbounded array degrades to a
	// finite bound when used in a bounded context.
	Array struct {
		Base Type
		Len  int
	}

	Field struct {
		Name string
		Off  int // bit offset
		Type Type
	}

	Compound struct {
		Fields  []Field
		Generic bool
	}

	Union struct {
		Members []Field
	}

	Func struct {
		Params []Type
		Ret    []Type
	}

	// Named resolves through the process-wide registry.
	Named struct {
		Name string
	}

	// Size carries size information only, before the kind is known.
	Size struct {
		Bits_ int
	}

	Upper struct {
		Base Type
	}

	Lower struct {
		Base Type
	}
)

func (Void) Bits() int    { return 0 }
func (t Int) Bits() int   { return t.Size }
func (t Float) Bits() int { return t.Size }
func (Boolean) Bits() int { return 1 }
func (Char) Bits() int    { return 8 }
func (Ptr) Bits() int     { return 32 }

func (t Array) Bits() int {
	if t.Len < 0 {
		return t.Base.Bits()
	}

	return t.Base.Bits() * t.Len
}

func (t Compound) Bits() (r int) {
	for _, f := range t.Fields {
		r += f.Type.Bits()
	}

	return r
}

func (t Union) Bits() (r int) {
	for _, m := range t.Members {
		if s := m.Type.Bits(); s > r {
			r = s
		}
	}

	return r
}

func (Func) Bits() int   { return 0 }
func (t Named) Bits() int {
	if r, ok := Resolve(t.Name); ok {
		return r.Bits()
	}

	return 0
}
func (t Size) Bits() int  { return t.Bits_ }
func (t Upper) Bits() int { return t.Base.Bits() / 2 }
func (t Lower) Bits() int { return t.Base.Bits() / 2 }

// FieldAt finds the field containing bit offset off, descending one
// level only.
func (t Compound) FieldAt(off int) (Field, bool) {
	for _, f := range t.Fields {
		if off >= f.Off && off < f.Off+f.Type.Bits() {
			return f, true
		}
	}

	return Field{}, false
}

// Equal is structural equality. Named types compare by name.
func Equal(a, b Type) bool {
	switch a := a.(type) {
	case Void:
		_, ok := b.(Void)
		return ok
	case Int:
		x, ok := b.(Int)
		return ok && a.Size == x.Size && sign(a.Sign) == sign(x.Sign)
	case Float:
		x, ok := b.(Float)
		return ok && a.Size == x.Size
	case Boolean:
		_, ok := b.(Boolean)
		return ok
	case Char:
		_, ok := b.(Char)
		return ok
	case Ptr:
		x, ok := b.(Ptr)
		return ok && Equal(a.To, x.To)
	case Array:
		x, ok := b.(Array)
		return ok && a.Len == x.Len && Equal(a.Base, x.Base)
	case Compound:
		x, ok := b.(Compound)
		if !ok || len(a.Fields) != len(x.Fields) {
			return false
		}

		for i, f := range a.Fields {
			if f.Off != x.Fields[i].Off || !Equal(f.Type, x.Fields[i].Type) {
				return false
			}
		}

		return true
	case Union:
		x, ok := b.(Union)
		if !ok || len(a.Members) != len(x.Members) {
			return false
		}

		for i, m := range a.Members {
			if !Equal(m.Type, x.Members[i].Type) {
				return false
			}
		}

		return true
	case Func:
		x, ok := b.(Func)
		if !ok || len(a.Params) != len(x.Params) || len(a.Ret) != len(x.Ret) {
			return false
		}

		for i := range a.Params {
			if !Equal(a.Params[i], x.Params[i]) {
				return false
			}
		}

		for i := range a.Ret {
			if !Equal(a.Ret[i], x.Ret[i]) {
				return false
			}
		}

		return true
	case Named:
		x, ok := b.(Named)
		return ok && a.Name == x.Name
	case Size:
		x, ok := b.(Size)
		return ok && a.Bits_ == x.Bits_
	case Upper:
		x, ok := b.(Upper)
		return ok && Equal(a.Base, x.Base)
	case Lower:
		x, ok := b.(Lower)
		return ok && Equal(a.Base, x.Base)
	default:
		panic(a)
	}
}

func sign(s int) int {
	switch {
	case s > 0:
		return 1
	case s < 0:
		return -1
	}

	return 0
}

func (Void) String() string { return "void" }

func (t Int) String() string {
	u := ""
	if t.Sign < 0 {
		u = "unsigned "
	}

	switch t.Size {
	case 8:
		return u + "char"
	case 16:
		return u + "short"
	case 64:
		return u + "long long"
	default:
		return u + "int"
	}
}

func (t Float) String() string {
	if t.Size == 64 {
		return "double"
	}

	return "float"
}

func (Boolean) String() string { return "bool" }
func (Char) String() string    { return "char" }

func (t Ptr) String() string { return t.To.String() + " *" }

func (t Array) String() string {
	if t.Len < 0 {
		return t.Base.String() + "[]"
	}

	return fmt.Sprintf("%v[%d]", t.Base, t.Len)
}

func (t Compound) String() string {
	var b strings.Builder

	b.WriteString("struct { ")

	for _, f := range t.Fields {
		fmt.Fprintf(&b, "%v %v; ", f.Type, f.Name)
	}

	b.WriteString("}")

	return b.String()
}

func (t Union) String() string {
	var b strings.Builder

	b.WriteString("union { ")

	for _, m := range t.Members {
		fmt.Fprintf(&b, "%v %v; ", m.Type, m.Name)
	}

	b.WriteString("}")

	return b.String()
}

func (t Func) String() string {
	var b strings.Builder

	if len(t.Ret) == 0 {
		b.WriteString("void")
	} else {
		b.WriteString(t.Ret[0].String())
	}

	b.WriteString(" (*)(")

	for i, p := range t.Params {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(p.String())
	}

	b.WriteString(")")

	return b.String()
}

func (t Named) String() string { return t.Name }
func (t Size) String() string  { return fmt.Sprintf("__size%d", t.Bits_) }
func (t Upper) String() string { return fmt.Sprintf("upper(%v)", t.Base) }
func (t Lower) String() string { return fmt.Sprintf("lower(%v)", t.Base) }
