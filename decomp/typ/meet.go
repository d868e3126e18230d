package typ

import (
	"fmt"

	"tlog.app/go/tlog"
)

// PreferHighPtr makes the meet of incompatible pointers return a common
// supertype pointer instead of a union. Set once from program options
// before analysis starts.
var PreferHighPtr bool

// Meet is the lattice meet: the most informative type compatible with
// both operands. Void is the identity. The flag reports whether the
// result differs from a.
func Meet(a, b Type) (Type, bool) {
	r := meet(a, b)

	return r, !Equal(r, a)
}

// Compatible reports whether meeting a with b would not produce a union
// (or grow one of them when it already is a union).
func Compatible(a, b Type) bool {
	r := meet(a, b)

	u, ok := r.(Union)
	if !ok {
		return true
	}

	if ua, ok := a.(Union); ok {
		return len(u.Members) == len(ua.Members)
	}
	if ub, ok := b.(Union); ok {
		return len(u.Members) == len(ub.Members)
	}

	return false
}

func meet(a, b Type) Type {
	if _, ok := a.(Void); ok {
		return b
	}
	if _, ok := b.(Void); ok {
		return a
	}

	if n, ok := a.(Named); ok && !IsAlpha(n) {
		res, ok := Resolve(n.Name)
		if !ok {
			return createUnion(a, b)
		}

		r := meet(res, b)
		if Equal(r, res) {
			return n
		}

		return r
	}
	if n, ok := b.(Named); ok && !IsAlpha(n) {
		return meet(b, a)
	}

	if u, ok := a.(Union); ok {
		return meetUnion(u, b)
	}
	if u, ok := b.(Union); ok {
		return meetUnion(u, a)
	}

	// Arrays subsume their element type, keep them on the left.
	if _, ok := a.(Array); !ok {
		if _, ok := b.(Array); ok {
			return meet(b, a)
		}
	}

	switch a := a.(type) {
	case Int:
		switch b := b.(type) {
		case Int:
			return Int{Size: maxi(a.Size, b.Size), Sign: a.Sign + b.Sign}
		case Char:
			return Int{Size: maxi(a.Size, 8), Sign: a.Sign}
		case Boolean:
			return a
		case Size:
			if a.Size == 0 {
				return Int{Size: b.Bits_, Sign: a.Sign}
			}

			return Int{Size: maxi(a.Size, b.Bits_), Sign: a.Sign}
		}
	case Float:
		switch b := b.(type) {
		case Float:
			return Float{Size: maxi(a.Size, b.Size)}
		case Size:
			return Float{Size: maxi(a.Size, b.Bits_)}
		}
	case Boolean:
		switch b := b.(type) {
		case Boolean:
			return a
		case Int:
			return b
		case Size:
			if b.Bits_ <= 1 {
				return a
			}
		}
	case Char:
		switch b := b.(type) {
		case Char:
			return a
		case Int:
			return Int{Size: maxi(8, b.Size), Sign: b.Sign}
		case Size:
			if b.Bits_ == 8 {
				return a
			}
		}
	case Ptr:
		switch b := b.(type) {
		case Ptr:
			return meetPtr(a, b)
		case Size:
			return a
		}
	case Array:
		switch b := b.(type) {
		case Array:
			return meetArray(a, b)
		default:
			// Arrays subsume their element type.
			if Compatible(a.Base, b) {
				base := meet(a.Base, b)
				return Array{Base: base, Len: a.Len}
			}
		}
	case Compound:
		switch b := b.(type) {
		case Compound:
			if _, super, ok := superStructure(a, b); ok {
				return super
			}
		case Size:
			if a.Bits() == b.Bits_ {
				return a
			}
		}
	case Func:
		if b, ok := b.(Func); ok && Equal(a, b) {
			return a
		}
	case Named: // alpha
		return b
	case Size:
		switch b := b.(type) {
		case Size:
			return Size{Bits_: maxi(a.Bits_, b.Bits_)}
		default:
			return meet(b, a)
		}
	case Upper:
		if b, ok := b.(Upper); ok {
			return Upper{Base: meet(a.Base, b.Base)}
		}
	case Lower:
		if b, ok := b.(Lower); ok {
			return Lower{Base: meet(a.Base, b.Base)}
		}
	}

	// Kinds without their own Size case absorb a Size on the right that
	// is no wider than they are, or when their own size is unknown. They
	// are not widened: a wider Size makes a union.
	if s, ok := b.(Size); ok {
		if a.Bits() >= s.Bits_ || a.Bits() == 0 {
			return a
		}
	}

	return createUnion(a, b)
}

func meetPtr(a, b Ptr) Type {
	if IsAlpha(a.To) {
		return b
	}
	if IsAlpha(b.To) {
		return a
	}

	if Compatible(a.To, b.To) {
		return Ptr{To: meet(a.To, b.To)}
	}

	if PreferHighPtr {
		return Ptr{To: Void{}}
	}

	return createUnion(a, b)
}

func meetArray(a, b Array) Type {
	base := meet(a.Base, b.Base)

	alen, blen := a.Len, b.Len

	// Preserve byte size when the base changed under us.
	if bs := base.Bits(); bs != 0 {
		if a.Len >= 0 && a.Base.Bits() != bs {
			alen = a.Len * a.Base.Bits() / bs
		}
		if b.Len >= 0 && b.Base.Bits() != bs {
			blen = b.Len * b.Base.Bits() / bs
		}
	}

	l := alen
	if l < 0 || (blen >= 0 && blen < l) {
		l = blen
	}

	return Array{Base: base, Len: l}
}

// superStructure reports whether one compound is a prefix of the other:
// same types at the same offsets, one longer. Returns the longer one.
func superStructure(a, b Compound) (sub, super Compound, ok bool) {
	sub, super = a, b
	if len(a.Fields) > len(b.Fields) {
		sub, super = b, a
	}

	for i, f := range sub.Fields {
		g := super.Fields[i]

		if f.Off != g.Off || !Equal(f.Type, g.Type) {
			return sub, super, false
		}
	}

	return sub, super, true
}

func meetUnion(u Union, t Type) Type {
	if ut, ok := t.(Union); ok {
		r := Type(u)

		for _, m := range ut.Members {
			r = meet(r, m.Type)
		}

		return r
	}

	// A member that needs no change absorbs t.
	for _, m := range u.Members {
		r := meet(m.Type, t)
		if Equal(r, m.Type) {
			return u
		}
	}

	// Pick the compatible member whose meet reads shortest in C.
	best := -1
	var bestT Type

	for i, m := range u.Members {
		if !Compatible(m.Type, t) {
			continue
		}

		r := meet(m.Type, t)
		if best < 0 || len(r.String()) < len(bestT.String()) {
			best, bestT = i, r
		}
	}

	members := make([]Field, len(u.Members))
	copy(members, u.Members)

	if best >= 0 {
		members[best].Type = bestT

		return Union{Members: members}
	}

	members = append(members, Field{
		Name: fmt.Sprintf("x%d", len(members)),
		Type: t,
	})

	return Union{Members: members}
}

func createUnion(a, b Type) Type {
	tlog.V("typeconflict").Printw("meet made a union", "a", a, "b", b)

	return Union{Members: []Field{
		{Name: "x0", Type: a},
		{Name: "x1", Type: b},
	}}
}

func maxi(a, b int) int {
	if a > b {
		return a
	}

	return b
}
