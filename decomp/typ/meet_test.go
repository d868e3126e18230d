package typ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetVoidIdentity(t *testing.T) {
	for _, x := range concrete() {
		r, _ := Meet(Void{}, x)
		assert.True(t, Equal(r, x), "void ∧ %v = %v", x, r)

		r, ch := Meet(x, Void{})
		assert.True(t, Equal(r, x), "%v ∧ void = %v", x, r)
		assert.False(t, ch, "%v ∧ void changed", x)
	}
}

func TestMeetIdempotent(t *testing.T) {
	for _, x := range concrete() {
		r, ch := Meet(x, x)
		assert.True(t, Equal(r, x), "%v ∧ %v = %v", x, x, r)
		assert.False(t, ch, "%v ∧ %v changed", x, x)
	}
}

func TestMeetCommutative(t *testing.T) {
	ts := concrete()

	for _, a := range ts {
		for _, b := range ts {
			if !Compatible(a, b) {
				continue
			}

			x, _ := Meet(a, b)
			y, _ := Meet(b, a)

			assert.True(t, Equal(x, y), "%v ∧ %v: %v != %v", a, b, x, y)
		}
	}
}

func TestMeetInt(t *testing.T) {
	r, ch := Meet(Int{Size: 16, Sign: 1}, Int{Size: 32, Sign: 1})
	assert.True(t, ch)
	assert.True(t, Equal(r, Int{Size: 32, Sign: 1}))

	// signedness is a counter: opposite evidence cancels
	r, _ = Meet(Int{Size: 32, Sign: 1}, Int{Size: 32, Sign: -1})
	require.IsType(t, Int{}, r)
	assert.Equal(t, 0, r.(Int).Sign)
}

func TestMeetCharInt(t *testing.T) {
	r, _ := Meet(Char{}, Int{Size: 32})
	assert.True(t, Equal(r, Int{Size: 32}))

	r, ch := Meet(Char{}, Size{Bits_: 8})
	assert.True(t, Equal(r, Char{}))
	assert.False(t, ch)
}

func TestMeetFloatSize(t *testing.T) {
	r, _ := Meet(Float{Size: 32}, Size{Bits_: 64})
	assert.True(t, Equal(r, Float{Size: 64}))

	r, _ = Meet(Float{Size: 32}, Float{Size: 64})
	assert.True(t, Equal(r, Float{Size: 64}))
}

func TestMeetPtrAlpha(t *testing.T) {
	InitRegistry()
	defer ClearRegistry()

	// a pointer to the wildcard promotes to the other pointer
	r, _ := Meet(Ptr{To: Alpha(0)}, Ptr{To: Int{Size: 32}})
	assert.True(t, Equal(r, Ptr{To: Int{Size: 32}}))

	r, _ = Meet(Ptr{To: Char{}}, Ptr{To: Alpha(1)})
	assert.True(t, Equal(r, Ptr{To: Char{}}))
}

func TestMeetPtrIncompatible(t *testing.T) {
	a := Ptr{To: Float{Size: 64}}
	b := Ptr{To: Func{}}

	r, _ := Meet(a, b)
	_, isUnion := r.(Union)
	assert.True(t, isUnion, "got %v", r)

	PreferHighPtr = true
	defer func() { PreferHighPtr = false }()

	r, _ = Meet(a, b)
	assert.True(t, Equal(r, Ptr{To: Void{}}), "got %v", r)
}

func TestMeetArray(t *testing.T) {
	// arrays subsume their element type
	a := Array{Base: Int{Size: 32}, Len: 10}

	r, ch := Meet(a, Int{Size: 32})
	assert.False(t, ch)
	assert.True(t, Equal(r, a))

	// unbounded degrades to the finite bound
	r, _ = Meet(Array{Base: Int{Size: 32}, Len: -1}, Array{Base: Int{Size: 32}, Len: 8})
	assert.True(t, Equal(r, Array{Base: Int{Size: 32}, Len: 8}))
}

func TestMeetCompoundSuper(t *testing.T) {
	short := Compound{Fields: []Field{
		{Name: "a", Off: 0, Type: Int{Size: 32}},
	}}
	long := Compound{Fields: []Field{
		{Name: "a", Off: 0, Type: Int{Size: 32}},
		{Name: "b", Off: 32, Type: Char{}},
	}}

	r, _ := Meet(short, long)
	assert.True(t, Equal(r, long), "got %v", r)

	r, ch := Meet(long, short)
	assert.True(t, Equal(r, long))
	assert.False(t, ch)
}

func TestMeetUnionAbsorb(t *testing.T) {
	u := Union{Members: []Field{
		{Name: "x0", Type: Int{Size: 32}},
		{Name: "x1", Type: Float{Size: 64}},
	}}

	// a member needing no change absorbs the other side
	r, ch := Meet(u, Int{Size: 32})
	assert.False(t, ch)
	assert.True(t, Equal(r, u))

	// nothing compatible appends a fresh member
	r, _ = Meet(u, Func{})
	ru, ok := r.(Union)
	require.True(t, ok)
	assert.Len(t, ru.Members, 3)
	assert.Equal(t, "x2", ru.Members[2].Name)
}

func TestMeetSizeWiden(t *testing.T) {
	r, _ := Meet(Size{Bits_: 16}, Size{Bits_: 32})
	assert.True(t, Equal(r, Size{Bits_: 32}))

	r, _ = Meet(Int{Size: 0, Sign: 1}, Size{Bits_: 32})
	assert.True(t, Equal(r, Int{Size: 32, Sign: 1}))
}

func TestMeetNamed(t *testing.T) {
	InitRegistry()
	defer ClearRegistry()

	Define("word", Int{Size: 32})

	// the meet keeps the name when resolution is unchanged
	r, _ := Meet(Named{Name: "word"}, Int{Size: 16})
	assert.True(t, Equal(r, Named{Name: "word"}), "got %v", r)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(Int{Size: 32}, Int{Size: 16}))
	assert.True(t, Compatible(Void{}, Func{}))
	assert.False(t, Compatible(Float{Size: 64}, Func{}))
}

func concrete() []Type {
	return []Type{
		Int{Size: 8, Sign: -1},
		Int{Size: 32, Sign: 1},
		Int{Size: 64},
		Float{Size: 32},
		Float{Size: 64},
		Boolean{},
		Char{},
		Ptr{To: Int{Size: 32}},
		Ptr{To: Char{}},
		Array{Base: Int{Size: 32}, Len: 4},
		Compound{Fields: []Field{{Name: "a", Off: 0, Type: Int{Size: 32}}}},
		Size{Bits_: 32},
	}
}
