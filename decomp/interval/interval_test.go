package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/relift/relift/decomp/typ"
)

func TestAddAndFind(t *testing.T) {
	m := &Map{}

	err := m.Add(0x100, "a", typ.Int{Size: 32})
	require.NoError(t, err)

	err = m.Add(0x108, "b", typ.Float{Size: 64})
	require.NoError(t, err)

	it, ok := m.Find(0x102)
	require.True(t, ok)
	assert.Equal(t, "a", it.Name)

	it, ok = m.Find(0x10c)
	require.True(t, ok)
	assert.Equal(t, "b", it.Name)

	_, ok = m.Find(0x104)
	assert.False(t, ok)
}

func TestWeave(t *testing.T) {
	m := &Map{}

	err := m.Add(0x100, "a", typ.Int{Size: 32})
	require.NoError(t, err)

	// 0x102..0x106 weaves into 0x100..0x104
	err = m.Add(0x102, "b", typ.Int{Size: 32})
	assert.True(t, errors.Is(err, ErrTypeWeave))

	// the map is unchanged: the first entry remains alone
	require.Equal(t, 1, m.Len())
	assert.Equal(t, "a", m.Items()[0].Name)
}

func TestEqualRangeMeets(t *testing.T) {
	m := &Map{}

	require.NoError(t, m.Add(0x100, "a", typ.Int{Size: 32}))
	require.NoError(t, m.Add(0x100, "a", typ.Size{Bits_: 32}))

	require.Equal(t, 1, m.Len())
	assert.True(t, typ.Equal(m.Items()[0].Type, typ.Int{Size: 32}))
}

func TestContainedDescends(t *testing.T) {
	m := &Map{}

	comp := typ.Compound{Fields: []typ.Field{
		{Name: "a", Off: 0, Type: typ.Int{Size: 32}},
		{Name: "b", Off: 32, Type: typ.Size{Bits_: 32}},
	}}

	require.NoError(t, m.Add(0x100, "s", comp))

	// refine the second field through a contained insertion
	require.NoError(t, m.Add(0x104, "f", typ.Float{Size: 32}))

	require.Equal(t, 1, m.Len())

	got, ok := m.Items()[0].Type.(typ.Compound)
	require.True(t, ok)
	assert.True(t, typ.Equal(got.Fields[1].Type, typ.Float{Size: 32}),
		"got %v", got.Fields[1].Type)
}

func TestContainingMerges(t *testing.T) {
	m := &Map{}

	require.NoError(t, m.Add(0x100, "a", typ.Size{Bits_: 32}))
	require.NoError(t, m.Add(0x104, "b", typ.Size{Bits_: 32}))

	arr := typ.Array{Base: typ.Int{Size: 32}, Len: 4}

	require.NoError(t, m.Add(0x100, "arr", arr))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, "arr", m.Items()[0].Name)
	assert.Equal(t, 16, m.Items()[0].Size)
}

func TestNoOverlapInvariant(t *testing.T) {
	m := &Map{}

	addrs := []uint64{0x100, 0x104, 0x102, 0x110, 0x10c, 0x108, 0x111}

	for _, a := range addrs {
		_ = m.Add(a, "x", typ.Int{Size: 32})
	}

	items := m.Items()

	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].end(), items[i].Start,
			"%v overlaps %v", items[i-1], items[i])
	}
}
