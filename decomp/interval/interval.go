// Package interval tracks typed memory regions of an address space.
// The program keeps its global layout in one; procedures keep no
// stack-frame map. Entries never
// overlap; insertions that would weave two regions together are
// rejected.
package interval

import (
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/relift/relift/decomp/typ"
)

type (
	// Item is one typed region: [Start, Start+Size) bytes named Name.
	Item struct {
		Start uint64
		Size  int
		Name  string
		Type  typ.Type
	}

	// Map is an address-keyed ordered map of typed regions.
	Map struct {
		items []Item
	}
)

// ErrTypeWeave is returned when an insertion would span two existing
// entries without containing either.
var ErrTypeWeave = errors.New("type weave")

func (it Item) end() uint64 {
	return it.Start + uint64(it.Size)
}

// ByteSize is the type's size in whole bytes, at least one.
func ByteSize(t typ.Type) int {
	b := t.Bits()
	if b <= 0 {
		return 1
	}

	return (b + 7) / 8
}

// Find returns the entry whose range contains addr.
func (m *Map) Find(addr uint64) (Item, bool) {
	i := m.search(addr)
	if i < len(m.items) && m.items[i].Start <= addr && addr < m.items[i].end() {
		return m.items[i], true
	}

	return Item{}, false
}

// Items lists the entries in address order. Callers must not mutate.
func (m *Map) Items() []Item {
	return m.items
}

func (m *Map) Len() int {
	return len(m.items)
}

// search finds the index of the last entry starting at or before addr,
// or len(items) when none does.
func (m *Map) search(addr uint64) int {
	i := sort.Search(len(m.items), func(i int) bool {
		return m.items[i].Start > addr
	})

	if i > 0 {
		return i - 1
	}

	return len(m.items)
}

// overlapping lists indices of entries intersecting [addr, addr+size).
func (m *Map) overlapping(addr uint64, size int) []int {
	var r []int

	end := addr + uint64(size)

	for i, it := range m.items {
		if it.Start < end && addr < it.end() {
			r = append(r, i)
		}
	}

	return r
}

// Add inserts a typed region at addr. Overlaps must be type
// compatible: a containing entry descends into its compound or array,
// a contained set of entries is merged into a new compound or array,
// equal ranges meet. Any other overlap is a weave error: logged, the
// insertion skipped, the map unchanged.
func (m *Map) Add(addr uint64, name string, t typ.Type) error {
	size := ByteSize(t)

	m.shrinkUnbounded(addr)

	ov := m.overlapping(addr, size)

	switch {
	case len(ov) == 0:
		m.insert(Item{Start: addr, Size: size, Name: name, Type: t})
		return nil

	case len(ov) == 1:
		return m.addOne(ov[0], addr, size, name, t)

	default:
		// Several entries in range: valid only when the new entry
		// contains them all.
		first, last := m.items[ov[0]], m.items[ov[len(ov)-1]]

		if addr <= first.Start && last.end() <= addr+uint64(size) {
			return m.merge(ov, addr, size, name, t)
		}

		return m.weave(addr, size, name, t)
	}
}

func (m *Map) addOne(i int, addr uint64, size int, name string, t typ.Type) error {
	e := m.items[i]
	end := addr + uint64(size)

	switch {
	case e.Start == addr && e.Size == size:
		r, _ := typ.Meet(e.Type, t)

		m.items[i].Type = r

		return nil

	case e.Start <= addr && end <= e.end():
		// Contained: descend into the entry's structure.
		r, err := meetAt(e.Type, int(addr-e.Start), t)
		if err != nil {
			return m.weave(addr, size, name, t)
		}

		m.items[i].Type = r

		return nil

	case addr <= e.Start && e.end() <= end:
		return m.merge([]int{i}, addr, size, name, t)
	}

	return m.weave(addr, size, name, t)
}

// merge absorbs fully contained entries into the new region: each
// existing type is met with the slot of the new type at its offset,
// then the old entries are deleted and the new one inserted.
func (m *Map) merge(ov []int, addr uint64, size int, name string, t typ.Type) error {
	switch t.(type) {
	case typ.Compound, typ.Array:
	default:
		if len(ov) > 1 || m.items[ov[0]].Size != size {
			return m.weave(addr, size, name, t)
		}
	}

	r := t

	for _, i := range ov {
		e := m.items[i]

		x, err := meetAt(r, int(e.Start-addr), e.Type)
		if err != nil {
			return m.weave(addr, size, name, t)
		}

		r = x
	}

	for n := len(ov) - 1; n >= 0; n-- {
		i := ov[n]
		m.items = append(m.items[:i], m.items[i+1:]...)
	}

	m.insert(Item{Start: addr, Size: size, Name: name, Type: r})

	return nil
}

// meetAt meets inner into the slot of t at the given byte offset,
// descending one level into compounds and arrays.
func meetAt(t typ.Type, off int, inner typ.Type) (typ.Type, error) {
	if off == 0 && ByteSize(t) == ByteSize(inner) {
		r, _ := typ.Meet(t, inner)
		return r, nil
	}

	switch x := t.(type) {
	case typ.Compound:
		f, ok := x.FieldAt(off * 8)
		if !ok {
			return nil, errors.New("no field at offset %d", off)
		}

		r, err := meetAt(f.Type, off-f.Off/8, inner)
		if err != nil {
			return nil, err
		}

		fields := make([]typ.Field, len(x.Fields))
		copy(fields, x.Fields)

		for i := range fields {
			if fields[i].Off == f.Off {
				fields[i].Type = r
			}
		}

		return typ.Compound{Fields: fields, Generic: x.Generic}, nil

	case typ.Array:
		es := ByteSize(x.Base)
		if es == 0 || off%es != 0 && ByteSize(inner) > es {
			return nil, errors.New("misaligned array slot")
		}

		r, err := meetAt(x.Base, off%es, inner)
		if err != nil {
			return nil, err
		}

		return typ.Array{Base: r, Len: x.Len}, nil
	}

	return nil, errors.New("scalar cannot contain %v", inner)
}

// shrinkUnbounded clamps an unbounded array whose tail runs past addr,
// so new data can be placed after it.
func (m *Map) shrinkUnbounded(addr uint64) {
	i := m.search(addr)
	if i >= len(m.items) {
		return
	}

	e := m.items[i]
	if e.Start >= addr || e.end() <= addr {
		return
	}

	a, ok := e.Type.(typ.Array)
	if !ok || a.Len >= 0 {
		return
	}

	es := ByteSize(a.Base)
	if es == 0 {
		return
	}

	n := int(addr-e.Start) / es
	if n < 1 {
		n = 1
	}

	m.items[i].Type = typ.Array{Base: a.Base, Len: n}
	m.items[i].Size = n * es

	tlog.V("interval").Printw("unbounded array shrunk",
		"start", e.Start, "len", n)
}

func (m *Map) weave(addr uint64, size int, name string, t typ.Type) error {
	tlog.Printw("type weave", "addr", addr,
		"size", size, "name", name, "type", t, "err", ErrTypeWeave)

	return errors.Wrap(ErrTypeWeave, "%v at 0x%x+%d", name, addr, size)
}

func (m *Map) insert(it Item) {
	i := sort.Search(len(m.items), func(i int) bool {
		return m.items[i].Start > it.Start
	})

	m.items = append(m.items, Item{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = it
}
