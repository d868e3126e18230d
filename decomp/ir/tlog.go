package ir

import (
	"tlog.app/go/tlog/tlwire"
)

func (s Status) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, s.String())
}

func (id SID) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if id == None {
		return e.AppendString(b, "-")
	}

	return e.AppendInt(b, int(id))
}

func (s *ProcSet) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if s == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, s.Len())

	for _, p := range s.procs {
		b = e.AppendString(b, p.Name)
	}

	return b
}
