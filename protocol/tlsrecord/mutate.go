package tlsrecord

import (
	"math/rand"

	"alma.local/evofuzz/trace"
)

const maxFieldLen = 1 << 12

// MutateField applies one of bit flip, boundary value or type confusion.
func (p *TLS) MutateField(f *trace.Field, r *rand.Rand) {
	switch r.Intn(3) {
	case 0:
		f.Value = flipBit(f.Value, r)
	case 1:
		f.Value = boundary(len(f.Value), r)
	default:
		f.Value = confuse(f.Value, r)
	}
}

func flipBit(v []byte, r *rand.Rand) []byte {
	out := append([]byte(nil), v...)
	if len(out) == 0 {
		return []byte{byte(1 << r.Intn(8))}
	}
	i := r.Intn(len(out) * 8)
	out[i/8] ^= 1 << (i % 8)
	return out
}

// boundary returns a same-width value at an edge of its range.
func boundary(width int, r *rand.Rand) []byte {
	if width == 0 {
		width = 1
	}
	out := make([]byte, width)
	switch r.Intn(5) {
	case 0: // zero
	case 1:
		for i := range out {
			out[i] = 0xff
		}
	case 2: // signed max
		out[0] = 0x7f
		for i := 1; i < width; i++ {
			out[i] = 0xff
		}
	case 3: // signed min
		out[0] = 0x80
	default: // one
		out[width-1] = 1
	}
	return out
}

// confuse changes the length of the value so it no longer fits its slot.
func confuse(v []byte, r *rand.Rand) []byte {
	switch r.Intn(4) {
	case 0:
		return nil
	case 1:
		if len(v) > 1 {
			return append([]byte(nil), v[:r.Intn(len(v))]...)
		}
		return nil
	case 2:
		out := append([]byte(nil), v...)
		for len(out) < 2*len(v)+1 && len(out) < maxFieldLen {
			out = append(out, v...)
			if len(v) == 0 {
				out = append(out, 0)
			}
		}
		return out
	default:
		extra := make([]byte, 1+r.Intn(64))
		r.Read(extra)
		out := append(append([]byte(nil), v...), extra...)
		if len(out) > maxFieldLen {
			out = out[:maxFieldLen]
		}
		return out
	}
}
