package tlsrecord

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"alma.local/evofuzz/trace"
)

// Record content types.
const (
	ChangeCipherSpec byte = 20
	Alert            byte = 21
	Handshake        byte = 22
	ApplicationData  byte = 23
	Heartbeat        byte = 24
)

const (
	headerLen    = 5
	maxRecordLen = 1<<14 + 2048
	maxFragments = 16
)

// recordVersion is TLS 1.2 on the wire.
var recordVersion = [2]byte{3, 3}

var handshakeTypes = map[string]byte{
	"HelloRequest":       0,
	"ClientHello":        1,
	"ServerHello":        2,
	"Certificate":        11,
	"ServerKeyExchange":  12,
	"CertificateRequest": 13,
	"ServerHelloDone":    14,
	"ClientKeyExchange":  16,
	"Finished":           20,
}

// payload concatenates m's fields. An unmodified field named "length" is
// rewritten as the 24-bit length of everything after it, which is how
// handshake headers stay consistent when their bodies change.
func payload(m trace.Message) []byte {
	var out []byte
	lengthAt := -1
	for _, f := range m.Fields {
		if f.Name == "length" && !f.Modified && len(f.Value) == 3 {
			lengthAt = len(out)
		}
		out = append(out, f.Value...)
	}
	if lengthAt >= 0 {
		n := len(out) - lengthAt - 3
		out[lengthAt] = byte(n >> 16)
		out[lengthAt+1] = byte(n >> 8)
		out[lengthAt+2] = byte(n)
	}
	return out
}

// frame wraps p into n records of type ct whose sizes differ by at most one.
func frame(ct byte, p []byte, n int) []byte {
	if n < 1 {
		n = 1
	}
	if n > len(p) {
		n = len(p)
	}
	if n < 1 {
		return header(ct, 0)
	}
	out := make([]byte, 0, len(p)+n*headerLen)
	size, extra := len(p)/n, len(p)%n
	for i := 0; i < n; i++ {
		// The first len(p)%n records carry one byte more.
		k := size
		if i < extra {
			k++
		}
		out = append(out, header(ct, k)...)
		out = append(out, p[:k]...)
		p = p[k:]
	}
	return out
}

func header(ct byte, n int) []byte {
	h := []byte{ct, recordVersion[0], recordVersion[1], 0, 0}
	binary.BigEndian.PutUint16(h[3:], uint16(n))
	return h
}

// unit is one message observed from the peer. hsType is -1 for anything that
// is not a cleartext handshake message.
type unit struct {
	contentType byte
	hsType      int
	body        []byte
}

// reader reassembles peer records into messages. Handshake messages may span
// or share records; after the peer's ChangeCipherSpec handshake records are
// opaque and are passed through whole.
type reader struct {
	r         io.Reader
	hs        []byte
	encrypted bool
}

func (rd *reader) next() (unit, error) {
	for {
		if u, ok := rd.popHandshake(); ok {
			return u, nil
		}
		var h [headerLen]byte
		if _, err := io.ReadFull(rd.r, h[:]); err != nil {
			return unit{}, errors.Wrap(err, "tlsrecord: read header")
		}
		n := int(binary.BigEndian.Uint16(h[3:]))
		if n > maxRecordLen {
			return unit{}, errors.Errorf("tlsrecord: record of %d bytes", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(rd.r, body); err != nil {
			return unit{}, errors.Wrap(err, "tlsrecord: read body")
		}
		switch {
		case h[0] == Handshake && !rd.encrypted:
			rd.hs = append(rd.hs, body...)
		case h[0] == ChangeCipherSpec:
			rd.encrypted = true
			return unit{contentType: h[0], hsType: -1, body: body}, nil
		default:
			return unit{contentType: h[0], hsType: -1, body: body}, nil
		}
	}
}

func (rd *reader) popHandshake() (unit, bool) {
	if len(rd.hs) < 4 {
		return unit{}, false
	}
	n := int(rd.hs[1])<<16 | int(rd.hs[2])<<8 | int(rd.hs[3])
	if len(rd.hs) < 4+n {
		return unit{}, false
	}
	u := unit{contentType: Handshake, hsType: int(rd.hs[0]), body: rd.hs[4 : 4+n]}
	rd.hs = rd.hs[4+n:]
	return u, true
}

// matches reports whether u is what the receive step m expects.
func matches(m trace.Message, u unit) bool {
	if u.contentType != m.ContentType {
		return false
	}
	if m.ContentType != Handshake {
		return true
	}
	want, ok := handshakeTypes[m.Type]
	if !ok {
		return true
	}
	// Encrypted Finished messages have no readable type.
	if u.hsType < 0 {
		return m.Type == "Finished"
	}
	return u.hsType == int(want)
}
