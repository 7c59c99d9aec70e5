package tlsrecord

import (
	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"

	"alma.local/evofuzz/trace"
)

// DefaultHellos are the browser fingerprints whose ClientHellos seed the
// catalogue.
var DefaultHellos = []utls.ClientHelloID{
	utls.HelloChrome_83,
	utls.HelloFirefox_65,
	utls.HelloIOS_12_1,
}

// BrowserHello returns the raw ClientHello handshake message utls builds for id.
func BrowserHello(id utls.ClientHelloID, serverName string) ([]byte, error) {
	cfg := &utls.Config{ServerName: serverName, InsecureSkipVerify: true}
	uconn := utls.UClient(nil, cfg, id)
	if err := uconn.BuildHandshakeState(); err != nil {
		return nil, errors.Wrapf(err, "tlsrecord: build hello for %s", id.Str())
	}
	return uconn.HandshakeState.Hello.Raw, nil
}

// SplitClientHello cuts a raw ClientHello handshake message into fields. It
// fails if the message is truncated.
func SplitClientHello(raw []byte) (trace.Message, error) {
	cut := cutter{b: raw}
	fields := []trace.Field{
		cut.fixed("handshakeType", 1),
		cut.fixed("length", 3),
		cut.fixed("version", 2),
		cut.fixed("random", 32),
		cut.prefixed("sessionId", 1),
		cut.prefixed("cipherSuites", 2),
		cut.prefixed("compressionMethods", 1),
	}
	if len(cut.b) > 0 {
		fields = append(fields, cut.prefixed("extensions", 2))
	}
	if cut.err != nil {
		return trace.Message{}, cut.err
	}
	if len(cut.b) != 0 {
		return trace.Message{}, errors.Errorf("tlsrecord: %d trailing bytes in ClientHello", len(cut.b))
	}
	if fields[0].Value[0] != handshakeTypes["ClientHello"] {
		return trace.Message{}, errors.New("tlsrecord: not a ClientHello")
	}
	return trace.Message{Type: "ClientHello", ContentType: Handshake, Fields: fields}, nil
}

type cutter struct {
	b   []byte
	err error
}

func (c *cutter) fixed(name string, n int) trace.Field {
	if c.err != nil {
		return trace.Field{Name: name}
	}
	if len(c.b) < n {
		c.err = errors.Errorf("tlsrecord: truncated at %s", name)
		return trace.Field{Name: name}
	}
	f := trace.Field{Name: name, Value: append([]byte(nil), c.b[:n]...)}
	c.b = c.b[n:]
	return f
}

// prefixed takes a length-prefixed vector, prefix included.
func (c *cutter) prefixed(name string, width int) trace.Field {
	if c.err != nil {
		return trace.Field{Name: name}
	}
	if len(c.b) < width {
		c.err = errors.Errorf("tlsrecord: truncated at %s length", name)
		return trace.Field{Name: name}
	}
	n := 0
	for _, b := range c.b[:width] {
		n = n<<8 | int(b)
	}
	return c.fixed(name, width+n)
}

func field(name string, v ...byte) trace.Field {
	return trace.Field{Name: name, Value: v}
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func handshake(typ string, body ...trace.Field) trace.Message {
	fields := append([]trace.Field{
		field("handshakeType", handshakeTypes[typ]),
		field("length", 0, 0, 0),
	}, body...)
	return trace.Message{Type: typ, ContentType: Handshake, Fields: fields}
}

// staticClientHello is a minimal TLS 1.2 hello offering one suite.
func staticClientHello() trace.Message {
	return handshake("ClientHello",
		field("version", 3, 3),
		field("random", repeat(0x5a, 32)...),
		field("sessionId", 0),
		field("cipherSuites", 0, 2, 0xc0, 0x2f),
		field("compressionMethods", 1, 0),
		field("extensions", 0, 0),
	)
}

// Send wraps m as an outbound step.
func Send(m trace.Message) trace.Action { return trace.Action{Kind: trace.Send, Message: m} }

// Expect is a receive step waiting for a peer message of the given type.
func Expect(typ string, ct byte) trace.Action {
	return trace.Action{Kind: trace.Receive, Message: trace.Message{Type: typ, ContentType: ct}}
}

// ClientKeyExchange returns an RSA-shaped key exchange with a fixed premaster.
func ClientKeyExchange() trace.Message {
	keys := append([]byte{0, 64}, repeat(0xa5, 64)...)
	return handshake("ClientKeyExchange", field("exchangeKeys", keys...))
}

func Finished() trace.Message {
	return handshake("Finished", field("verifyData", repeat(0, 12)...))
}

func ChangeCipherSpecMessage() trace.Message {
	return trace.Message{Type: "ChangeCipherSpec", ContentType: ChangeCipherSpec, Fields: []trace.Field{field("ccsType", 1)}}
}

func AlertMessage() trace.Message {
	return trace.Message{Type: "Alert", ContentType: Alert, Fields: []trace.Field{field("level", 2), field("description", 40)}}
}

func ApplicationDataMessage(data []byte) trace.Message {
	return trace.Message{Type: "ApplicationData", ContentType: ApplicationData, Fields: []trace.Field{field("data", data...)}}
}

// HeartbeatRequest carries an honest payload length; mutations make it lie.
func HeartbeatRequest() trace.Message {
	return trace.Message{Type: "Heartbeat", ContentType: Heartbeat, Fields: []trace.Field{
		field("heartbeatType", 1),
		field("payloadLength", 0, 16),
		field("payload", repeat(0x41, 16)...),
		field("padding", repeat(0, 16)...),
	}}
}

// ClientHellos builds one ClientHello per id, falling back to a static hello
// when none can be built.
func ClientHellos(ids []utls.ClientHelloID, serverName string) []trace.Message {
	var out []trace.Message
	for _, id := range ids {
		raw, err := BrowserHello(id, serverName)
		if err == nil {
			var m trace.Message
			if m, err = SplitClientHello(raw); err == nil {
				out = append(out, m)
				continue
			}
		}
		log.WithError(err).WithField("hello", id.Str()).Warn("Skipping browser ClientHello")
	}
	if len(out) == 0 {
		out = append(out, staticClientHello())
	}
	return out
}

func buildCatalogue(hellos []trace.Message) []trace.Action {
	var out []trace.Action
	for _, h := range hellos {
		out = append(out, Send(h))
	}
	out = append(out,
		Send(ClientKeyExchange()),
		Send(ChangeCipherSpecMessage()),
		Send(Finished()),
		Send(AlertMessage()),
		Send(ApplicationDataMessage([]byte("GET / HTTP/1.0\r\n\r\n"))),
		Send(HeartbeatRequest()),
		Expect("ServerHello", Handshake),
		Expect("Certificate", Handshake),
		Expect("ServerHelloDone", Handshake),
		Expect("ChangeCipherSpec", ChangeCipherSpec),
		Expect("Finished", Handshake),
		Expect("Alert", Alert),
		Expect("ApplicationData", ApplicationData),
		Expect("Heartbeat", Heartbeat),
	)
	return out
}
