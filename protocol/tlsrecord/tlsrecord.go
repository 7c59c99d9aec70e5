// Package tlsrecord speaks the TLS record layer for the fuzzer: it encodes
// traces as (possibly fragmented) plaintext records and checks the peer's
// replies against the expected receive steps.
package tlsrecord

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/protocol"
	"alma.local/evofuzz/trace"
)

var log = logrus.WithField("prefix", "tlsrecord")

var _ protocol.Protocol = (*TLS)(nil)

// ErrUnexpected is returned when the peer sends something other than the
// message a receive step waits for.
var ErrUnexpected = errors.New("tlsrecord: unexpected peer message")

const defaultReadTimeout = 2 * time.Second

type Opts struct {
	// ReadTimeout bounds each receive step. Zero selects two seconds.
	ReadTimeout time.Duration
	// Hellos lists the browser fingerprints for ClientHello prototypes.
	// Empty selects DefaultHellos.
	Hellos     []utls.ClientHelloID
	ServerName string
}

// TLS implements protocol.Protocol for plaintext TLS 1.2 handshakes.
type TLS struct {
	opts      Opts
	catalogue []trace.Action
}

func New(opts Opts) *TLS {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if len(opts.Hellos) == 0 {
		opts.Hellos = DefaultHellos
	}
	if opts.ServerName == "" {
		opts.ServerName = "localhost"
	}
	return &TLS{
		opts:      opts,
		catalogue: buildCatalogue(ClientHellos(opts.Hellos, opts.ServerName)),
	}
}

func (p *TLS) Catalogue() []trace.Action {
	out := make([]trace.Action, len(p.catalogue))
	for i, a := range p.catalogue {
		out[i] = a.Clone()
	}
	return out
}

// Encode returns the records carrying a's message.
func (p *TLS) Encode(a trace.Action) ([]byte, error) {
	if a.Kind != trace.Send {
		return nil, errors.Errorf("tlsrecord: cannot encode %s step", a.Kind)
	}
	body := payload(a.Message)
	if len(body) > maxRecordLen*maxFragments {
		return nil, errors.Errorf("tlsrecord: %s payload of %d bytes", a.Message.Type, len(body))
	}
	n := a.Fragments
	// A record holds at most 2^14 plaintext bytes.
	for n < 1 || (len(body)+n-1)/n > 1<<14 {
		n++
	}
	return frame(a.Message.ContentType, body, n), nil
}

// Fragment raises the number of records a's message is split across.
func (p *TLS) Fragment(a *trace.Action, r *rand.Rand) {
	if a.Fragments < 1 {
		a.Fragments = 1
	}
	if a.Fragments < maxFragments {
		a.Fragments += 1 + r.Intn(maxFragments-a.Fragments)
	}
}

// Execute sends and receives t's steps in order over conn. It stops at the
// first step that fails and returns the steps carried out before it. Receive
// steps in the result hold what the peer actually sent; a message that did
// not match its step is kept as the last one.
func (p *TLS) Execute(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
	stop := context.AfterFunc(ctx, func() {
		// Unblocks any pending read or write.
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	rd := &reader{r: conn}
	executed := trace.Trace{Actions: make([]trace.Action, 0, len(t.Actions))}
	for i, a := range t.Actions {
		if err := ctx.Err(); err != nil {
			return executed, errors.Wrap(err, "tlsrecord: execute")
		}
		var err error
		switch a.Kind {
		case trace.Send:
			if err = p.send(conn, a); err == nil {
				executed.Actions = append(executed.Actions, a.Clone())
			}
		case trace.Receive:
			var got trace.Action
			var read bool
			got, read, err = p.receive(conn, rd, a)
			if read {
				executed.Actions = append(executed.Actions, got)
			}
		default:
			err = errors.Errorf("tlsrecord: unknown step kind %d", a.Kind)
		}
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"step":    i,
				"message": a.Message.Type,
			}).Debug("Exchange stopped")
			return executed, err
		}
	}
	return executed, nil
}

func (p *TLS) send(conn net.Conn, a trace.Action) error {
	b, err := p.Encode(a)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(p.opts.ReadTimeout)); err != nil {
		return errors.Wrap(err, "tlsrecord: set write deadline")
	}
	if _, err := conn.Write(b); err != nil {
		return errors.Wrapf(err, "tlsrecord: send %s", a.Message.Type)
	}
	return nil
}

// receive reads the next peer message for step a. read reports whether a
// message arrived at all, matching or not.
func (p *TLS) receive(conn net.Conn, rd *reader, a trace.Action) (got trace.Action, read bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout)); err != nil {
		return trace.Action{}, false, errors.Wrap(err, "tlsrecord: set read deadline")
	}
	u, err := rd.next()
	if err != nil {
		return trace.Action{}, false, errors.Wrapf(err, "tlsrecord: receive %s", a.Message.Type)
	}
	got = observed(u)
	if !matches(a.Message, u) {
		return got, true, errors.Wrapf(ErrUnexpected, "want %s, got content type %d handshake type %d", a.Message.Type, u.contentType, u.hsType)
	}
	got.Message.Type = a.Message.Type
	return got, true, nil
}
