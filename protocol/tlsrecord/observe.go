package tlsrecord

import (
	"fmt"

	"alma.local/evofuzz/trace"
)

// PeerAlert is one alert received from the target.
type PeerAlert struct {
	Level       byte
	Description byte
}

// observed describes a peer message as a receive step. Alerts keep their
// level and description and a ServerHello keeps its version; every other
// message keeps its body.
func observed(u unit) trace.Action {
	body := append([]byte(nil), u.body...)
	m := trace.Message{Type: unitType(u), ContentType: u.contentType}
	switch {
	case u.contentType == Alert && len(body) == 2:
		m.Fields = []trace.Field{field("level", body[0]), field("description", body[1])}
	case u.contentType == Handshake && u.hsType == int(handshakeTypes["ServerHello"]):
		n := min(2, len(body))
		m.Fields = []trace.Field{field("version", body[:n]...), field("body", body[n:]...)}
	default:
		m.Fields = []trace.Field{field("body", body...)}
	}
	return trace.Action{Kind: trace.Receive, Message: m}
}

func unitType(u unit) string {
	switch u.contentType {
	case Handshake:
		if u.hsType < 0 {
			return "Finished"
		}
		for name, typ := range handshakeTypes {
			if int(typ) == u.hsType {
				return name
			}
		}
		return fmt.Sprintf("Handshake(%d)", u.hsType)
	case ChangeCipherSpec:
		return "ChangeCipherSpec"
	case Alert:
		return "Alert"
	case ApplicationData:
		return "ApplicationData"
	case Heartbeat:
		return "Heartbeat"
	}
	return fmt.Sprintf("Record(%d)", u.contentType)
}

func fieldValue(m trace.Message, name string) ([]byte, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// ReceivedAlerts returns the alerts recorded in t's receive steps.
func ReceivedAlerts(t trace.Trace) []PeerAlert {
	var out []PeerAlert
	for _, a := range t.Actions {
		if a.Kind != trace.Receive || a.Message.ContentType != Alert {
			continue
		}
		level, ok1 := fieldValue(a.Message, "level")
		desc, ok2 := fieldValue(a.Message, "description")
		if ok1 && ok2 && len(level) == 1 && len(desc) == 1 {
			out = append(out, PeerAlert{Level: level[0], Description: desc[0]})
		}
	}
	return out
}

// ClientHelloVersion returns the version field of the first ClientHello sent
// in t.
func ClientHelloVersion(t trace.Trace) ([]byte, bool) {
	return firstVersion(t, trace.Send, "ClientHello")
}

// ServerHelloVersion returns the version of the first ServerHello received in
// t. Its length is whatever the peer sent.
func ServerHelloVersion(t trace.Trace) ([]byte, bool) {
	return firstVersion(t, trace.Receive, "ServerHello")
}

func firstVersion(t trace.Trace, kind trace.ActionKind, typ string) ([]byte, bool) {
	for _, a := range t.Actions {
		if a.Kind == kind && a.Message.ContentType == Handshake && a.Message.Type == typ {
			return fieldValue(a.Message, "version")
		}
	}
	return nil, false
}
