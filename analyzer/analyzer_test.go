package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/protocol/tlsrecord"
	"alma.local/evofuzz/trace"
)

func hello(kind trace.ActionKind, typ string, version ...byte) trace.Action {
	return trace.Action{Kind: kind, Message: trace.Message{
		Type:        typ,
		ContentType: tlsrecord.Handshake,
		Fields:      []trace.Field{{Name: "version", Value: version}},
	}}
}

func alert(desc byte) trace.Action {
	return trace.Action{Kind: trace.Receive, Message: trace.Message{
		Type:        "Alert",
		ContentType: tlsrecord.Alert,
		Fields:      []trace.Field{{Name: "level", Value: []byte{2}}, {Name: "description", Value: []byte{desc}}},
	}}
}

func executed(actions ...trace.Action) feedback.Result {
	return feedback.Result{RunID: "1", Executed: trace.Trace{Actions: actions}}
}

func TestAlertRuleOneOfEach(t *testing.T) {
	r := NewAlertRule(DefaultAlertConfig())

	reason, ok := r.Check(executed(hello(trace.Send, "ClientHello", 3, 3), alert(40)))
	require.True(t, ok)
	assert.Equal(t, "new 40", reason)

	_, ok = r.Check(executed(alert(40)))
	assert.False(t, ok, "40 was seen already")

	_, ok = r.Check(executed(hello(trace.Send, "ClientHello", 3, 3)))
	assert.False(t, ok, "no alerts")
	assert.Equal(t, []int{40}, r.Seen())
}

func TestAlertRuleLists(t *testing.T) {
	r := NewAlertRule(AlertConfig{Blacklist: []int{80}, Whitelist: []int{40, 80}})

	_, ok := r.Check(executed(alert(40)))
	assert.False(t, ok, "whitelisted and oneOfEach is off")

	reason, ok := r.Check(executed(alert(80)))
	require.True(t, ok)
	assert.Equal(t, "blacklisted 80", reason)

	reason, ok = r.Check(executed(alert(40), alert(99)))
	require.True(t, ok)
	assert.Equal(t, "unlisted 99", reason)
	assert.Empty(t, r.Seen(), "nothing is remembered without oneOfEach")
}

func TestAlertRuleLearn(t *testing.T) {
	r := NewAlertRule(DefaultAlertConfig())
	r.Learn([]trace.Trace{{Actions: []trace.Action{alert(10), alert(20)}}})

	_, ok := r.Check(executed(alert(20)))
	assert.False(t, ok)
	_, ok = r.Check(executed(alert(22)))
	assert.True(t, ok)
	assert.Equal(t, []int{10, 20, 22}, r.Seen())
}

func TestAlertConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultAlertConfig().Validate())
	assert.Error(t, AlertConfig{Blacklist: []int{256}}.Validate())
	assert.Error(t, AlertConfig{Whitelist: []int{-1}}.Validate())
}

func TestVersionRule(t *testing.T) {
	r, err := NewVersionRule(DefaultVersionConfig())
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		client []byte
		server []byte
		found  bool
	}{
		{"same tls", []byte{3, 3}, []byte{3, 3}, false},
		{"highest tls below offer", []byte{3, 4}, []byte{3, 3}, false},
		{"tls downgrade", []byte{3, 3}, []byte{3, 1}, true},
		{"tls upgrade", []byte{3, 1}, []byte{3, 3}, true},
		{"short server version", []byte{3, 3}, []byte{3}, true},
		{"unknown server version", []byte{3, 3}, []byte{3, 9}, true},
		{"not allowed", []byte{3, 3}, []byte{3, 0}, true},
		{"dtls answer to tls", []byte{3, 3}, []byte{0xfe, 0xfd}, true},
		{"tls answer to dtls", []byte{0xfe, 0xfd}, []byte{3, 3}, true},
		{"same dtls", []byte{0xfe, 0xfd}, []byte{0xfe, 0xfd}, false},
		{"dtls downgrade", []byte{0xfe, 0xfd}, []byte{0xfe, 0xff}, true},
		{"dtls upgrade", []byte{0xfe, 0xff}, []byte{0xfe, 0xfd}, true},
		{"odd client version", []byte{3}, []byte{3, 3}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := executed(hello(trace.Send, "ClientHello", tc.client...), hello(trace.Receive, "ServerHello", tc.server...))
			reason, ok := r.Check(res)
			assert.Equal(t, tc.found, ok, reason)
		})
	}
}

func TestVersionRuleNeedsBothHellos(t *testing.T) {
	r, err := NewVersionRule(DefaultVersionConfig())
	require.NoError(t, err)
	_, ok := r.Check(executed(hello(trace.Send, "ClientHello", 3, 3)))
	assert.False(t, ok)
	_, ok = r.Check(executed(hello(trace.Receive, "ServerHello", 3, 0)))
	assert.False(t, ok)
}

func TestVersionConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultVersionConfig().Validate())
	_, err := NewVersionRule(VersionConfig{Allowed: []string{"TLS9"}})
	assert.Error(t, err)
}
