package analyzer

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/protocol/tlsrecord"
)

// Versions is the category version findings are written to.
const Versions corpus.Category = "versions"

const (
	highestTLS  uint16 = 0x0303
	highestDTLS uint16 = 0xfefd
)

// versionNames maps the names used in configuration to wire values.
var versionNames = map[string]uint16{
	"SSL3.0":  0x0300,
	"TLS1.0":  0x0301,
	"TLS1.1":  0x0302,
	"TLS1.2":  0x0303,
	"TLS1.3":  0x0304,
	"DTLS1.0": 0xfeff,
	"DTLS1.2": 0xfefd,
}

// VersionConfig lists the server versions that are not findings by
// themselves.
type VersionConfig struct {
	Allowed []string `yaml:"allowed" mapstructure:"allowed"`
}

func DefaultVersionConfig() VersionConfig {
	return VersionConfig{Allowed: []string{"TLS1.0", "TLS1.1", "TLS1.2", "DTLS1.0", "DTLS1.2"}}
}

func (c VersionConfig) Validate() error {
	for _, name := range c.Allowed {
		if _, ok := versionNames[name]; !ok {
			return errors.Errorf("config: unknown protocol version %q (known: %v)", name, knownVersions())
		}
	}
	return nil
}

func knownVersions() []string {
	out := make([]string, 0, len(versionNames))
	for name := range versionNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isDTLS(v uint16) bool { return v>>8 == 0xfe }

// VersionRule flags ServerHellos whose version is malformed, unknown, not
// allowed, of the other protocol family, or differs from the offered version
// in a way a conforming server would not negotiate.
type VersionRule struct {
	allowed map[uint16]bool
}

func NewVersionRule(cfg VersionConfig) (*VersionRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &VersionRule{allowed: map[uint16]bool{}}
	for _, name := range cfg.Allowed {
		r.allowed[versionNames[name]] = true
	}
	return r, nil
}

func (r *VersionRule) Name() string              { return "versions" }
func (r *VersionRule) Category() corpus.Category { return Versions }

func (r *VersionRule) Check(res feedback.Result) (string, bool) {
	client, ok := tlsrecord.ClientHelloVersion(res.Executed)
	if !ok {
		return "", false
	}
	server, ok := tlsrecord.ServerHelloVersion(res.Executed)
	if !ok {
		return "", false
	}
	if len(server) != 2 {
		return fmt.Sprintf("server version has %d bytes", len(server)), true
	}
	sv := uint16(server[0])<<8 | uint16(server[1])
	if !knownVersion(sv) {
		return fmt.Sprintf("unknown server version %04x", sv), true
	}
	if !r.allowed[sv] {
		return fmt.Sprintf("server version %04x not allowed", sv), true
	}
	if len(client) != 2 {
		return "", false
	}
	cv := uint16(client[0])<<8 | uint16(client[1])
	reason := fmt.Sprintf("client %04x server %04x", cv, sv)
	switch {
	case isDTLS(cv) != isDTLS(sv):
		return "DTLS/TLS mismatch: " + reason, true
	case isDTLS(cv):
		// DTLS counts versions downwards.
		if cv < sv && sv != highestDTLS {
			return "downgrade: " + reason, true
		}
		if cv > sv {
			return "upgrade: " + reason, true
		}
	default:
		if cv > sv && sv != highestTLS {
			return "downgrade: " + reason, true
		}
		if sv > cv {
			return "upgrade: " + reason, true
		}
	}
	return "", false
}

func knownVersion(v uint16) bool {
	for _, known := range versionNames {
		if known == v {
			return true
		}
	}
	return false
}
