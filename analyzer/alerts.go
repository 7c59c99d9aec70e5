// Package analyzer holds the TLS-aware rules the result store runs on every
// committed result. Each rule files its matches under its own category of
// the output folder.
package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/protocol/tlsrecord"
	"alma.local/evofuzz/trace"
)

// Alerts is the category alert findings are written to.
const Alerts corpus.Category = "alerts"

// DefaultWhitelist holds the alert descriptions a conforming server commonly
// sends while rejecting a malformed handshake.
var DefaultWhitelist = []int{0, 10, 20, 22, 40, 42, 43, 47, 50, 51, 70, 71, 80, 86, 90, 100, 110}

// AlertConfig selects which received alerts are findings. An alert matches
// when it is on Blacklist, when it is missing from Whitelist, or, with
// OneOfEach set, the first time its description is seen.
type AlertConfig struct {
	Blacklist []int `yaml:"blacklist" mapstructure:"blacklist"`
	Whitelist []int `yaml:"whitelist" mapstructure:"whitelist"`
	OneOfEach bool  `yaml:"oneOfEach" mapstructure:"oneOfEach"`
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Whitelist: append([]int(nil), DefaultWhitelist...),
		OneOfEach: true,
	}
}

func (c AlertConfig) Validate() error {
	for _, list := range [][]int{c.Blacklist, c.Whitelist} {
		for _, d := range list {
			if d < 0 || d > 255 {
				return errors.Errorf("config: alert description %d out of range", d)
			}
		}
	}
	return nil
}

// AlertRule flags results in which the target sent an interesting alert.
type AlertRule struct {
	cfg       AlertConfig
	blacklist [256]bool
	whitelist [256]bool

	mu   sync.Mutex
	seen [256]bool
}

func NewAlertRule(cfg AlertConfig) *AlertRule {
	r := &AlertRule{cfg: cfg}
	for _, d := range cfg.Blacklist {
		r.blacklist[byte(d)] = true
	}
	for _, d := range cfg.Whitelist {
		r.whitelist[byte(d)] = true
	}
	return r
}

func (r *AlertRule) Name() string              { return "alerts" }
func (r *AlertRule) Category() corpus.Category { return Alerts }

// Learn marks the alerts received in ts as seen, so a restarted session does
// not report them again.
func (r *AlertRule) Learn(ts []trace.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		for _, a := range tlsrecord.ReceivedAlerts(t) {
			r.seen[a.Description] = true
		}
	}
}

// Seen returns the alert descriptions received so far in ascending order.
func (r *AlertRule) Seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for d, ok := range r.seen {
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *AlertRule) Check(res feedback.Result) (string, bool) {
	alerts := tlsrecord.ReceivedAlerts(res.Executed)
	if len(alerts) == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	reasons := map[string][]string{}
	for _, a := range alerts {
		d := a.Description
		code := fmt.Sprint(d)
		switch {
		case r.blacklist[d]:
			reasons["blacklisted"] = append(reasons["blacklisted"], code)
		case !r.whitelist[d]:
			reasons["unlisted"] = append(reasons["unlisted"], code)
		case r.cfg.OneOfEach && !r.seen[d]:
			reasons["new"] = append(reasons["new"], code)
		}
		if r.cfg.OneOfEach {
			r.seen[d] = true
		}
	}
	if len(reasons) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(reasons))
	for kind, codes := range reasons {
		parts = append(parts, kind+" "+strings.Join(codes, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; "), true
}
