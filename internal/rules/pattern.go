package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/busybox42/outbound/internal/mta"
)

// PatternKind selects how a pattern value is matched against a host.
type PatternKind int

const (
	// KindExactList matches when any comma separated element equals the host.
	KindExactList PatternKind = 1
	// KindRegex matches when the host matches the regular expression.
	KindRegex PatternKind = 2
)

func (k PatternKind) String() string {
	switch k {
	case KindExactList:
		return "exact"
	case KindRegex:
		return "regex"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParsePatternKind converts the configuration spelling of a kind.
func ParsePatternKind(s string) (PatternKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "exact_list", "list", "comma_delimited":
		return KindExactList, nil
	case "regex", "regexp":
		return KindRegex, nil
	}
	return 0, fmt.Errorf("unknown pattern kind %q", s)
}

// RuleType names the policy a rule carries.
type RuleType int

const (
	RuleMaxConnections           RuleType = 1
	RuleMaxMessagesPerConnection RuleType = 2
	RuleMaxMessagesPerHour       RuleType = 3
)

func (t RuleType) String() string {
	switch t {
	case RuleMaxConnections:
		return "max_connections"
	case RuleMaxMessagesPerConnection:
		return "max_messages_per_connection"
	case RuleMaxMessagesPerHour:
		return "max_messages_per_hour"
	default:
		return fmt.Sprintf("rule(%d)", int(t))
	}
}

// ParseRuleType converts the configuration spelling of a rule type.
func ParseRuleType(s string) (RuleType, error) {
	for _, t := range []RuleType{RuleMaxConnections, RuleMaxMessagesPerConnection, RuleMaxMessagesPerHour} {
		if strings.EqualFold(strings.TrimSpace(s), t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown rule type %q", s)
}

// Pattern maps destination hosts to a policy group. Patterns are evaluated in
// ascending Priority order. A pattern with IdentityID set only applies to that
// outbound identity.
type Pattern struct {
	ID         int
	Priority   int
	Name       string
	Kind       PatternKind
	Value      string
	IdentityID *int
}

// Restricted reports whether the pattern applies to a single identity only.
func (p Pattern) Restricted() bool {
	return p.IdentityID != nil
}

// AppliesTo reports whether the pattern may be evaluated for identity.
func (p Pattern) AppliesTo(identity mta.Identity) bool {
	return p.IdentityID == nil || *p.IdentityID == identity.ID
}

// Rule is a single policy value attached to a pattern. Value is kept as text;
// malformed values are handled by the accessors.
type Rule struct {
	PatternID int
	Type      RuleType
	Value     string
}

// compiledPattern is a Pattern prepared for matching.
type compiledPattern struct {
	Pattern
	hosts []string
	re    *regexp.Regexp
}

func compile(p Pattern) (*compiledPattern, error) {
	cp := &compiledPattern{Pattern: p}
	switch p.Kind {
	case KindExactList:
		for _, h := range strings.Split(p.Value, ",") {
			if h = mta.NormalizeHost(h); h != "" {
				cp.hosts = append(cp.hosts, h)
			}
		}
	case KindRegex:
		re, err := regexp.Compile("(?i)" + p.Value)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: invalid regular expression: %w", p.ID, err)
		}
		cp.re = re
	default:
		return nil, fmt.Errorf("pattern %d: unsupported kind %s", p.ID, p.Kind)
	}
	return cp, nil
}

// matches expects host to be normalized already.
func (cp *compiledPattern) matches(host string) bool {
	switch cp.Kind {
	case KindExactList:
		for _, h := range cp.hosts {
			if h == host {
				return true
			}
		}
		return false
	case KindRegex:
		return cp.re.MatchString(host)
	}
	return false
}

// Matches reports whether host matches the pattern value, ignoring identity
// restriction. Invalid patterns never match.
func (p Pattern) Matches(host string) bool {
	cp, err := compile(p)
	if err != nil {
		return false
	}
	return cp.matches(mta.NormalizeHost(host))
}
