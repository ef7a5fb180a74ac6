// Package acl evaluates ordered access rules against a request context.
// Evaluation is default-deny: a request that no enabled, in-window rule
// matches is denied.
package acl

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Source prefixes for rule subjects other than node ids.
const (
	UserPrefix  = "user:"
	GroupPrefix = "group:"
)

// Query narrows the rule fetch. Implementations may return a superset; the
// evaluator re-applies every predicate.
type Query struct {
	Sources     []string
	Destination string
	Protocol    string
	Port        int
}

// RuleSource provides the current rule set per evaluation.
type RuleSource interface {
	Rules(ctx context.Context, q Query) ([]domain.AccessRule, error)
}

// StaticRules is a [RuleSource] over a fixed slice.
type StaticRules []domain.AccessRule

// Rules implements [RuleSource].
func (s StaticRules) Rules(context.Context, Query) ([]domain.AccessRule, error) {
	return slices.Clone(s), nil
}

// SourceContext describes who is asking: the user, the node the request
// originates from, and the groups the user belongs to.
type SourceContext struct {
	UserID string
	NodeID string
	Groups []string
}

// Subjects returns every rule source value this context answers to.
func (s SourceContext) Subjects() []string {
	out := make([]string, 0, 2+len(s.Groups))
	if s.NodeID != "" {
		out = append(out, s.NodeID)
	}
	if s.UserID != "" {
		out = append(out, UserPrefix+s.UserID)
	}
	for _, g := range s.Groups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, GroupPrefix+g)
		}
	}
	return out
}

// Request is one access question.
type Request struct {
	Source      SourceContext
	Destination string
	Protocol    string
	Port        int
	At          time.Time
}

// Decision is the evaluation outcome. RuleID is empty for the default deny.
type Decision struct {
	Action domain.Action
	RuleID string
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool {
	return d.Action == domain.ActionAllow
}

// Evaluator applies the rule set from a [RuleSource].
type Evaluator struct {
	source RuleSource
	loc    *time.Location
}

// NewEvaluator returns an evaluator that interprets rule time windows in loc
// (UTC when nil).
func NewEvaluator(source RuleSource, loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{source: source, loc: loc}
}

// Evaluate returns the action of the highest precedence matching rule.
// Errors from the rule source are returned with a DENY decision.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	deny := Decision{Action: domain.ActionDeny}

	protocol := strings.ToLower(strings.TrimSpace(req.Protocol))
	subjects := req.Source.Subjects()
	rules, err := e.source.Rules(ctx, Query{
		Sources:     subjects,
		Destination: req.Destination,
		Protocol:    protocol,
		Port:        req.Port,
	})
	if err != nil {
		return deny, fmt.Errorf("load access rules: %w", err)
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	var matched []domain.AccessRule
	for _, r := range rules {
		if !matches(r, subjects, req.Destination, protocol, req.Port) {
			continue
		}
		if !inWindow(r, at.In(e.loc)) {
			continue
		}
		matched = append(matched, r)
	}
	if len(matched) == 0 {
		return deny, nil
	}

	best := slices.MinFunc(matched, func(a, b domain.AccessRule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if best.Action != domain.ActionAllow {
		return Decision{Action: domain.ActionDeny, RuleID: best.ID}, nil
	}
	return Decision{Action: domain.ActionAllow, RuleID: best.ID}, nil
}

func matches(r domain.AccessRule, subjects []string, destination, protocol string, port int) bool {
	if !r.Enabled {
		return false
	}
	if r.Source != domain.Wildcard && !slices.Contains(subjects, r.Source) {
		return false
	}
	if r.Destination != domain.Wildcard && r.Destination != destination {
		return false
	}
	rp := strings.ToLower(r.Protocol)
	if rp != domain.ProtocolAll && rp != protocol {
		return false
	}
	return r.Port == 0 || r.Port == port
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(r domain.AccessRule) error {
	if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Destination) == "" {
		return fmt.Errorf("rule %q: source and destination are required", r.ID)
	}
	switch r.Action {
	case domain.ActionAllow, domain.ActionDeny:
	default:
		return fmt.Errorf("rule %q: invalid action %q", r.ID, r.Action)
	}
	switch strings.ToLower(r.Protocol) {
	case domain.ProtocolTCP, domain.ProtocolUDP, domain.ProtocolAll:
	default:
		return fmt.Errorf("rule %q: invalid protocol %q", r.ID, r.Protocol)
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("rule %q: invalid port %d", r.ID, r.Port)
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidUntil.Before(*r.ValidFrom) {
		return fmt.Errorf("rule %q: valid_until before valid_from", r.ID)
	}
	if _, _, err := parseClockRange(r.TimeStart, r.TimeEnd); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return nil
}
