package blockpolicy

import (
	"sort"
	"strings"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
)

// View is the read-only, indexed projection of active policy entities that
// Evaluate consults. BlocklistSnapshot is the production implementation;
// tests can supply a literal View built from slices directly.
type View struct {
	// DomainExact maps a lower-cased, non-wildcard pattern to its entry.
	DomainExact map[string]*BlockedDomain
	// DomainWildcard holds every active wildcard domain entry, in no
	// particular order — each is tried with the domain matcher.
	DomainWildcard []*BlockedDomain

	IPExact map[string][]*BlockedIP // keyed by normalized exact address
	IPRange []*BlockedIP

	PortExact []*BlockedPort // port_end unset
	PortRange []*BlockedPort

	// Rules is sorted ascending by priority, tie-broken by CreatedAt descending.
	Rules []*BlockRule
}

// SortRules orders rules the way BlockRule ordering is specified:
// ascending priority; ties broken by most-recently-created first.
func SortRules(rules []*BlockRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
}

// HitRecorder is called by Evaluate whenever an entity's hit count should be
// incremented. Counting happens synchronously inside Evaluate so tests can
// observe it without a Store round trip; production wiring in ConnectionHandler
// forwards these calls to the async Telemetry sink instead of blocking on a
// Store write here.
type HitRecorder interface {
	RecordRuleHit(id string)
	RecordDomainHit(id string)
	RecordIPHit(id string)
	RecordPortHit(id string)
}

// NopHitRecorder discards all hit notifications.
type NopHitRecorder struct{}

func (NopHitRecorder) RecordRuleHit(string)   {}
func (NopHitRecorder) RecordDomainHit(string) {}
func (NopHitRecorder) RecordIPHit(string)     {}
func (NopHitRecorder) RecordPortHit(string)   {}

// Evaluate runs the seven-step evaluation order against tuple using view,
// notifying hits through the recorder. It never returns an error: an
// unmatchable or malformed rule counts as no match for that specific check
// and evaluation continues, per the fail-open-on-policy-check design.
func Evaluate(view *View, tuple RequestTuple, hits HitRecorder) Decision {
	hostname := strings.ToLower(tuple.Hostname)

	// Step 1: composite rules, ascending priority.
	for _, rule := range view.Rules {
		if !rule.Active {
			continue
		}
		if !ruleMatches(rule, tuple, hostname) {
			continue
		}
		switch rule.Action {
		case ActionBlock:
			hits.RecordRuleHit(rule.ID)
			reason := rule.Reason
			if reason == "" {
				reason = "rule: " + rule.Name
			}
			return Decision{Kind: DecisionBlock, Reason: reason, RuleKind: "rule", RuleID: rule.ID}
		case ActionAllow:
			hits.RecordRuleHit(rule.ID)
			return allow()
		case ActionLog:
			hits.RecordRuleHit(rule.ID)
			// Note and continue; does not short-circuit downstream checks.
		}
	}

	// Step 2: domain blocklist.
	if hostname != "" {
		if d, ok := matchDomainBlocklist(view, hostname); ok {
			hits.RecordDomainHit(d.ID)
			reason := domainReason(d, hostname)
			return Decision{Kind: DecisionBlock, Reason: reason, RuleKind: "domain", RuleID: d.ID}
		}
	}

	// Step 3: source IP.
	if tuple.SrcIP != "" {
		if r, ok := matchIPBlocklist(view, tuple.SrcIP, matcher.DirectionSource); ok {
			hits.RecordIPHit(r.ID)
			return Decision{Kind: DecisionBlock, Reason: "Source IP blocked: " + tuple.SrcIP, RuleKind: "src_ip", RuleID: r.ID}
		}
	}

	// Step 4: destination IP.
	if tuple.DstIP != "" {
		if r, ok := matchIPBlocklist(view, tuple.DstIP, matcher.DirectionDestination); ok {
			hits.RecordIPHit(r.ID)
			return Decision{Kind: DecisionBlock, Reason: "Destination IP blocked: " + tuple.DstIP, RuleKind: "dst_ip", RuleID: r.ID}
		}
	}

	// Step 5: source port.
	if tuple.SrcPort != nil {
		if r, ok := matchPortBlocklist(view, tuple.SrcPort, matcher.DirectionSource); ok {
			hits.RecordPortHit(r.ID)
			return Decision{Kind: DecisionBlock, Reason: "Source port blocked", RuleKind: "src_port", RuleID: r.ID}
		}
	}

	// Step 6: destination port.
	if tuple.DstPort != nil {
		if r, ok := matchPortBlocklist(view, tuple.DstPort, matcher.DirectionDestination); ok {
			hits.RecordPortHit(r.ID)
			return Decision{Kind: DecisionBlock, Reason: "Destination port blocked", RuleKind: "dst_port", RuleID: r.ID}
		}
	}

	// Step 7: nothing matched.
	return allow()
}

func ruleMatches(rule *BlockRule, tuple RequestTuple, hostname string) bool {
	if rule.DomainPattern != nil {
		if hostname == "" || !matcher.MatchDomain(hostname, *rule.DomainPattern) {
			return false
		}
	}
	if rule.SourceIP != nil {
		if tuple.SrcIP == "" || !matcher.MatchIP(tuple.SrcIP, *rule.SourceIP) {
			return false
		}
	}
	if rule.DestIP != nil {
		if tuple.DstIP == "" || !matcher.MatchIP(tuple.DstIP, *rule.DestIP) {
			return false
		}
	}
	if rule.SourcePort != nil {
		if !matcher.MatchPort(tuple.SrcPort, *rule.SourcePort) {
			return false
		}
	}
	if rule.DestPort != nil {
		if !matcher.MatchPort(tuple.DstPort, *rule.DestPort) {
			return false
		}
	}
	return true
}

func domainReason(d *BlockedDomain, hostname string) string {
	reason := "Domain blocked: " + hostname
	if d.Category != "" {
		reason += " [" + d.Category + "]"
	}
	return reason
}

// matchDomainBlocklist implements step 2's three-phase search: exact match,
// then each suffix of the dotted hostname, then the wildcard list.
func matchDomainBlocklist(view *View, hostname string) (*BlockedDomain, bool) {
	if d, ok := view.DomainExact[hostname]; ok && d.Active {
		return d, true
	}

	labels := strings.Split(hostname, ".")
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if suffix == "" {
			continue
		}
		if d, ok := view.DomainExact[suffix]; ok && d.Active {
			return d, true
		}
	}

	for _, d := range view.DomainWildcard {
		if !d.Active {
			continue
		}
		if matcher.MatchDomain(hostname, d.Pattern) {
			return d, true
		}
	}

	return nil, false
}

func matchIPBlocklist(view *View, candidate string, want matcher.Direction) (*BlockedIP, bool) {
	if entries, ok := view.IPExact[candidate]; ok {
		for _, e := range entries {
			if e.Active && e.Rule.Direction.AppliesTo(want) && matcher.MatchIP(candidate, e.Rule) {
				return e, true
			}
		}
	}
	for _, e := range view.IPRange {
		if !e.Active || !e.Rule.Direction.AppliesTo(want) {
			continue
		}
		if matcher.MatchIP(candidate, e.Rule) {
			return e, true
		}
	}
	return nil, false
}

func matchPortBlocklist(view *View, candidate *int, want matcher.Direction) (*BlockedPort, bool) {
	for _, e := range view.PortExact {
		if !e.Active || !e.Rule.Direction.AppliesTo(want) {
			continue
		}
		if matcher.MatchPort(candidate, e.Rule) {
			return e, true
		}
	}
	for _, e := range view.PortRange {
		if !e.Active || !e.Rule.Direction.AppliesTo(want) {
			continue
		}
		if matcher.MatchPort(candidate, e.Rule) {
			return e, true
		}
	}
	return nil, false
}
