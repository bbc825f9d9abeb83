// Package blockpolicy implements the policy evaluation engine: the ordered
// set of checks a connection tuple passes through before being allowed,
// blocked, or logged-and-continued.
package blockpolicy

import (
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
)

// Action is the effect a composite rule has when it matches.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// BlockedDomain is a single hostname-pattern blocklist entry.
type BlockedDomain struct {
	ID       string
	Pattern  matcher.DomainPattern
	Category string
	Active   bool
	HitCount int64
}

// BlockedIP is a single IP/CIDR blocklist entry.
type BlockedIP struct {
	ID       string
	Rule     matcher.IPRule
	Active   bool
	HitCount int64
}

// BlockedPort is a single port/port-range blocklist entry.
type BlockedPort struct {
	ID       string
	Rule     matcher.PortRule
	Active   bool
	HitCount int64
}

// BlockRule is a composite, priority-ordered rule. Every non-nil condition
// field must match (conjunctive); a nil field is unconstrained.
type BlockRule struct {
	ID       string
	Name     string
	Priority int
	Action   Action
	Active   bool
	HitCount int64

	DomainPattern *matcher.DomainPattern
	SourceIP      *matcher.IPRule
	DestIP        *matcher.IPRule
	SourcePort    *matcher.PortRule
	DestPort      *matcher.PortRule

	Reason    string
	CreatedAt time.Time
}

// RequestTuple is the connection-level attributes the engine evaluates.
type RequestTuple struct {
	Hostname string
	SrcIP    string
	DstIP    string
	SrcPort  *int
	DstPort  *int
}

// DecisionKind tags the outcome of an evaluation.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionBlock
	DecisionLogAndContinue
)

// Decision is the result of evaluating a RequestTuple.
type Decision struct {
	Kind DecisionKind
	// Reason is a human-readable explanation, set for Block.
	Reason string
	// RuleKind names which check produced the decision: "rule", "domain",
	// "src_ip", "dst_ip", "src_port", "dst_port".
	RuleKind string
	// RuleID is the ID of the entity that fired (BlockRule/BlockedDomain/
	// BlockedIP/BlockedPort), empty for a no-match Allow.
	RuleID string
}

func allow() Decision { return Decision{Kind: DecisionAllow} }
