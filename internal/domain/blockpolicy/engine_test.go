package blockpolicy

import (
	"testing"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
)

type countingRecorder struct {
	ruleHits   map[string]int
	domainHits map[string]int
	ipHits     map[string]int
	portHits   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		ruleHits:   map[string]int{},
		domainHits: map[string]int{},
		ipHits:     map[string]int{},
		portHits:   map[string]int{},
	}
}

func (c *countingRecorder) RecordRuleHit(id string)   { c.ruleHits[id]++ }
func (c *countingRecorder) RecordDomainHit(id string) { c.domainHits[id]++ }
func (c *countingRecorder) RecordIPHit(id string)     { c.ipHits[id]++ }
func (c *countingRecorder) RecordPortHit(id string)   { c.portHits[id]++ }

func intp(n int) *int { return &n }

func TestEvaluateBlockedExactDomain(t *testing.T) {
	pattern := matcher.ClassifyDomainPattern("ads.example")
	view := &View{
		DomainExact: map[string]*BlockedDomain{
			"ads.example": {ID: "d1", Pattern: pattern, Active: true},
		},
	}
	rec := newCountingRecorder()
	d := Evaluate(view, RequestTuple{Hostname: "ads.example"}, rec)
	if d.Kind != DecisionBlock || d.RuleKind != "domain" {
		t.Fatalf("expected domain block, got %+v", d)
	}
	if rec.domainHits["d1"] != 1 {
		t.Errorf("expected domain hit count 1, got %d", rec.domainHits["d1"])
	}
}

func TestEvaluateAllowRuleShortCircuitsDomainBlock(t *testing.T) {
	domainPattern := matcher.ClassifyDomainPattern("*.corp")
	srcRule, _ := matcher.ClassifyIPRule("10.0.0.0/8", nil, matcher.DirectionSource)
	rule := &BlockRule{
		ID: "r1", Priority: 10, Action: ActionAllow, Active: true,
		DomainPattern: &domainPattern, SourceIP: &srcRule, CreatedAt: time.Now(),
	}
	blockedPattern := matcher.ClassifyDomainPattern("intranet.corp")
	view := &View{
		Rules: []*BlockRule{rule},
		DomainExact: map[string]*BlockedDomain{
			"intranet.corp": {ID: "d1", Pattern: blockedPattern, Active: true},
		},
	}
	rec := newCountingRecorder()
	d := Evaluate(view, RequestTuple{Hostname: "intranet.corp", SrcIP: "10.1.2.3"}, rec)
	if d.Kind != DecisionAllow {
		t.Fatalf("expected allow, got %+v", d)
	}
	if rec.domainHits["d1"] != 0 {
		t.Errorf("domain hit count should be unchanged, got %d", rec.domainHits["d1"])
	}
	if rec.ruleHits["r1"] != 1 {
		t.Errorf("expected rule hit count 1, got %d", rec.ruleHits["r1"])
	}
}

func TestEvaluateCIDRSourceBlock(t *testing.T) {
	ipRule, _ := matcher.ClassifyIPRule("192.0.2.0/24", nil, matcher.DirectionSource)
	view := &View{
		IPRange: []*BlockedIP{{ID: "ip1", Rule: ipRule, Active: true}},
	}
	rec := newCountingRecorder()
	d := Evaluate(view, RequestTuple{Hostname: "example.org", SrcIP: "192.0.2.17"}, rec)
	if d.Kind != DecisionBlock || d.RuleKind != "src_ip" {
		t.Fatalf("expected src_ip block, got %+v", d)
	}
}

func TestEvaluatePortRangeDestinationBlock(t *testing.T) {
	portRule := matcher.PortRule{Start: 1024, End: 65535, Direction: matcher.DirectionDestination}
	view := &View{
		PortRange: []*BlockedPort{{ID: "p1", Rule: portRule, Active: true}},
	}
	rec := newCountingRecorder()
	blocked := Evaluate(view, RequestTuple{Hostname: "example.org", DstPort: intp(8443)}, rec)
	if blocked.Kind != DecisionBlock || blocked.RuleKind != "dst_port" {
		t.Fatalf("expected dst_port block, got %+v", blocked)
	}
	allowed := Evaluate(view, RequestTuple{Hostname: "example.org", DstPort: intp(443)}, rec)
	if allowed.Kind != DecisionAllow {
		t.Fatalf("expected allow for port below range, got %+v", allowed)
	}
}

func TestEvaluateLogRuleDoesNotShortCircuit(t *testing.T) {
	domainPattern := matcher.ClassifyDomainPattern("example.org")
	logRule := &BlockRule{ID: "r1", Priority: 1, Action: ActionLog, Active: true, DomainPattern: &domainPattern, CreatedAt: time.Now()}
	blockedDomain := matcher.ClassifyDomainPattern("example.org")
	view := &View{
		Rules: []*BlockRule{logRule},
		DomainExact: map[string]*BlockedDomain{
			"example.org": {ID: "d1", Pattern: blockedDomain, Active: true},
		},
	}
	rec := newCountingRecorder()
	d := Evaluate(view, RequestTuple{Hostname: "example.org"}, rec)
	if d.Kind != DecisionBlock || d.RuleKind != "domain" {
		t.Fatalf("expected log rule to fall through to domain block, got %+v", d)
	}
	if rec.ruleHits["r1"] != 1 {
		t.Errorf("expected log rule hit count 1, got %d", rec.ruleHits["r1"])
	}
}

func TestEvaluateRuleOrderingTieBreak(t *testing.T) {
	older := &BlockRule{ID: "old", Priority: 5, Action: ActionBlock, Active: true, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &BlockRule{ID: "new", Priority: 5, Action: ActionAllow, Active: true, CreatedAt: time.Now()}
	rules := []*BlockRule{older, newer}
	SortRules(rules)
	if rules[0].ID != "new" {
		t.Fatalf("expected most-recently-created rule first, got order %v, %v", rules[0].ID, rules[1].ID)
	}
}

func TestEvaluateNoMatchAllows(t *testing.T) {
	view := &View{}
	rec := newCountingRecorder()
	d := Evaluate(view, RequestTuple{Hostname: "example.com"}, rec)
	if d.Kind != DecisionAllow {
		t.Fatalf("expected allow, got %+v", d)
	}
}
