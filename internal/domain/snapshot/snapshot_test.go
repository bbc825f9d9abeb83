package snapshot

import (
	"context"
	"testing"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

type fakeStore struct {
	domains []blockpolicy.BlockedDomain
	ips     []blockpolicy.BlockedIP
	ports   []blockpolicy.BlockedPort
	rules   []blockpolicy.BlockRule
}

func (f *fakeStore) ListActiveDomains(ctx context.Context) ([]blockpolicy.BlockedDomain, error) {
	return f.domains, nil
}
func (f *fakeStore) ListActiveIPs(ctx context.Context) ([]blockpolicy.BlockedIP, error) {
	return f.ips, nil
}
func (f *fakeStore) ListActivePorts(ctx context.Context) ([]blockpolicy.BlockedPort, error) {
	return f.ports, nil
}
func (f *fakeStore) ListActiveRulesByPriority(ctx context.Context) ([]blockpolicy.BlockRule, error) {
	return f.rules, nil
}
func (f *fakeStore) IncrementDomainHit(ctx context.Context, id string) error { return nil }
func (f *fakeStore) IncrementIPHit(ctx context.Context, id string) error     { return nil }
func (f *fakeStore) IncrementPortHit(ctx context.Context, id string) error  { return nil }
func (f *fakeStore) IncrementRuleHit(ctx context.Context, id string) error  { return nil }
func (f *fakeStore) UpsertDomainStats(ctx context.Context, hostname string, reqDelta, bytesDelta, blockedDelta int64) error {
	return nil
}
func (f *fakeStore) AppendProxyRequest(ctx context.Context, row telemetry.ProxyRequest) (string, error) {
	return "id", nil
}

func TestSnapshotReloadAndEvaluate(t *testing.T) {
	store := &fakeStore{
		domains: []blockpolicy.BlockedDomain{
			{ID: "d1", Pattern: matcher.ClassifyDomainPattern("ads.example"), Active: true},
		},
	}
	snap := New(store, nil)
	if err := snap.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	d := snap.Evaluate(blockpolicy.RequestTuple{Hostname: "ads.example"}, blockpolicy.NopHitRecorder{})
	if d.Kind != blockpolicy.DecisionBlock {
		t.Fatalf("expected block, got %+v", d)
	}
}

func TestSnapshotEvaluateBeforeReloadAllowsByDefault(t *testing.T) {
	snap := New(&fakeStore{}, nil)
	d := snap.Evaluate(blockpolicy.RequestTuple{Hostname: "example.com"}, blockpolicy.NopHitRecorder{})
	if d.Kind != blockpolicy.DecisionAllow {
		t.Fatalf("expected allow on empty view, got %+v", d)
	}
}
