package telemetry

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	domaintelemetry "github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

type recordingStore struct {
	mu          sync.Mutex
	rows        []domaintelemetry.ProxyRequest
	ruleHits    map[string]int
	statsCalled int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{ruleHits: map[string]int{}}
}

func (s *recordingStore) ListActiveDomains(ctx context.Context) ([]blockpolicy.BlockedDomain, error) {
	return nil, nil
}
func (s *recordingStore) ListActiveIPs(ctx context.Context) ([]blockpolicy.BlockedIP, error) {
	return nil, nil
}
func (s *recordingStore) ListActivePorts(ctx context.Context) ([]blockpolicy.BlockedPort, error) {
	return nil, nil
}
func (s *recordingStore) ListActiveRulesByPriority(ctx context.Context) ([]blockpolicy.BlockRule, error) {
	return nil, nil
}

func (s *recordingStore) IncrementDomainHit(ctx context.Context, id string) error { return nil }
func (s *recordingStore) IncrementIPHit(ctx context.Context, id string) error     { return nil }
func (s *recordingStore) IncrementPortHit(ctx context.Context, id string) error   { return nil }
func (s *recordingStore) IncrementRuleHit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleHits[id]++
	return nil
}
func (s *recordingStore) UpsertDomainStats(ctx context.Context, hostname string, reqDelta, bytesDelta, blockedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalled++
	return nil
}
func (s *recordingStore) AppendProxyRequest(ctx context.Context, row domaintelemetry.ProxyRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return "id", nil
}

type noopBroadcaster struct{ calls int }

func (b *noopBroadcaster) Publish(ctx context.Context, group string, event any) error {
	b.calls++
	return nil
}

func TestSinkProcessesRequestRow(t *testing.T) {
	store := newRecordingStore()
	bc := &noopBroadcaster{}
	sink := New(store, bc, nil, nil, Config{QueueSize: 8, WorkerCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)
	defer sink.Stop()

	sink.Submit(NewRequestTask(domaintelemetry.ProxyRequest{Hostname: "example.com"}, true))

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		n := len(store.rows)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for row to be processed")
		case <-time.After(time.Millisecond):
		}
	}
	if bc.calls != 1 {
		t.Errorf("expected 1 broadcast call, got %d", bc.calls)
	}
}

func TestSinkRecordRuleHit(t *testing.T) {
	store := newRecordingStore()
	sink := New(store, &noopBroadcaster{}, nil, nil, Config{QueueSize: 8, WorkerCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)
	defer sink.Stop()

	sink.RecordRuleHit("r1")

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		n := store.ruleHits["r1"]
		store.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for hit increment")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSinkDropsOldestOnFullQueue(t *testing.T) {
	store := newRecordingStore()
	sink := New(store, &noopBroadcaster{}, nil, nil, Config{QueueSize: 1, WorkerCount: 0})
	// No workers started: queue fills and subsequent submits must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Submit(NewRequestTask(domaintelemetry.ProxyRequest{Hostname: "x" + strconv.Itoa(i)}, false))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked despite drop-oldest policy")
	}
	if got := len(sink.queue); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	if kept := <-sink.queue; kept.row.Hostname != "x9" {
		t.Errorf("kept task hostname = %q, want x9 (older tasks dropped)", kept.row.Hostname)
	}
}
