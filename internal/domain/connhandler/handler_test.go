package connhandler

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEvaluator wraps blockpolicy.Evaluate over a literal View.
type fakeEvaluator struct {
	view *blockpolicy.View
}

func (f fakeEvaluator) Evaluate(tuple blockpolicy.RequestTuple, hits blockpolicy.HitRecorder) blockpolicy.Decision {
	return blockpolicy.Evaluate(f.view, tuple, hits)
}

// fakeSink records submitted rows and satisfies blockpolicy.HitRecorder as a no-op.
type fakeSink struct {
	blockpolicy.NopHitRecorder

	mu   sync.Mutex
	rows []telemetry.ProxyRequest
}

func (f *fakeSink) SubmitRequest(row telemetry.ProxyRequest, broadcast bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
}

func (f *fakeSink) lastRow() (telemetry.ProxyRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return telemetry.ProxyRequest{}, false
	}
	return f.rows[len(f.rows)-1], true
}

// fakeResolver always resolves to a fixed IP.
type fakeResolver struct{ ip string }

func (f fakeResolver) ResolveIP(ctx context.Context, host string) (string, error) {
	return f.ip, nil
}

func startFakeUpstream(t *testing.T, respond func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		respond(conn)
	}()

	return ln.Addr().String()
}

func echoUpstream(conn net.Conn) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	_ = n
}

func newTestHandler(eval Evaluator, sink TelemetrySink, resolver Resolver) *Handler {
	h := New(eval, sink, resolver, nil)
	h.NoBroadcast = true
	return h
}

func TestHandle_ForwardsAllowedHTTPRequest(t *testing.T) {
	t.Parallel()

	upstreamAddr := startFakeUpstream(t, echoUpstream)
	host, port := splitHostPort(upstreamAddr, 80)

	view := &blockpolicy.View{DomainExact: map[string]*blockpolicy.BlockedDomain{}}
	sink := &fakeSink{}
	h := newTestHandler(fakeEvaluator{view: view}, sink, fakeResolver{ip: host})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Handle(context.Background(), server, "10.0.0.5", 5555)
	}()

	req := "GET http://" + host + ":" + strconv.Itoa(port) + "/ HTTP/1.1\r\nHost: " + host + "\r\nConnection: keep-alive\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 4096)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := string(buf[:n]); got == "" {
		t.Fatal("expected a non-empty response from upstream")
	}

	<-done
	row, ok := sink.lastRow()
	if !ok {
		t.Fatal("expected a submitted telemetry row")
	}
	if row.Blocked {
		t.Error("expected an allowed request, got Blocked=true")
	}
	if row.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", row.StatusCode)
	}
}

func TestHandle_BlocksDomainAndEmits403(t *testing.T) {
	t.Parallel()

	blocked := blockpolicy.BlockedDomain{
		ID:      "d1",
		Pattern: matcher.ClassifyDomainPattern("blocked.example.com"),
		Active:  true,
	}
	view := &blockpolicy.View{
		DomainExact: map[string]*blockpolicy.BlockedDomain{"blocked.example.com": &blocked},
	}
	sink := &fakeSink{}
	h := newTestHandler(fakeEvaluator{view: view}, sink, fakeResolver{ip: "93.184.216.34"})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Handle(context.Background(), server, "10.0.0.5", 5555)
	}()

	req := "GET http://blocked.example.com/ HTTP/1.1\r\nHost: blocked.example.com\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 4096)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := string(buf[:n]); len(got) == 0 {
		t.Fatal("expected a blocked-page response body")
	}

	<-done
	row, ok := sink.lastRow()
	if !ok {
		t.Fatal("expected a submitted telemetry row")
	}
	if !row.Blocked {
		t.Error("expected Blocked=true for a blocked domain")
	}
	if row.StatusCode != 403 {
		t.Errorf("StatusCode = %d, want 403", row.StatusCode)
	}
}

func TestHandle_MalformedFirstLineTerminatesSilently(t *testing.T) {
	t.Parallel()

	view := &blockpolicy.View{DomainExact: map[string]*blockpolicy.BlockedDomain{}}
	sink := &fakeSink{}
	h := newTestHandler(fakeEvaluator{view: view}, sink, fakeResolver{ip: "1.2.3.4"})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Handle(context.Background(), server, "10.0.0.5", 5555)
	}()

	if _, err := client.Write([]byte("X")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-done

	if _, ok := sink.lastRow(); ok {
		t.Error("expected no telemetry row for a malformed request")
	}
}
