// Package connhandler implements the per-connection state machine: read
// the first request line, classify it as a forward or CONNECT request,
// consult the policy engine, and either forward, tunnel, or emit a 403.
package connhandler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockedpage"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

const (
	// FirstReadTimeout bounds how long the handler waits for the client's
	// first request line.
	FirstReadTimeout = 30 * time.Second
	// ConnectTimeout bounds the upstream TCP dial for both Forward-HTTP and
	// Tunnel-HTTPS.
	ConnectTimeout = 15 * time.Second
	// BufferSize is the read buffer used for both the first read and the
	// tunnel copiers.
	BufferSize = 128 * 1024
)

// Evaluator is the policy gate the handler consults once per connection.
type Evaluator interface {
	Evaluate(tuple blockpolicy.RequestTuple, hits blockpolicy.HitRecorder) blockpolicy.Decision
}

// TelemetrySink is everything the handler needs from the telemetry pipeline:
// hit-count notification plus the fire-and-forget request-row submission.
type TelemetrySink interface {
	blockpolicy.HitRecorder
	SubmitRequest(row telemetry.ProxyRequest, broadcast bool)
}

// Resolver resolves a hostname to an IP for policy evaluation and logging
// only; the subsequent upstream connect always uses the original hostname.
type Resolver interface {
	ResolveIP(ctx context.Context, host string) (string, error)
}

// Dialer opens the upstream TCP connection. Exists as an interface so tests
// can substitute an in-memory pipe without binding a real socket.
type Dialer interface {
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// Handler implements the Recv-First/Classify/Forward-HTTP/Tunnel-HTTPS/
// Emit-403/Terminate state machine for one accepted connection.
type Handler struct {
	Evaluator  Evaluator
	Telemetry  TelemetrySink
	Resolver   Resolver
	Dialer     Dialer
	Log        *slog.Logger
	NowFunc    func() time.Time
	NoBroadcast bool // suppresses the broadcast flag on submitted rows; serve sets it from telemetry.broadcast
}

// New builds a Handler with production defaults for Dialer and NowFunc.
func New(eval Evaluator, sink TelemetrySink, resolver Resolver, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Evaluator: eval,
		Telemetry: sink,
		Resolver:  resolver,
		Dialer:    netDialer{},
		Log:       log,
		NowFunc:   time.Now,
	}
}

// Handle runs the full state machine for one accepted connection. It always
// closes conn before returning; no socket escapes the handler.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, srcIP string, srcPort int) {
	defer conn.Close()
	start := h.NowFunc()

	_ = conn.SetReadDeadline(start.Add(FirstReadTimeout))
	buf := make([]byte, BufferSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return // Recv-First failure: MalformedRequest/empty read, silent terminate.
	}
	data := buf[:n]

	firstLine := splitFirstLine(data)
	parts := strings.Fields(firstLine)
	if len(parts) < 2 {
		return // MalformedRequest: fewer than two tokens on the first line.
	}
	method, target := parts[0], parts[1]

	if strings.EqualFold(method, "CONNECT") {
		h.handleConnect(ctx, conn, target, srcIP, srcPort, start)
		return
	}
	h.handleForward(ctx, conn, method, target, data, srcIP, srcPort, start)
}

// splitFirstLine returns the CRLF-delimited first line, without the CRLF.
func splitFirstLine(data []byte) string {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return string(data[:i])
		}
	}
	return string(data)
}

func (h *Handler) resolveDestIP(ctx context.Context, host string) string {
	if h.Resolver == nil {
		return "0.0.0.0"
	}
	ip, err := h.Resolver.ResolveIP(ctx, host)
	if err != nil || ip == "" {
		return "0.0.0.0"
	}
	return ip
}

func (h *Handler) handleConnect(ctx context.Context, client net.Conn, target, srcIP string, srcPort int, start time.Time) {
	host, port := splitHostPort(target, 443)
	dstIP := h.resolveDestIP(ctx, host)

	decision := h.Evaluator.Evaluate(blockpolicy.RequestTuple{
		Hostname: host, SrcIP: srcIP, DstIP: dstIP,
		SrcPort: &srcPort, DstPort: &port,
	}, h.Telemetry)

	if decision.Kind == blockpolicy.DecisionBlock {
		h.emitBlocked(client, "CONNECT", host, dstIP, port, srcIP, srcPort, decision, start)
		return
	}

	target2 := net.JoinHostPort(host, strconv.Itoa(port))
	upstream, err := h.Dialer.DialTimeout("tcp", target2, ConnectTimeout)
	if err != nil {
		h.writeBadGatewayIfPossible(client)
		h.logEpisode("CONNECT", host, srcIP, srcPort, dstIP, port, 0, 0, false, "", start)
		return
	}
	defer upstream.Close()

	effDstIP, effDstPort := peerAddr(upstream, host, port)

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		h.logEpisode("CONNECT", host, srcIP, srcPort, effDstIP, effDstPort, 0, 0, false, "", start)
		return
	}

	_ = client.SetReadDeadline(time.Time{})
	_ = client.SetWriteDeadline(time.Time{})

	h.tunnel(client, upstream)

	h.submitRow(telemetry.ProxyRequest{
		Method: "CONNECT", URL: "https://" + host, Hostname: host,
		SourceIP: srcIP, SourcePort: srcPort,
		DestinationIP: effDstIP, DestinationPort: effDstPort,
		StatusCode: 200, ContentLength: 0,
		ResponseTimeMs: h.elapsedMs(start), Blocked: false,
	})
}

// tunnel runs two half-duplex copiers and waits for both to finish. The
// first to observe EOF half-closes its write side so the peer copier also
// completes, then both sockets are closed once both copiers are done.
func (h *Handler) tunnel(client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.CopyBuffer(upstream, client, make([]byte, BufferSize))
		if tc, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.CopyBuffer(client, upstream, make([]byte, BufferSize))
		if tc, ok := client.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
	}()

	wg.Wait()
}

func (h *Handler) handleForward(ctx context.Context, client net.Conn, method, target string, fullData []byte, srcIP string, srcPort int, start time.Time) {
	target = strings.TrimPrefix(target, "http://")
	hostPart, path := target, "/"
	if idx := strings.IndexByte(target, '/'); idx >= 0 {
		hostPart, path = target[:idx], target[idx:]
	}
	host, port := splitHostPort(hostPart, 80)

	dstIP := h.resolveDestIP(ctx, host)

	decision := h.Evaluator.Evaluate(blockpolicy.RequestTuple{
		Hostname: host, SrcIP: srcIP, DstIP: dstIP,
		SrcPort: &srcPort, DstPort: &port,
	}, h.Telemetry)

	if decision.Kind == blockpolicy.DecisionBlock {
		h.emitBlocked(client, method, host, dstIP, port, srcIP, srcPort, decision, start)
		return
	}

	rewritten := rewriteConnectionHeader(fullData)

	target2 := net.JoinHostPort(host, strconv.Itoa(port))
	upstream, err := h.Dialer.DialTimeout("tcp", target2, ConnectTimeout)
	if err != nil {
		h.writeBadGatewayIfPossible(client)
		h.logEpisode(method, host, srcIP, srcPort, dstIP, port, 0, 0, false, "", start)
		return
	}
	defer upstream.Close()

	effDstIP, effDstPort := peerAddr(upstream, host, port)

	if _, err := upstream.Write(rewritten); err != nil {
		h.writeBadGatewayIfPossible(client)
		h.logEpisode(method, host, srcIP, srcPort, effDstIP, effDstPort, 0, 0, false, "", start)
		return
	}

	var total int64
	buf := make([]byte, BufferSize)
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := client.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}

	h.submitRow(telemetry.ProxyRequest{
		Method: method, URL: "http://" + host + path, Hostname: host,
		SourceIP: srcIP, SourcePort: srcPort,
		DestinationIP: effDstIP, DestinationPort: effDstPort,
		StatusCode: 200, ContentLength: total,
		ResponseTimeMs: h.elapsedMs(start), Blocked: false,
	})
}

// rewriteConnectionHeader replaces "Connection: keep-alive" with
// "Connection: close", or injects "Connection: close" before the final
// blank line if no Connection header is present.
func rewriteConnectionHeader(data []byte) []byte {
	s := string(data)
	lower := strings.ToLower(s)

	if idx := strings.Index(lower, "connection: keep-alive"); idx >= 0 {
		return []byte(s[:idx] + "Connection: close" + s[idx+len("connection: keep-alive"):])
	}
	if strings.Contains(lower, "connection: close") {
		return data
	}
	if idx := strings.Index(s, "\r\n\r\n"); idx >= 0 {
		return []byte(s[:idx] + "\r\nConnection: close" + s[idx:])
	}
	return data
}

func (h *Handler) emitBlocked(client net.Conn, method, host, dstIP string, dstPort int, srcIP string, srcPort int, decision blockpolicy.Decision, start time.Time) {
	page := blockedpage.Render(host, decision.Reason, h.NowFunc())
	_, _ = client.Write(page) // best-effort; a write error collapses to Terminate.

	h.submitRow(telemetry.ProxyRequest{
		Method: method, URL: schemeFor(method) + host, Hostname: host,
		SourceIP: srcIP, SourcePort: srcPort,
		DestinationIP: dstIP, DestinationPort: dstPort,
		StatusCode: 403, ContentLength: 0,
		ResponseTimeMs: h.elapsedMs(start), Blocked: true, BlockReason: decision.Reason,
	})
}

func schemeFor(method string) string {
	if strings.EqualFold(method, "CONNECT") {
		return "https://"
	}
	return "http://"
}

func (h *Handler) writeBadGatewayIfPossible(client net.Conn) {
	_, _ = client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
}

func (h *Handler) logEpisode(method, host, srcIP string, srcPort int, dstIP string, dstPort int, size int64, status int, blocked bool, reason string, start time.Time) {
	h.submitRow(telemetry.ProxyRequest{
		Method: method, URL: schemeFor(method) + host, Hostname: host,
		SourceIP: srcIP, SourcePort: srcPort,
		DestinationIP: dstIP, DestinationPort: dstPort,
		StatusCode: status, ContentLength: size,
		ResponseTimeMs: h.elapsedMs(start), Blocked: blocked, BlockReason: reason,
	})
}

func (h *Handler) submitRow(row telemetry.ProxyRequest) {
	row.Timestamp = h.NowFunc()
	h.Telemetry.SubmitRequest(row, !h.NoBroadcast)
}

func (h *Handler) elapsedMs(start time.Time) int64 {
	return h.NowFunc().Sub(start).Milliseconds()
}

// splitHostPort splits "host" or "host:port" into its parts, defaulting the
// port when absent.
func splitHostPort(hostPort string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// peerAddr reports the upstream connection's actual peer address, falling
// back to the original hostname/port if it cannot be determined.
func peerAddr(conn net.Conn, fallbackHost string, fallbackPort int) (string, int) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fallbackHost, fallbackPort
	}
	return addr.IP.String(), addr.Port
}
