// Package acceptor implements the inbound socket adapter: bind a dual-stack
// listener, accept connections, and dispatch each to a connection handler on
// its own goroutine.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/sentinelproxy/sentinelproxy/internal/port/inbound"
)

// Handler is the per-connection entry point the acceptor dispatches to.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, srcIP string, srcPort int)
}

// Backlog is the listen backlog passed to the kernel.
const Backlog = 200

// Acceptor binds a listening socket and hands off accepted connections.
// Implements inbound.Acceptor.
type Acceptor struct {
	addr    string
	handler Handler
	log     *slog.Logger

	// ConnectionsTotal counts every accepted connection. Optional; nil is a
	// no-op, so tests that build an Acceptor directly need not set it.
	ConnectionsTotal prometheus.Counter

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	wg sync.WaitGroup
}

// New builds an Acceptor for addr (host:port or a bare port). Only the port
// is used: Start always binds all interfaces, whatever the host part says.
// handler runs once per accepted connection.
func New(addr string, handler Handler, log *slog.Logger) *Acceptor {
	if log == nil {
		log = slog.Default()
	}
	return &Acceptor{addr: addr, handler: handler, log: log}
}

// Start binds the listening socket, preferring a dual-stack IPv6 bind with
// IPV6_V6ONLY disabled so IPv4 clients connect via IPv4-mapped addresses,
// and falling back to an IPv4-only bind if that fails (e.g. IPv6 unavailable
// on the host). It then accepts connections until ctx is cancelled or Close
// is called, dispatching each to handler.Handle on its own goroutine. Once
// the listener is closed, Start waits for in-flight handlers to return
// before it returns.
func (a *Acceptor) Start(ctx context.Context) error {
	port, err := portOf(a.addr)
	if err != nil {
		return err
	}

	ln, err := bindDualStack(port)
	if err != nil {
		a.log.Warn("acceptor: dual-stack bind failed, falling back to IPv4", "addr", a.addr, "error", err)
		ln, err = bindIPv4(port)
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	a.listener = ln
	a.mu.Unlock()

	a.log.Info("acceptor: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()

	return a.acceptLoop(ctx, ln)
}

// acceptLoop runs the accept/dispatch cycle over an already-bound listener
// until it errors or is closed. Split out from Start so tests can exercise
// it against a listener bound without the dual-stack/IPv4 fallback dance.
func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.isClosed() {
				break
			}
			if isTemporary(err) {
				a.log.Warn("acceptor: temporary accept error", "error", err)
				continue
			}
			a.log.Error("acceptor: fatal accept error", "error", err)
			return err
		}

		if a.ConnectionsTotal != nil {
			a.ConnectionsTotal.Inc()
		}

		srcIP, srcPort := splitRemote(conn.RemoteAddr())
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handler.Handle(ctx, conn, srcIP, srcPort)
		}()
	}

	a.wg.Wait()
	return nil
}

// Close stops accepting new connections. In-flight connections are left to
// drain on their own; Close does not wait for them.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

func (a *Acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Bare port, no host part (e.g. ":8080" without the colon handled
		// by SplitHostPort already; this covers a plain "8080").
		portStr = addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("acceptor: invalid listen address %q: %w", addr, err)
	}
	return port, nil
}

// bindDualStack creates an IPv6 socket with IPV6_V6ONLY cleared so IPv4
// peers connect via mapped addresses, SO_REUSEADDR set, and a real kernel
// backlog of Backlog rather than the net package's fixed default.
func bindDualStack(port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return listenerFromFD(fd, "sentinelproxy-tcp6")
}

// bindIPv4 is the fallback used when the host has no IPv6 stack.
func bindIPv4(port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return listenerFromFD(fd, "sentinelproxy-tcp4")
}

// listenerFromFD hands the raw fd to the net package via os.NewFile +
// net.FileListener, which dup's the descriptor into net's internal poller;
// the original fd and *os.File are closed once FileListener has its copy.
func listenerFromFD(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// splitRemote normalizes an accepted connection's remote address, stripping
// the IPv4-mapped-IPv6 prefix so downstream policy matching and logging see
// plain IPv4 dotted-quad addresses for IPv4 peers.
func splitRemote(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	host = strings.TrimPrefix(host, "::ffff:")
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		}
	}
	return host, port
}

var _ inbound.Acceptor = (*Acceptor)(nil)
