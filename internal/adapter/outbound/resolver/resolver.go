// Package resolver implements hostname-to-IP resolution for policy
// evaluation and logging. The proxy always connects upstream by hostname;
// the IP returned here is consulted only to classify the connection
// against blocked-IP/CIDR rules and to populate telemetry rows.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// cacheTTL bounds how long a resolved IP is reused before a fresh lookup.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	ip        string
	resolvedAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.After(e.resolvedAt.Add(cacheTTL))
}

// Resolver resolves hostnames against a configured list of DNS servers,
// falling back to the system resolver when none are configured. Results
// are cached briefly to avoid a lookup on every connection to a hot host.
type Resolver struct {
	servers []string
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	cleanupInterval time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

// New constructs a Resolver. servers is a list of "host:port" resolver
// addresses consulted in order; an empty list falls back to net.Resolver.
func New(servers []string, timeout time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		servers:         servers,
		timeout:         timeout,
		log:             log,
		cache:           make(map[string]cacheEntry),
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}
}

// ResolveIP returns the first resolved IPv4/IPv6 address for host. Satisfies
// connhandler.Resolver.
func (r *Resolver) ResolveIP(ctx context.Context, host string) (string, error) {
	r.mu.RLock()
	if entry, ok := r.cache[host]; ok && !entry.expired(time.Now()) {
		r.mu.RUnlock()
		return entry.ip, nil
	}
	r.mu.RUnlock()

	ip, err := r.lookup(ctx, host)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{ip: ip, resolvedAt: time.Now()}
	r.mu.Unlock()

	r.log.Debug("resolved host", "host", host, "ip", ip)
	return ip, nil
}

func (r *Resolver) lookup(ctx context.Context, host string) (string, error) {
	if len(r.servers) == 0 {
		return r.lookupSystem(ctx, host)
	}
	return r.lookupUpstream(host)
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) (string, error) {
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolver: system lookup %q: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("resolver: system lookup %q returned no results", host)
	}
	return ips[0], nil
}

// lookupUpstream queries the configured servers in order via a plain DNS
// client, trying A then AAAA, and returns the first answer from the first
// server, in list order, that returns one.
func (r *Resolver) lookupUpstream(host string) (string, error) {
	fqdn := dns.Fqdn(host)
	client := &dns.Client{Timeout: r.timeout}

	var lastErr error
	for _, server := range r.servers {
		for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(fqdn, qtype)
			msg.RecursionDesired = true

			resp, _, err := client.Exchange(msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if ip := firstAddress(resp); ip != "" {
				return ip, nil
			}
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("resolver: upstream lookup %q failed: %w", host, lastErr)
	}
	return "", fmt.Errorf("resolver: upstream lookup %q returned no results", host)
}

func firstAddress(msg *dns.Msg) string {
	if msg == nil {
		return ""
	}
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A.String()
		case *dns.AAAA:
			return rec.AAAA.String()
		}
	}
	return ""
}

// StartCleanup runs a background goroutine that periodically evicts expired
// cache entries. Stops when ctx is cancelled or Stop is called.
func (r *Resolver) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.evictExpired()
			}
		}
	}()
}

func (r *Resolver) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	evicted := 0
	for host, entry := range r.cache {
		if entry.expired(now) {
			delete(r.cache, host)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug("resolver cache cleanup", "evicted", evicted, "remaining", len(r.cache))
	}
}

// Stop stops the cleanup goroutine and waits for it to exit. Safe to call
// multiple times.
func (r *Resolver) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
