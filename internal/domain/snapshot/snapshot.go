// Package snapshot implements BlocklistSnapshot: an immutable, atomically
// swapped in-memory projection of the active policy entities, and the
// reload loop that keeps it current.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/port/outbound"
)

// Snapshot holds a readable, reloadable view of the active policy entities
// projected from a Store. Zero value is not usable; use New.
type Snapshot struct {
	store outbound.Store
	log   *slog.Logger

	view atomic.Pointer[blockpolicy.View]

	stopChan chan struct{}
	done     chan struct{}
}

// New constructs a Snapshot bound to store. Call Reload once before serving
// traffic to populate the initial view.
func New(store outbound.Store, log *slog.Logger) *Snapshot {
	if log == nil {
		log = slog.Default()
	}
	s := &Snapshot{store: store, log: log, stopChan: make(chan struct{})}
	s.view.Store(&blockpolicy.View{})
	return s
}

// Evaluate delegates to blockpolicy.Evaluate using the current view.
// Safe for concurrent use; never blocks on a reload in progress.
func (s *Snapshot) Evaluate(tuple blockpolicy.RequestTuple, hits blockpolicy.HitRecorder) blockpolicy.Decision {
	return blockpolicy.Evaluate(s.view.Load(), tuple, hits)
}

// Reload re-reads the Store, builds a fully-populated view off-path, and
// atomically swaps it in. No reader ever observes a torn snapshot: readers
// either see the old view in its entirety or the new one, never a mix.
func (s *Snapshot) Reload(ctx context.Context) error {
	domains, err := s.store.ListActiveDomains(ctx)
	if err != nil {
		return fmt.Errorf("reload: list domains: %w", err)
	}
	ips, err := s.store.ListActiveIPs(ctx)
	if err != nil {
		return fmt.Errorf("reload: list ips: %w", err)
	}
	ports, err := s.store.ListActivePorts(ctx)
	if err != nil {
		return fmt.Errorf("reload: list ports: %w", err)
	}
	rules, err := s.store.ListActiveRulesByPriority(ctx)
	if err != nil {
		return fmt.Errorf("reload: list rules: %w", err)
	}

	view := buildView(domains, ips, ports, rules)
	s.view.Store(view)

	s.log.Info("blocklist loaded",
		"domains", len(domains), "ips", len(ips), "ports", len(ports), "rules", len(rules))
	return nil
}

func buildView(domains []blockpolicy.BlockedDomain, ips []blockpolicy.BlockedIP, ports []blockpolicy.BlockedPort, rules []blockpolicy.BlockRule) *blockpolicy.View {
	view := &blockpolicy.View{
		DomainExact: make(map[string]*blockpolicy.BlockedDomain),
		IPExact:     make(map[string][]*blockpolicy.BlockedIP),
	}

	for i := range domains {
		d := &domains[i]
		if d.Pattern.IsWildcard() {
			view.DomainWildcard = append(view.DomainWildcard, d)
		} else {
			view.DomainExact[d.Pattern.Base] = d
		}
	}

	for i := range ips {
		ip := &ips[i]
		if ip.Rule.Network != nil {
			view.IPRange = append(view.IPRange, ip)
		} else {
			key := ip.Rule.Exact.String()
			view.IPExact[key] = append(view.IPExact[key], ip)
		}
	}

	for i := range ports {
		p := &ports[i]
		if p.Rule.End != 0 && p.Rule.End != p.Rule.Start {
			view.PortRange = append(view.PortRange, p)
		} else {
			view.PortExact = append(view.PortExact, p)
		}
	}

	ruleRefs := make([]*blockpolicy.BlockRule, len(rules))
	for i := range rules {
		ruleRefs[i] = &rules[i]
	}
	blockpolicy.SortRules(ruleRefs)
	view.Rules = ruleRefs

	return view
}

// StartReloadLoop starts a background goroutine that calls Reload on every
// tick of interval. It stops when ctx is cancelled or Stop is called.
// Reload errors are logged and do not replace the currently-served view.
func (s *Snapshot) StartReloadLoop(ctx context.Context, interval time.Duration) {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.log.Warn("blocklist reload failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the reload loop and waits for it to exit. Safe to call even
// if StartReloadLoop was never called.
func (s *Snapshot) Stop() {
	select {
	case <-s.stopChan:
		// already closed
	default:
		close(s.stopChan)
	}
	if s.done != nil {
		<-s.done
	}
}
