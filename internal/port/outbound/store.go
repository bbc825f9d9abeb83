// Package outbound defines the outbound port interfaces the proxy core
// consumes: persistent storage and the real-time broadcast channel.
package outbound

import (
	"context"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

// Store is the outbound port for persisted policy entities and telemetry.
// The core only requires atomic increments and insert-or-update semantics;
// it is agnostic to the backing engine.
type Store interface {
	ListActiveDomains(ctx context.Context) ([]blockpolicy.BlockedDomain, error)
	ListActiveIPs(ctx context.Context) ([]blockpolicy.BlockedIP, error)
	ListActivePorts(ctx context.Context) ([]blockpolicy.BlockedPort, error)
	ListActiveRulesByPriority(ctx context.Context) ([]blockpolicy.BlockRule, error)

	IncrementDomainHit(ctx context.Context, id string) error
	IncrementIPHit(ctx context.Context, id string) error
	IncrementPortHit(ctx context.Context, id string) error
	IncrementRuleHit(ctx context.Context, id string) error

	UpsertDomainStats(ctx context.Context, hostname string, reqDelta, bytesDelta, blockedDelta int64) error
	AppendProxyRequest(ctx context.Context, row telemetry.ProxyRequest) (string, error)
}

// Broadcaster is the outbound port for the real-time event bus. Publish
// failures are swallowed by callers; they never affect request handling.
type Broadcaster interface {
	Publish(ctx context.Context, group string, event any) error
}
