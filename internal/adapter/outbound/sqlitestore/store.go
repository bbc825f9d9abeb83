// Package sqlitestore implements the outbound.Store port on top of a
// file-backed SQLite database, reusing a single connection pool for both
// the policy tables and the telemetry log.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sentinelproxy/sentinelproxy/internal/domain/blockpolicy"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/matcher"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
)

// Store persists policy entities and telemetry to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists.
// WAL mode and a busy timeout keep the telemetry writer from contending with
// concurrent reload-time reads of the policy tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS blocked_domains (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		category TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS blocked_ips (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		prefix_len INTEGER,
		direction INTEGER NOT NULL DEFAULT 2,
		active INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS blocked_ports (
		id TEXT PRIMARY KEY,
		start_port INTEGER NOT NULL,
		end_port INTEGER NOT NULL,
		direction INTEGER NOT NULL DEFAULT 2,
		protocol INTEGER NOT NULL DEFAULT 2,
		active INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS block_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		action TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0,
		domain_pattern TEXT,
		source_ip TEXT,
		dest_ip TEXT,
		source_port_start INTEGER,
		source_port_end INTEGER,
		dest_port_start INTEGER,
		dest_port_end INTEGER,
		reason TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS proxy_requests (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		hostname TEXT NOT NULL,
		source_ip TEXT NOT NULL,
		source_port INTEGER NOT NULL,
		destination_ip TEXT NOT NULL,
		destination_port INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		content_length INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL,
		blocked INTEGER NOT NULL,
		block_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_proxy_requests_ts ON proxy_requests(ts);
	CREATE INDEX IF NOT EXISTS idx_proxy_requests_hostname ON proxy_requests(hostname);

	CREATE TABLE IF NOT EXISTS domain_stats (
		hostname TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListActiveDomains returns every active blocked-domain entry, classified
// and ready for View assembly.
func (s *Store) ListActiveDomains(ctx context.Context) ([]blockpolicy.BlockedDomain, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, category, hit_count FROM blocked_domains WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blockpolicy.BlockedDomain
	for rows.Next() {
		var id, pattern, category string
		var hits int64
		if err := rows.Scan(&id, &pattern, &category, &hits); err != nil {
			return nil, err
		}
		out = append(out, blockpolicy.BlockedDomain{
			ID:       id,
			Pattern:  matcher.ClassifyDomainPattern(pattern),
			Category: category,
			Active:   true,
			HitCount: hits,
		})
	}
	return out, rows.Err()
}

// ListActiveIPs returns every active blocked-IP entry.
func (s *Store) ListActiveIPs(ctx context.Context) ([]blockpolicy.BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, prefix_len, direction, hit_count FROM blocked_ips WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blockpolicy.BlockedIP
	for rows.Next() {
		var id, address string
		var prefixLen sql.NullInt64
		var direction int
		var hits int64
		if err := rows.Scan(&id, &address, &prefixLen, &direction, &hits); err != nil {
			return nil, err
		}
		var pl *int
		if prefixLen.Valid {
			v := int(prefixLen.Int64)
			pl = &v
		}
		rule, ok := matcher.ClassifyIPRule(address, pl, matcher.Direction(direction))
		if !ok {
			continue
		}
		out = append(out, blockpolicy.BlockedIP{ID: id, Rule: rule, Active: true, HitCount: hits})
	}
	return out, rows.Err()
}

// ListActivePorts returns every active blocked-port entry.
func (s *Store) ListActivePorts(ctx context.Context) ([]blockpolicy.BlockedPort, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, start_port, end_port, direction, protocol, hit_count FROM blocked_ports WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blockpolicy.BlockedPort
	for rows.Next() {
		var id string
		var start, end, direction, protocol int
		var hits int64
		if err := rows.Scan(&id, &start, &end, &direction, &protocol, &hits); err != nil {
			return nil, err
		}
		out = append(out, blockpolicy.BlockedPort{
			ID: id,
			Rule: matcher.PortRule{
				Start: start, End: end,
				Direction: matcher.Direction(direction),
				Protocol:  matcher.Protocol(protocol),
			},
			Active:   true,
			HitCount: hits,
		})
	}
	return out, rows.Err()
}

// ListActiveRulesByPriority returns every active composite rule in
// evaluation order: ascending priority value, most recently created first
// on ties. SortRules re-derives the same order downstream, but ordering
// here keeps a direct SQL dump of the table already meaningful.
func (s *Store) ListActiveRulesByPriority(ctx context.Context) ([]blockpolicy.BlockRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, action, hit_count,
		       domain_pattern, source_ip, dest_ip,
		       source_port_start, source_port_end, dest_port_start, dest_port_end,
		       reason, created_at
		FROM block_rules WHERE active = 1 ORDER BY priority ASC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blockpolicy.BlockRule
	for rows.Next() {
		var (
			id, name, action, reason                     string
			priority                                      int
			hits, createdAt                               int64
			domainPattern, sourceIP, destIP                sql.NullString
			srcPortStart, srcPortEnd, dstPortStart, dstPortEnd sql.NullInt64
		)
		if err := rows.Scan(&id, &name, &priority, &action, &hits,
			&domainPattern, &sourceIP, &destIP,
			&srcPortStart, &srcPortEnd, &dstPortStart, &dstPortEnd,
			&reason, &createdAt); err != nil {
			return nil, err
		}

		rule := blockpolicy.BlockRule{
			ID: id, Name: name, Priority: priority,
			Action: blockpolicy.Action(action), Active: true, HitCount: hits,
			Reason: reason, CreatedAt: time.Unix(createdAt, 0).UTC(),
		}
		if domainPattern.Valid {
			p := matcher.ClassifyDomainPattern(domainPattern.String)
			rule.DomainPattern = &p
		}
		if sourceIP.Valid {
			if r, ok := matcher.ClassifyIPRule(sourceIP.String, nil, matcher.DirectionSource); ok {
				rule.SourceIP = &r
			}
		}
		if destIP.Valid {
			if r, ok := matcher.ClassifyIPRule(destIP.String, nil, matcher.DirectionDestination); ok {
				rule.DestIP = &r
			}
		}
		if srcPortStart.Valid {
			end := int(srcPortStart.Int64)
			if srcPortEnd.Valid {
				end = int(srcPortEnd.Int64)
			}
			rule.SourcePort = &matcher.PortRule{Start: int(srcPortStart.Int64), End: end, Direction: matcher.DirectionSource, Protocol: matcher.ProtocolBoth}
		}
		if dstPortStart.Valid {
			end := int(dstPortStart.Int64)
			if dstPortEnd.Valid {
				end = int(dstPortEnd.Int64)
			}
			rule.DestPort = &matcher.PortRule{Start: int(dstPortStart.Int64), End: end, Direction: matcher.DirectionDestination, Protocol: matcher.ProtocolBoth}
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// IncrementDomainHit atomically bumps a blocked-domain's hit counter.
func (s *Store) IncrementDomainHit(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blocked_domains SET hit_count = hit_count + 1 WHERE id = ?`, id)
	return err
}

// IncrementIPHit atomically bumps a blocked-IP's hit counter.
func (s *Store) IncrementIPHit(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blocked_ips SET hit_count = hit_count + 1 WHERE id = ?`, id)
	return err
}

// IncrementPortHit atomically bumps a blocked-port's hit counter.
func (s *Store) IncrementPortHit(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blocked_ports SET hit_count = hit_count + 1 WHERE id = ?`, id)
	return err
}

// IncrementRuleHit atomically bumps a composite rule's hit counter.
func (s *Store) IncrementRuleHit(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE block_rules SET hit_count = hit_count + 1 WHERE id = ?`, id)
	return err
}

// UpsertDomainStats creates or updates the per-hostname aggregate row in a
// single statement, relying on SQLite's upsert clause rather than a
// select-then-write race.
func (s *Store) UpsertDomainStats(ctx context.Context, hostname string, reqDelta, bytesDelta, blockedDelta int64) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_stats (hostname, request_count, blocked_count, total_bytes, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			blocked_count = blocked_count + excluded.blocked_count,
			total_bytes = total_bytes + excluded.total_bytes,
			last_seen = excluded.last_seen
	`, hostname, reqDelta, blockedDelta, bytesDelta, now, now)
	return err
}

// AppendProxyRequest inserts one completed-episode row and returns its ID.
// The ID is generated client-side rather than relying on RETURNING support,
// since the driver's dialect support for it is not guaranteed across
// versions.
func (s *Store) AppendProxyRequest(ctx context.Context, row telemetry.ProxyRequest) (string, error) {
	id := row.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_requests (
			id, ts, method, url, hostname, source_ip, source_port,
			destination_ip, destination_port, status_code, content_length,
			response_time_ms, blocked, block_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, ts.Unix(), row.Method, row.URL, row.Hostname, row.SourceIP, row.SourcePort,
		row.DestinationIP, row.DestinationPort, row.StatusCode, row.ContentLength,
		row.ResponseTimeMs, row.Blocked, row.BlockReason)
	if err != nil {
		return "", err
	}
	return id, nil
}
