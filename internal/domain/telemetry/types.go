// Package telemetry models the append-only request log row and the
// aggregated per-hostname counters the fire-and-forget sink maintains.
package telemetry

import "time"

// ProxyRequest is a single completed connection-handling episode.
// Created exactly once per episode, blocked or allowed.
type ProxyRequest struct {
	ID              string
	Timestamp       time.Time
	Method          string
	URL             string
	Hostname        string
	SourceIP        string
	SourcePort      int
	DestinationIP   string
	DestinationPort int
	StatusCode      int
	ContentLength   int64
	ResponseTimeMs  int64
	Blocked         bool
	BlockReason     string
}

// DomainStats is the per-hostname aggregate, updated atomically at the
// Store layer on every completed episode.
type DomainStats struct {
	Hostname     string
	RequestCount int64
	BlockedCount int64
	TotalBytes   int64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// NewRequestEvent is the payload published to the Broadcaster under the
// "dashboard" group whenever a ProxyRequest row is appended by a task whose
// broadcast flag is set.
type NewRequestEvent struct {
	Type    string       `json:"type"`
	Request ListViewItem `json:"request"`
}

// ListViewItem is the serialized projection of a ProxyRequest the
// broadcast event carries — narrower than the full row, matching what a
// live dashboard feed needs.
type ListViewItem struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Method          string    `json:"method"`
	Hostname        string    `json:"hostname"`
	StatusCode      int       `json:"status_code"`
	Blocked         bool      `json:"blocked"`
	ResponseTimeMs  int64     `json:"response_time_ms"`
	SourceIP        string    `json:"source_ip"`
	DestinationPort int       `json:"destination_port"`
}

// ToListView narrows a ProxyRequest down to its broadcast projection.
func (r ProxyRequest) ToListView() ListViewItem {
	return ListViewItem{
		ID:              r.ID,
		Timestamp:       r.Timestamp,
		Method:          r.Method,
		Hostname:        r.Hostname,
		StatusCode:      r.StatusCode,
		Blocked:         r.Blocked,
		ResponseTimeMs:  r.ResponseTimeMs,
		SourceIP:        r.SourceIP,
		DestinationPort: r.DestinationPort,
	}
}
