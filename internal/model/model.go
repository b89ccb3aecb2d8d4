package model

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultMTU is reported for paths whose MTU has not been discovered.
const DefaultMTU = 1500

// PathID identifies a monitored overlay path.
type PathID uint64

func (id PathID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePathID parses the decimal form produced by String.
func ParsePathID(s string) (PathID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid path id %q: %w", s, err)
	}
	return PathID(v), nil
}

// SiteID identifies a site (appliance) in the overlay.
type SiteID uuid.UUID

// NewSiteID returns a random site ID.
func NewSiteID() SiteID {
	return SiteID(uuid.New())
}

// ParseSiteID parses the canonical UUID form.
func ParseSiteID(s string) (SiteID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SiteID{}, fmt.Errorf("invalid site id %q: %w", s, err)
	}
	return SiteID(u), nil
}

func (id SiteID) String() string {
	return uuid.UUID(id).String()
}

func (id SiteID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SiteID) UnmarshalText(b []byte) error {
	parsed, err := ParseSiteID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PathStatus is the health state derived from the latest metrics.
type PathStatus string

const (
	PathUp       PathStatus = "up"
	PathDegraded PathStatus = "degraded"
	PathDown     PathStatus = "down"
)

// Valid reports whether s is one of the known statuses.
func (s PathStatus) Valid() bool {
	switch s {
	case PathUp, PathDegraded, PathDown:
		return true
	}
	return false
}

// Path is a tunnel between two site endpoints.
type Path struct {
	ID          PathID     `json:"id"`
	SrcSite     SiteID     `json:"src_site"`
	DstSite     SiteID     `json:"dst_site"`
	SrcEndpoint string     `json:"src_endpoint"` // host:port
	DstEndpoint string     `json:"dst_endpoint"` // host:port
	WGInterface string     `json:"wg_interface,omitempty"`
	Status      PathStatus `json:"status"`
}

// PathMetrics is an immutable quality snapshot of a path.
type PathMetrics struct {
	LatencyMs     float64   `json:"latency_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	BandwidthMbps float64   `json:"bandwidth_mbps"`
	MTU           int       `json:"mtu"`
	MeasuredAt    time.Time `json:"measured_at"`
	Score         uint8     `json:"score"`
}

// MetricsSample ties a stored snapshot to its path, for history queries.
type MetricsSample struct {
	PathID  PathID      `json:"path_id"`
	Metrics PathMetrics `json:"metrics"`
}

// FlowKey identifies a candidate flow evaluated against policy.
type FlowKey struct {
	SrcIP    netip.Addr `json:"src_ip"`
	DstIP    netip.Addr `json:"dst_ip"`
	SrcPort  uint16     `json:"src_port"`
	DstPort  uint16     `json:"dst_port"`
	Protocol uint8      `json:"protocol"` // IANA protocol number
}

func (f FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%d", f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.Protocol)
}
