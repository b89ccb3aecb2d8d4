package api

import (
	"time"

	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
	"sdwanctl/internal/probe"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse reports liveness of the appliance components.
type HealthResponse struct {
	Status          string    `json:"status"`
	SiteID          string    `json:"site_id,omitempty"`
	SiteName        string    `json:"site_name,omitempty"`
	MonitorRunning  bool      `json:"monitor_running"`
	EnforcerRunning bool      `json:"enforcer_running"`
	Time            time.Time `json:"time"`
}

// PathRequest registers a path.
type PathRequest struct {
	SrcSite     model.SiteID `json:"src_site"`
	DstSite     model.SiteID `json:"dst_site"`
	SrcEndpoint string       `json:"src_endpoint"`
	DstEndpoint string       `json:"dst_endpoint"`
	WGInterface string       `json:"wg_interface,omitempty"`
}

// PathsResponse lists paths.
type PathsResponse struct {
	Paths []model.Path `json:"paths"`
}

// PathMetricsResponse carries the current metrics of one path.
type PathMetricsResponse struct {
	PathID  model.PathID      `json:"path_id"`
	Status  model.PathStatus  `json:"status"`
	Metrics model.PathMetrics `json:"metrics"`
}

// AllMetricsResponse carries live metrics of every tracked path.
type AllMetricsResponse struct {
	Paths []PathMetricsResponse `json:"paths"`
}

// HistoryResponse carries stored metrics and their summary.
type HistoryResponse struct {
	PathID  model.PathID          `json:"path_id"`
	Since   time.Time             `json:"since"`
	Samples []model.MetricsSample `json:"samples"`
	Summary metrics.Summary       `json:"summary"`
}

// ProbeResponse is the result of an on-demand probe.
type ProbeResponse struct {
	PathID model.PathID `json:"path_id"`
	RTTMs  float64      `json:"rtt_ms"`
}

// PoliciesResponse lists policies in evaluation order.
type PoliciesResponse struct {
	Policies []netpolicy.NetworkPolicy `json:"policies"`
}

// PolicyIDsResponse lists the IDs of applied policies.
type PolicyIDsResponse struct {
	IDs []netpolicy.PolicyID `json:"ids"`
}

// LabelsRequest sets the labels of an endpoint.
type LabelsRequest struct {
	Labels netpolicy.LabelSet `json:"labels"`
}

// LabelsResponse returns the labels of an endpoint.
type LabelsResponse struct {
	IP     string             `json:"ip"`
	Labels netpolicy.LabelSet `json:"labels"`
}

// FlowRequest describes a flow to evaluate. Protocol is a name (TCP, UDP,
// SCTP) or an IANA number.
type FlowRequest struct {
	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol string `json:"protocol"`
}

// StatsResponse summarises the appliance state.
type StatsResponse struct {
	Paths     int                   `json:"paths"`
	Tracked   int                   `json:"tracked_paths"`
	ByStatus  map[string]int        `json:"by_status"`
	Policies  netpolicy.Stats       `json:"policies"`
	Responder *probe.ResponderStats `json:"responder,omitempty"`
}
