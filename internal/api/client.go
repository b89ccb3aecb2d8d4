package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
)

// Client is a thin HTTP client for the appliance API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.do(ctx, http.MethodGet, "/stats", nil, &resp)
	return resp, err
}

// AddPath registers a path and returns it with its assigned ID.
func (c *Client) AddPath(ctx context.Context, req PathRequest) (model.Path, error) {
	var resp model.Path
	err := c.do(ctx, http.MethodPost, "/paths", req, &resp)
	return resp, err
}

func (c *Client) ListPaths(ctx context.Context) ([]model.Path, error) {
	var resp PathsResponse
	if err := c.do(ctx, http.MethodGet, "/paths", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (c *Client) DeletePath(ctx context.Context, id model.PathID) error {
	return c.do(ctx, http.MethodDelete, "/paths/"+id.String(), nil, nil)
}

func (c *Client) PathMetrics(ctx context.Context, id model.PathID) (PathMetricsResponse, error) {
	var resp PathMetricsResponse
	err := c.do(ctx, http.MethodGet, "/paths/"+id.String()+"/metrics", nil, &resp)
	return resp, err
}

func (c *Client) AllMetrics(ctx context.Context) (AllMetricsResponse, error) {
	var resp AllMetricsResponse
	err := c.do(ctx, http.MethodGet, "/metrics", nil, &resp)
	return resp, err
}

// History fetches stored metrics of a path measured within the last window.
func (c *Client) History(ctx context.Context, id model.PathID, window time.Duration) (HistoryResponse, error) {
	var resp HistoryResponse
	endpoint := "/paths/" + id.String() + "/history?window=" + url.QueryEscape(window.String())
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Probe runs an on-demand probe of a path.
func (c *Client) Probe(ctx context.Context, id model.PathID) (ProbeResponse, error) {
	var resp ProbeResponse
	err := c.do(ctx, http.MethodPost, "/paths/"+id.String()+"/probe", struct{}{}, &resp)
	return resp, err
}

func (c *Client) ListPolicies(ctx context.Context) ([]netpolicy.NetworkPolicy, error) {
	var resp PoliciesResponse
	if err := c.do(ctx, http.MethodGet, "/policies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Policies, nil
}

func (c *Client) GetPolicy(ctx context.Context, id netpolicy.PolicyID) (netpolicy.NetworkPolicy, error) {
	var resp netpolicy.NetworkPolicy
	err := c.do(ctx, http.MethodGet, "/policies/"+id.String(), nil, &resp)
	return resp, err
}

// ApplyManifest posts a Kubernetes NetworkPolicy manifest (YAML or JSON).
func (c *Client) ApplyManifest(ctx context.Context, manifest []byte) ([]netpolicy.PolicyID, error) {
	var resp PolicyIDsResponse
	if err := c.send(ctx, http.MethodPost, "/policies/kubernetes", "application/yaml", manifest, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) DeletePolicy(ctx context.Context, id netpolicy.PolicyID) error {
	return c.do(ctx, http.MethodDelete, "/policies/"+id.String(), nil, nil)
}

func (c *Client) PolicyStats(ctx context.Context) (netpolicy.Stats, error) {
	var resp netpolicy.Stats
	err := c.do(ctx, http.MethodGet, "/stats/policies", nil, &resp)
	return resp, err
}

func (c *Client) SetLabels(ctx context.Context, ip string, labels netpolicy.LabelSet) error {
	return c.do(ctx, http.MethodPut, "/labels/"+url.PathEscape(ip), LabelsRequest{Labels: labels}, nil)
}

func (c *Client) RemoveLabels(ctx context.Context, ip string) error {
	return c.do(ctx, http.MethodDelete, "/labels/"+url.PathEscape(ip), nil, nil)
}

// EvaluateFlow asks the enforcer for a verdict.
func (c *Client) EvaluateFlow(ctx context.Context, req FlowRequest) (netpolicy.Decision, error) {
	var resp netpolicy.Decision
	err := c.do(ctx, http.MethodPost, "/flows/evaluate", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, path, "application/json", payload, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
