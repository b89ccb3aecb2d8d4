package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sdwanctl/internal/config"
	"sdwanctl/internal/controller"
	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/monitor"
	"sdwanctl/internal/netpolicy"
	"sdwanctl/internal/store"
)

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"127.0.0.1:8080":        "http://127.0.0.1:8080",
		":8080":                 "http://127.0.0.1:8080",
		"https://appliance:443": "https://appliance:443",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestParseLabels(t *testing.T) {
	t.Parallel()

	labels, err := parseLabels([]string{"app=web", "tier=", "env=prod=eu"})
	if err != nil {
		t.Fatalf("parseLabels: %v", err)
	}
	if labels["app"] != "web" || labels["tier"] != "" || labels["env"] != "prod=eu" {
		t.Fatalf("labels=%v", labels)
	}
	if _, err := parseLabels([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if _, err := parseLabels([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

const seedManifest = `
apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: web
spec:
  podSelector:
    matchLabels:
      app: web
  ingress:
    - ports:
        - port: 443
`

func TestSeedEnforcer(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(file, []byte(seedManifest), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := netpolicy.NewEnforcer()
	err := seedEnforcer(e, config.EnforcerConfig{
		PolicyFiles: []string{file},
		Endpoints:   []config.EndpointLabels{{IP: "10.1.0.5", Labels: map[string]string{"app": "web"}}},
	})
	if err != nil {
		t.Fatalf("seedEnforcer: %v", err)
	}

	flow := model.FlowKey{
		SrcIP:    netip.MustParseAddr("192.0.2.9"),
		DstIP:    netip.MustParseAddr("10.1.0.5"),
		DstPort:  443,
		Protocol: uint8(netpolicy.ProtocolTCP),
	}
	if got := e.EvaluateFlow(flow); got != netpolicy.Allow {
		t.Fatalf("verdict=%s", got)
	}

	err = seedEnforcer(netpolicy.NewEnforcer(), config.EnforcerConfig{PolicyFiles: []string{filepath.Join(t.TempDir(), "missing.yaml")}})
	if err == nil {
		t.Fatalf("expected error for missing policy file")
	}
}

func TestEnsureSiteID_WritesBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Config{}
	config.ApplyDefaults(&cfg)

	if err := ensureSiteID(path, &cfg); err != nil {
		t.Fatalf("ensureSiteID: %v", err)
	}
	if _, err := model.ParseSiteID(cfg.Site.ID); err != nil {
		t.Fatalf("generated id %q: %v", cfg.Site.ID, err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Site.ID != cfg.Site.ID {
		t.Fatalf("saved id=%q want %q", loaded.Site.ID, cfg.Site.ID)
	}

	bad := config.Config{Site: config.SiteConfig{ID: "not-a-uuid"}}
	if err := ensureSiteID("", &bad); err == nil {
		t.Fatalf("expected error for malformed site id")
	}
}

func TestCollectHistoryAndExport(t *testing.T) {
	t.Parallel()

	db, err := store.Open(filepath.Join(t.TempDir(), "sdwan.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()
	var ids []model.PathID
	for i := 0; i < 2; i++ {
		id, err := db.InsertPath(ctx, model.Path{SrcSite: model.NewSiteID(), DstSite: model.NewSiteID(), DstEndpoint: "198.51.100.1:51820"})
		if err != nil {
			t.Fatalf("InsertPath: %v", err)
		}
		ids = append(ids, id)
	}
	// Interleave measurements so ordering across paths is exercised.
	for i := 0; i < 4; i++ {
		m := model.PathMetrics{LatencyMs: float64(10 * (i + 1)), Score: 90, MTU: model.DefaultMTU, MeasuredAt: base.Add(time.Duration(i) * time.Second)}
		if err := db.StorePathMetrics(ctx, ids[i%2], m); err != nil {
			t.Fatalf("StorePathMetrics: %v", err)
		}
	}

	all, err := collectHistory(ctx, db, 0, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("collectHistory: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len=%d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Metrics.MeasuredAt.Before(all[i-1].Metrics.MeasuredAt) {
			t.Fatalf("samples out of order at %d", i)
		}
	}

	one, err := collectHistory(ctx, db, ids[1], time.Unix(0, 0))
	if err != nil {
		t.Fatalf("collectHistory: %v", err)
	}
	if len(one) != 2 || one[0].PathID != ids[1] {
		t.Fatalf("one=%+v", one)
	}

	out := filepath.Join(t.TempDir(), "export.csv")
	var stdout bytes.Buffer
	if err := exportCSV(&stdout, out, false, all); err != nil {
		t.Fatalf("exportCSV: %v", err)
	}
	if err := exportCSV(&stdout, out, true, one); err != nil {
		t.Fatalf("exportCSV append: %v", err)
	}
	back, err := metrics.ReadCSV(out)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(back) != 6 {
		t.Fatalf("exported=%d", len(back))
	}

	stdout.Reset()
	if err := exportCSV(&stdout, "-", false, one); err != nil {
		t.Fatalf("exportCSV stdout: %v", err)
	}
	if lines := strings.Count(stdout.String(), "\n"); lines != 3 {
		t.Fatalf("stdout lines=%d: %q", lines, stdout.String())
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, metrics.Summary{})
	if !strings.Contains(buf.String(), "no samples") {
		t.Fatalf("out=%q", buf.String())
	}

	buf.Reset()
	printSummary(&buf, metrics.Summary{Count: 2, AvgLatencyMs: 12.5, AvgScore: 97, MinScore: 95})
	if !strings.Contains(buf.String(), "latency avg=12.50ms") || !strings.Contains(buf.String(), "min=95") {
		t.Fatalf("out=%q", buf.String())
	}
}

// TestCommands_AgainstServer drives the cobra tree against a live API.
func TestCommands_AgainstServer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "sdwan.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	enforcer := netpolicy.NewEnforcer()
	enforcer.Start()
	mon := monitor.New(db, config.MonitorConfig{})
	srv, err := controller.NewServer(config.APIConfig{}, "info", controller.Deps{DB: db, Monitor: mon, Enforcer: enforcer})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	manifest := filepath.Join(t.TempDir(), "np.yaml")
	if err := os.WriteFile(manifest, []byte(seedManifest), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--api", ts.URL}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v: %v (%s)", args, err, out.String())
		}
		return out.String()
	}

	if out := run("policy", "apply", "-f", manifest); !strings.Contains(out, "applied") {
		t.Fatalf("apply: %q", out)
	}
	if out := run("policy", "list"); !strings.Contains(out, "web") {
		t.Fatalf("list: %q", out)
	}
	run("labels", "set", "10.1.0.5", "app=web")
	if out := run("flow", "check", "--src", "192.0.2.9", "--dst", "10.1.0.5", "--dport", "443"); !strings.HasPrefix(out, "allow") {
		t.Fatalf("flow allow: %q", out)
	}
	if out := run("flow", "check", "--src", "192.0.2.9", "--dst", "10.1.0.5", "--dport", "80"); !strings.HasPrefix(out, "deny") {
		t.Fatalf("flow deny: %q", out)
	}
	if out := run("policy", "stats"); !strings.Contains(out, "policies=1 enabled=1 endpoints=1") {
		t.Fatalf("stats: %q", out)
	}

	if out := run("path", "add", "--dst", "198.51.100.4:51820"); !strings.Contains(out, "registered") {
		t.Fatalf("path add: %q", out)
	}
	if out := run("path", "list"); !strings.Contains(out, "198.51.100.4:51820") {
		t.Fatalf("path list: %q", out)
	}
}

type stubPeers map[string]string

func (s stubPeers) PeerEndpoints(iface string) (map[string]string, error) {
	if iface != "wg0" {
		return nil, fmt.Errorf("no device %s", iface)
	}
	return s, nil
}

func TestPeerEndpoint(t *testing.T) {
	t.Parallel()

	peers := stubPeers{"peerA=": "203.0.113.20:40112"}
	ep, err := peerEndpoint(peers, "wg0", "peerA=")
	if err != nil {
		t.Fatalf("peerEndpoint: %v", err)
	}
	if ep != "203.0.113.20:40112" {
		t.Fatalf("ep=%q", ep)
	}
	if _, err := peerEndpoint(peers, "wg0", "peerB="); err == nil {
		t.Fatalf("expected error for unknown peer")
	}
	if _, err := peerEndpoint(peers, "", "peerA="); err == nil {
		t.Fatalf("expected error without interface")
	}
	if _, err := peerEndpoint(peers, "wg9", "peerA="); err == nil {
		t.Fatalf("expected error for missing interface")
	}
}
