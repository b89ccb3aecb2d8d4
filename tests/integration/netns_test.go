//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"
)

// This test requires:
// - Linux
// - root (netns + link creation)
// - iproute2 (`ip`, `tc` with netem)
//
// It is gated behind -tags=integration and SDWANCTL_INTEGRATION=1 to avoid
// accidental local network disruption.
func TestNetns_ProbeAcrossSites(t *testing.T) {
	if os.Getenv("SDWANCTL_INTEGRATION") != "1" {
		t.Skip("set SDWANCTL_INTEGRATION=1 to run")
	}
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	for _, tool := range []string{"ip", "tc"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skip("missing " + tool)
		}
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "sdwanctl")
	run(t, "../..", "go", "build", "-o", bin, "./cmd/sdwanctl")

	suffix := fmt.Sprintf("%d", os.Getpid())
	nsA := "sdwan-a-" + suffix
	nsB := "sdwan-b-" + suffix
	br := "sdwan-br-" + suffix
	t.Cleanup(func() {
		_ = exec.Command("ip", "netns", "del", nsA).Run()
		_ = exec.Command("ip", "netns", "del", nsB).Run()
		_ = exec.Command("ip", "link", "del", br).Run()
	})

	run(t, ".", "ip", "netns", "add", nsA)
	run(t, ".", "ip", "netns", "add", nsB)
	run(t, ".", "ip", "link", "add", br, "type", "bridge")
	run(t, ".", "ip", "link", "set", br, "up")

	connect := func(ns, ifBr, ipCIDR string) {
		run(t, ".", "ip", "link", "add", ifBr, "type", "veth", "peer", "name", "eth0-"+suffix)
		run(t, ".", "ip", "link", "set", "eth0-"+suffix, "netns", ns)
		run(t, ".", "ip", "link", "set", ifBr, "master", br)
		run(t, ".", "ip", "link", "set", ifBr, "up")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "eth0-"+suffix, "name", "eth0")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "lo", "up")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "addr", "add", ipCIDR, "dev", "eth0")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "eth0", "up")
	}
	connect(nsA, "veth-a-"+suffix, "192.168.100.2/24")
	connect(nsB, "veth-b-"+suffix, "192.168.100.3/24")

	// 20ms each way on site B's uplink.
	run(t, ".", "ip", "netns", "exec", nsB, "tc", "qdisc", "add", "dev", "eth0", "root", "netem", "delay", "20ms")

	bCfg := filepath.Join(tmp, "b.yaml")
	mustWrite(t, bCfg, "site:\n  name: site-b\n")
	bCmd := exec.Command("ip", "netns", "exec", nsB, bin, "responder", "--config", bCfg)
	bCmd.Stdout = os.Stdout
	bCmd.Stderr = os.Stderr
	if err := bCmd.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	t.Cleanup(func() { _ = bCmd.Process.Kill() })

	aCfg := filepath.Join(tmp, "a.yaml")
	mustWrite(t, aCfg, fmt.Sprintf(`site:
  name: site-a
database:
  path: %q
monitor:
  probe_interval: 500ms
  metrics_interval: 1s
  bandwidth_interval: 1h
  responder: false
api:
  listen: "127.0.0.1:18080"
`, filepath.Join(tmp, "a.db")))
	aCmd := exec.Command("ip", "netns", "exec", nsA, bin, "serve", "--config", aCfg)
	aCmd.Stdout = os.Stdout
	aCmd.Stderr = os.Stderr
	if err := aCmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { _ = aCmd.Process.Kill() })

	cli := func(args ...string) (string, error) {
		full := append([]string{"netns", "exec", nsA, bin, "--api", "127.0.0.1:18080"}, args...)
		out, err := exec.Command("ip", full...).CombinedOutput()
		return string(out), err
	}

	var added string
	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err := cli("path", "add", "--dst", "192.168.100.3:51820")
		if err == nil {
			added = out
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("path add: %v\n%s", err, out)
		}
		time.Sleep(200 * time.Millisecond)
	}
	m := regexp.MustCompile(`path (\d+) registered`).FindStringSubmatch(added)
	if m == nil {
		t.Fatalf("unexpected path add output: %q", added)
	}
	id := m[1]

	out, err := cli("path", "probe", id)
	if err != nil {
		t.Fatalf("path probe: %v\n%s", err, out)
	}
	rtt := regexp.MustCompile(`rtt=([0-9.]+)ms`).FindStringSubmatch(out)
	if rtt == nil {
		t.Fatalf("unexpected probe output: %q", out)
	}
	if v, _ := strconv.ParseFloat(rtt[1], 64); v < 35 {
		t.Fatalf("rtt %.2fms below netem delay", v)
	}

	// The background loops should report the path up with latency above the delay.
	row := regexp.MustCompile(`(?m)^` + id + `\s+up\s+([0-9.]+)ms`)
	deadline = time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		out, _ = cli("path", "metrics", id)
		if m := row.FindStringSubmatch(out); m != nil {
			if v, _ := strconv.ParseFloat(m[1], 64); v >= 35 {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}
	t.Fatalf("path never reported up with measured latency\n%s", out)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
}
