package wireguard

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	out  map[string]string
	cmds []string
}

func (r *fakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	r.cmds = append(r.cmds, cmd)
	out, ok := r.out[cmd]
	if !ok {
		return "", errors.New("Device does not exist")
	}
	return out, nil
}

func TestParseDumpEndpoints(t *testing.T) {
	t.Parallel()

	dump := "" +
		"wg0\t(priv)\t(pub)\t51820\toff\n" +
		"puba\t(psk)\t39.1.2.3:12345\t10.7.0.2/32\t0\t0\t0\toff\n" +
		"pubb\t(psk)\t(none)\t10.7.0.3/32\t0\t0\t0\toff\n" +
		"pubc\t(psk)\t[2001:db8::1]:51820\t10.7.0.4/32\t0\t0\t0\toff\n"

	m := ParseDumpEndpoints(dump)
	if got := m["puba"]; got != "39.1.2.3:12345" {
		t.Fatalf("puba=%q", got)
	}
	if _, ok := m["pubb"]; ok {
		t.Fatalf("expected pubb to be missing")
	}
	if got := m["pubc"]; got != "[2001:db8::1]:51820" {
		t.Fatalf("pubc=%q", got)
	}
	if len(ParseDumpEndpoints("")) != 0 {
		t.Fatalf("expected no endpoints for empty dump")
	}
}

func TestParseLinkMTU(t *testing.T) {
	t.Parallel()

	out := "7: wg0: <POINTOPOINT,NOARP,UP,LOWER_UP> mtu 1420 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000\\    link/none"
	mtu, err := ParseLinkMTU(out)
	if err != nil {
		t.Fatalf("ParseLinkMTU: %v", err)
	}
	if mtu != 1420 {
		t.Fatalf("mtu=%d", mtu)
	}

	if _, err := ParseLinkMTU("7: wg0: <UP> mtu abc"); err == nil {
		t.Fatalf("expected error for malformed mtu")
	}
	if _, err := ParseLinkMTU("7: wg0: <UP>"); err == nil {
		t.Fatalf("expected error for missing mtu")
	}
}

func TestInspector(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{out: map[string]string{
		"ip -o link show dev wg1": "9: wg1: <UP> mtu 1380 qdisc noqueue",
		"wg show wg1 dump":        "wg1\tpriv\tpub\t51820\toff\npeer1\t(none)\t203.0.113.9:4500\t10.9.0.2/32\t0\t0\t0\toff",
	}}
	in := NewInspector(r)

	mtu, err := in.MTU("wg1")
	if err != nil || mtu != 1380 {
		t.Fatalf("mtu=%d err=%v", mtu, err)
	}
	peers, err := in.PeerEndpoints("wg1")
	if err != nil {
		t.Fatalf("PeerEndpoints: %v", err)
	}
	if peers["peer1"] != "203.0.113.9:4500" {
		t.Fatalf("peers=%v", peers)
	}

	if _, err := in.MTU("wg9"); err == nil {
		t.Fatalf("expected error for unknown interface")
	}
	if _, err := in.MTU(""); err == nil {
		t.Fatalf("expected error for empty interface")
	}
	if len(r.cmds) != 3 {
		t.Fatalf("cmds=%v", r.cmds)
	}
}
