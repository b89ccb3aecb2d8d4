// Package wireguard reads the state of local WireGuard interfaces that carry
// monitored paths.
package wireguard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sdwanctl/internal/execx"
)

const commandTimeout = 2 * time.Second

// Inspector queries interfaces through ip(8) and wg(8).
type Inspector struct {
	r execx.Runner
}

func NewInspector(r execx.Runner) *Inspector {
	if r == nil {
		r = execx.OSRunner{}
	}
	return &Inspector{r: r}
}

// MTU returns the configured MTU of iface.
func (i *Inspector) MTU(iface string) (int, error) {
	if iface == "" {
		return 0, fmt.Errorf("interface name is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := i.r.Output(ctx, "ip", "-o", "link", "show", "dev", iface)
	if err != nil {
		return 0, err
	}
	return ParseLinkMTU(out)
}

// ParseLinkMTU extracts the value following "mtu" in `ip -o link show` output.
func ParseLinkMTU(out string) (int, error) {
	fields := strings.Fields(out)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "mtu" {
			continue
		}
		mtu, err := strconv.Atoi(fields[i+1])
		if err != nil || mtu <= 0 {
			return 0, fmt.Errorf("invalid mtu %q", fields[i+1])
		}
		return mtu, nil
	}
	return 0, fmt.Errorf("no mtu in link output")
}

// PeerEndpoints returns peer public key -> endpoint as currently observed by
// WireGuard. For a peer behind NAT this is the mapped port of the tunnel
// socket, which a STUN query from another socket cannot reveal.
func (i *Inspector) PeerEndpoints(iface string) (map[string]string, error) {
	if iface == "" {
		return nil, fmt.Errorf("interface name is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := i.r.Output(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, err
	}
	return ParseDumpEndpoints(out), nil
}

// ParseDumpEndpoints parses `wg show <iface> dump`. The first line describes
// the interface; each following line is a peer.
func ParseDumpEndpoints(dump string) map[string]string {
	endpoints := map[string]string{}
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pubKey, endpoint := fields[0], fields[2]
		switch endpoint {
		case "", "(none)", "0.0.0.0:0", "[::]:0":
			continue
		}
		endpoints[pubKey] = endpoint
	}
	return endpoints
}
