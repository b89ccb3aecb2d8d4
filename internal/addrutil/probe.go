package addrutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ProbeTarget joins the host of a path endpoint with a fixed probe port.
//
// Path endpoints carry the WireGuard transport port; probes and bandwidth
// tests go to dedicated UDP ports on the same host.
func ProbeTarget(endpoint string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid probe port %d", port)
	}

	host := Host(endpoint)
	if host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Host returns the host part of an endpoint, with or without a port.
// IPv6 endpoints that carry a port must be bracketed; an unbracketed IPv6
// literal is taken whole, and anything else with several colons is rejected
// with an empty result.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	if strings.HasPrefix(a, "[") {
		h := strings.TrimSuffix(strings.TrimPrefix(a, "["), "]")
		if net.ParseIP(h) == nil {
			return ""
		}
		return h
	}
	if strings.Count(a, ":") > 1 {
		if net.ParseIP(a) == nil {
			return ""
		}
		return a
	}
	return a
}
