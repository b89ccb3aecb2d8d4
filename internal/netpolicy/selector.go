package netpolicy

import (
	"fmt"
	"net/netip"
	"slices"
)

// Matches reports whether labels satisfy every requirement of the selector.
func (s LabelSelector) Matches(labels LabelSet) bool {
	for k, v := range s.MatchLabels {
		got, ok := labels[k]
		if !ok || got != v {
			return false
		}
	}
	for _, expr := range s.MatchExpressions {
		if !expr.Matches(labels) {
			return false
		}
	}
	return true
}

// Empty reports whether the selector has no requirements.
func (s LabelSelector) Empty() bool {
	return len(s.MatchLabels) == 0 && len(s.MatchExpressions) == 0
}

// Matches evaluates one requirement. An unknown operator never matches.
func (e LabelExpression) Matches(labels LabelSet) bool {
	v, ok := labels[e.Key]
	switch e.Operator {
	case OpIn:
		return ok && slices.Contains(e.Values, v)
	case OpNotIn:
		return !ok || !slices.Contains(e.Values, v)
	case OpExists:
		return ok
	case OpDoesNotExist:
		return !ok
	}
	return false
}

func (e LabelExpression) validate() error {
	switch e.Operator {
	case OpIn, OpNotIn:
		if len(e.Values) == 0 {
			return fmt.Errorf("operator %s on key %q requires values", e.Operator, e.Key)
		}
	case OpExists, OpDoesNotExist:
	default:
		return fmt.Errorf("unknown operator %q on key %q", e.Operator, e.Key)
	}
	if e.Key == "" {
		return fmt.Errorf("label expression with empty key")
	}
	return nil
}

func (s LabelSelector) validate() error {
	for _, e := range s.MatchExpressions {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p PodSelectorPeer) matchPeer(_ netip.Addr, labels LabelSet, known bool) bool {
	return known && p.Selector.Matches(labels)
}

func (NamespaceSelectorPeer) matchPeer(netip.Addr, LabelSet, bool) bool {
	return true
}

// matchPeer fails closed on malformed prefixes.
func (b IPBlockPeer) matchPeer(ip netip.Addr, _ LabelSet, _ bool) bool {
	prefix, err := netip.ParsePrefix(b.CIDR)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	if !prefix.Contains(ip) {
		return false
	}
	for _, ex := range b.Except {
		exPrefix, err := netip.ParsePrefix(ex)
		if err != nil {
			return false
		}
		if exPrefix.Contains(ip) {
			return false
		}
	}
	return true
}

func (b IPBlockPeer) validate() error {
	prefix, err := netip.ParsePrefix(b.CIDR)
	if err != nil {
		return fmt.Errorf("ipBlock cidr: %w", err)
	}
	for _, ex := range b.Except {
		exPrefix, err := netip.ParsePrefix(ex)
		if err != nil {
			return fmt.Errorf("ipBlock except: %w", err)
		}
		if !prefix.Overlaps(exPrefix) {
			return fmt.Errorf("ipBlock except %s is outside %s", ex, b.CIDR)
		}
	}
	return nil
}

func validatePeer(peer PeerSelector) error {
	switch p := peer.(type) {
	case PodSelectorPeer:
		return p.Selector.validate()
	case NamespaceSelectorPeer:
		return p.Selector.validate()
	case IPBlockPeer:
		return p.validate()
	case nil:
		return fmt.Errorf("nil peer selector")
	}
	return fmt.Errorf("unsupported peer selector %T", peer)
}

// Matches reports whether a destination port and protocol fall under this
// entry. Named ports match any port.
func (p NetworkPolicyPort) Matches(port uint16, protocol uint8) bool {
	if p.Protocol != nil && uint8(*p.Protocol) != protocol {
		return false
	}
	if p.Port == nil {
		return true
	}
	if p.Port.Named() {
		return true
	}
	if p.EndPort != nil {
		return port >= p.Port.Number && port <= *p.EndPort
	}
	return port == p.Port.Number
}

func (p NetworkPolicyPort) validate() error {
	if p.EndPort == nil {
		return nil
	}
	if p.Port == nil || p.Port.Named() {
		return fmt.Errorf("endPort requires a numeric port")
	}
	if *p.EndPort < p.Port.Number {
		return fmt.Errorf("endPort %d is below port %d", *p.EndPort, p.Port.Number)
	}
	return nil
}

func anyPeer(peers []PeerSelector, ip netip.Addr, labels LabelSet, known bool) bool {
	if len(peers) == 0 {
		return true
	}
	for _, peer := range peers {
		if peer != nil && peer.matchPeer(ip, labels, known) {
			return true
		}
	}
	return false
}

func anyPort(ports []NetworkPolicyPort, port uint16, protocol uint8) bool {
	if len(ports) == 0 {
		return true
	}
	for _, p := range ports {
		if p.Matches(port, protocol) {
			return true
		}
	}
	return false
}
