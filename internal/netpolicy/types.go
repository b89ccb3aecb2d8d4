package netpolicy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"strings"
)

// ErrPolicyNotFound is returned when a policy ID is unknown.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyID identifies a policy. It renders as "policy-<n>".
type PolicyID uint64

const policyIDPrefix = "policy-"

// GeneratePolicyID returns a random non-zero ID.
func GeneratePolicyID() PolicyID {
	for {
		if id := PolicyID(rand.Uint64()); id != 0 {
			return id
		}
	}
}

// ParsePolicyID accepts "policy-<n>" or a bare number.
func ParsePolicyID(s string) (PolicyID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, policyIDPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid policy id %q: %w", s, err)
	}
	return PolicyID(v), nil
}

func (id PolicyID) String() string {
	return policyIDPrefix + strconv.FormatUint(uint64(id), 10)
}

func (id PolicyID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PolicyID) UnmarshalText(b []byte) error {
	parsed, err := ParsePolicyID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PolicyType selects the direction a policy governs.
type PolicyType string

const (
	PolicyTypeIngress PolicyType = "Ingress"
	PolicyTypeEgress  PolicyType = "Egress"
)

// LabelSet is a set of key/value labels attached to an endpoint.
type LabelSet map[string]string

// Operator is a set-based label selector operator.
type Operator string

const (
	OpIn           Operator = "In"
	OpNotIn        Operator = "NotIn"
	OpExists       Operator = "Exists"
	OpDoesNotExist Operator = "DoesNotExist"
)

// LabelSelector matches label sets. All MatchLabels and all
// MatchExpressions must hold; an empty selector matches everything.
type LabelSelector struct {
	MatchLabels      map[string]string `json:"matchLabels,omitempty"`
	MatchExpressions []LabelExpression `json:"matchExpressions,omitempty"`
}

// LabelExpression is one set-based requirement.
type LabelExpression struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// NetworkPolicy is a Kubernetes-style policy with an explicit priority.
type NetworkPolicy struct {
	ID           PolicyID      `json:"id"`
	Name         string        `json:"name"`
	Namespace    string        `json:"namespace"`
	PodSelector  LabelSelector `json:"podSelector"`
	PolicyTypes  []PolicyType  `json:"policyTypes"`
	IngressRules []IngressRule `json:"ingress,omitempty"`
	EgressRules  []EgressRule  `json:"egress,omitempty"`
	// Priority orders evaluation; higher is evaluated first.
	Priority uint32 `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

func (p *NetworkPolicy) hasType(t PolicyType) bool {
	for _, pt := range p.PolicyTypes {
		if pt == t {
			return true
		}
	}
	return false
}

// IngressRule allows traffic from any of From (empty: anyone) to any of Ports (empty: all).
type IngressRule struct {
	From  []PeerSelector
	Ports []NetworkPolicyPort
}

// EgressRule allows traffic to any of To (empty: anyone) on any of Ports (empty: all).
type EgressRule struct {
	To    []PeerSelector
	Ports []NetworkPolicyPort
}

// PeerSelector selects the remote side of a rule. It is implemented by
// PodSelectorPeer, NamespaceSelectorPeer and IPBlockPeer.
type PeerSelector interface {
	matchPeer(ip netip.Addr, labels LabelSet, known bool) bool
}

// PodSelectorPeer matches endpoints whose registered labels satisfy Selector.
// Namespace is recorded but not enforced: endpoints carry no namespace.
type PodSelectorPeer struct {
	Namespace string
	Selector  LabelSelector
}

// NamespaceSelectorPeer matches any endpoint; there is no namespace registry.
type NamespaceSelectorPeer struct {
	Selector LabelSelector
}

// IPBlockPeer matches addresses inside CIDR and outside every Except prefix.
type IPBlockPeer struct {
	CIDR   string
	Except []string
}

// Protocol is an IANA IP protocol number.
type Protocol uint8

const (
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
	ProtocolSCTP Protocol = 132
)

// ParseProtocol accepts TCP, UDP or SCTP in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP, nil
	case "UDP":
		return ProtocolUDP, nil
	case "SCTP":
		return ProtocolSCTP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q", s)
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolSCTP:
		return "SCTP"
	}
	return strconv.Itoa(int(p))
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	if n, err := strconv.ParseUint(string(b), 10, 8); err == nil {
		*p = Protocol(n)
		return nil
	}
	parsed, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PortSpec is either a port number or a named port.
type PortSpec struct {
	Number uint16
	Name   string
}

// PortNumber returns a numeric PortSpec.
func PortNumber(n uint16) *PortSpec { return &PortSpec{Number: n} }

// PortName returns a named PortSpec.
func PortName(name string) *PortSpec { return &PortSpec{Name: name} }

// Named reports whether the spec refers to a port by name.
func (p PortSpec) Named() bool { return p.Name != "" }

func (p PortSpec) String() string {
	if p.Named() {
		return p.Name
	}
	return strconv.Itoa(int(p.Number))
}

// NetworkPolicyPort restricts a rule to a protocol and a port or port range.
type NetworkPolicyPort struct {
	Protocol *Protocol `json:"protocol,omitempty"`
	Port     *PortSpec `json:"port,omitempty"`
	// EndPort makes Port the start of an inclusive range.
	EndPort *uint16 `json:"endPort,omitempty"`
}

// Verdict is the outcome of evaluating a flow.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Stats summarises the enforcer state.
type Stats struct {
	TotalPolicies   int `json:"total_policies"`
	EnabledPolicies int `json:"enabled_policies"`
	TotalPods       int `json:"total_pods"`
}
