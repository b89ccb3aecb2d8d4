package netpolicy

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// peerJSON is the wire form of a PeerSelector; exactly one selector is set.
type peerJSON struct {
	PodSelector       *LabelSelector `json:"podSelector,omitempty"`
	Namespace         string         `json:"namespace,omitempty"`
	NamespaceSelector *LabelSelector `json:"namespaceSelector,omitempty"`
	IPBlock           *ipBlockJSON   `json:"ipBlock,omitempty"`
}

type ipBlockJSON struct {
	CIDR   string   `json:"cidr"`
	Except []string `json:"except,omitempty"`
}

func encodePeers(peers []PeerSelector) ([]peerJSON, error) {
	out := make([]peerJSON, 0, len(peers))
	for _, peer := range peers {
		switch p := peer.(type) {
		case PodSelectorPeer:
			sel := p.Selector
			out = append(out, peerJSON{PodSelector: &sel, Namespace: p.Namespace})
		case NamespaceSelectorPeer:
			sel := p.Selector
			out = append(out, peerJSON{NamespaceSelector: &sel})
		case IPBlockPeer:
			out = append(out, peerJSON{IPBlock: &ipBlockJSON{CIDR: p.CIDR, Except: p.Except}})
		default:
			return nil, fmt.Errorf("unsupported peer selector %T", peer)
		}
	}
	return out, nil
}

func decodePeers(in []peerJSON) ([]PeerSelector, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]PeerSelector, 0, len(in))
	for i, p := range in {
		set := 0
		if p.PodSelector != nil {
			set++
		}
		if p.NamespaceSelector != nil {
			set++
		}
		if p.IPBlock != nil {
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("peer %d: exactly one of podSelector, namespaceSelector, ipBlock required", i)
		}
		switch {
		case p.PodSelector != nil:
			out = append(out, PodSelectorPeer{Namespace: p.Namespace, Selector: *p.PodSelector})
		case p.NamespaceSelector != nil:
			out = append(out, NamespaceSelectorPeer{Selector: *p.NamespaceSelector})
		default:
			out = append(out, IPBlockPeer{CIDR: p.IPBlock.CIDR, Except: p.IPBlock.Except})
		}
	}
	return out, nil
}

type ingressJSON struct {
	From  []peerJSON          `json:"from,omitempty"`
	Ports []NetworkPolicyPort `json:"ports,omitempty"`
}

type egressJSON struct {
	To    []peerJSON          `json:"to,omitempty"`
	Ports []NetworkPolicyPort `json:"ports,omitempty"`
}

func (r IngressRule) MarshalJSON() ([]byte, error) {
	from, err := encodePeers(r.From)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ingressJSON{From: from, Ports: r.Ports})
}

func (r *IngressRule) UnmarshalJSON(b []byte) error {
	var raw ingressJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	from, err := decodePeers(raw.From)
	if err != nil {
		return err
	}
	*r = IngressRule{From: from, Ports: raw.Ports}
	return nil
}

func (r EgressRule) MarshalJSON() ([]byte, error) {
	to, err := encodePeers(r.To)
	if err != nil {
		return nil, err
	}
	return json.Marshal(egressJSON{To: to, Ports: r.Ports})
}

func (r *EgressRule) UnmarshalJSON(b []byte) error {
	var raw egressJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	to, err := decodePeers(raw.To)
	if err != nil {
		return err
	}
	*r = EgressRule{To: to, Ports: raw.Ports}
	return nil
}

// MarshalJSON encodes a numeric port as a number and a named port as a string.
func (p PortSpec) MarshalJSON() ([]byte, error) {
	if p.Named() {
		return json.Marshal(p.Name)
	}
	return []byte(strconv.Itoa(int(p.Number))), nil
}

func (p *PortSpec) UnmarshalJSON(b []byte) error {
	var n uint16
	if err := json.Unmarshal(b, &n); err == nil {
		*p = PortSpec{Number: n}
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("port must be a number or a name: %s", b)
	}
	if name == "" {
		return fmt.Errorf("empty port name")
	}
	*p = PortSpec{Name: name}
	return nil
}
