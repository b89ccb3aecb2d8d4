package netpolicy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
)

// Annotations that carry fields Kubernetes NetworkPolicy has no room for.
const (
	AnnotationPriority = "sdwanctl.io/priority"
	AnnotationEnabled  = "sdwanctl.io/enabled"
	AnnotationPolicyID = "sdwanctl.io/policy-id"
)

// FromKubernetes converts a networking.k8s.io/v1 NetworkPolicy.
//
// Without an explicit policy-id annotation the ID is derived from
// namespace/name, so re-applying a manifest replaces the previous version.
// PolicyTypes default as in Kubernetes: Ingress always, Egress when egress
// rules are present.
func FromKubernetes(knp *networkingv1.NetworkPolicy) (NetworkPolicy, error) {
	ns := knp.Namespace
	if ns == "" {
		ns = metav1.NamespaceDefault
	}

	p := NetworkPolicy{
		Name:      knp.Name,
		Namespace: ns,
		Enabled:   true,
	}

	var err error
	if p.ID, err = policyIDFor(knp, ns); err != nil {
		return NetworkPolicy{}, err
	}
	if v, ok := knp.Annotations[AnnotationPriority]; ok {
		prio, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("annotation %s: %w", AnnotationPriority, err)
		}
		p.Priority = uint32(prio)
	}
	if v, ok := knp.Annotations[AnnotationEnabled]; ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("annotation %s: %w", AnnotationEnabled, err)
		}
		p.Enabled = enabled
	}

	if p.PodSelector, err = selectorFromKubernetes(&knp.Spec.PodSelector); err != nil {
		return NetworkPolicy{}, fmt.Errorf("podSelector: %w", err)
	}

	for i, rule := range knp.Spec.Ingress {
		from, err := peersFromKubernetes(rule.From, ns)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("ingress[%d]: %w", i, err)
		}
		ports, err := portsFromKubernetes(rule.Ports)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("ingress[%d]: %w", i, err)
		}
		p.IngressRules = append(p.IngressRules, IngressRule{From: from, Ports: ports})
	}
	for i, rule := range knp.Spec.Egress {
		to, err := peersFromKubernetes(rule.To, ns)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("egress[%d]: %w", i, err)
		}
		ports, err := portsFromKubernetes(rule.Ports)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("egress[%d]: %w", i, err)
		}
		p.EgressRules = append(p.EgressRules, EgressRule{To: to, Ports: ports})
	}

	if len(knp.Spec.PolicyTypes) == 0 {
		p.PolicyTypes = []PolicyType{PolicyTypeIngress}
		if len(knp.Spec.Egress) > 0 {
			p.PolicyTypes = append(p.PolicyTypes, PolicyTypeEgress)
		}
	} else {
		for _, t := range knp.Spec.PolicyTypes {
			p.PolicyTypes = append(p.PolicyTypes, PolicyType(t))
		}
	}

	if err := Validate(p); err != nil {
		return NetworkPolicy{}, err
	}
	return p, nil
}

func policyIDFor(knp *networkingv1.NetworkPolicy, ns string) (PolicyID, error) {
	if v, ok := knp.Annotations[AnnotationPolicyID]; ok {
		return ParsePolicyID(v)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(ns + "/" + knp.Name))
	id := PolicyID(h.Sum64())
	if id == 0 {
		id = 1
	}
	return id, nil
}

func selectorFromKubernetes(sel *metav1.LabelSelector) (LabelSelector, error) {
	if sel == nil {
		return LabelSelector{}, nil
	}
	out := LabelSelector{}
	if len(sel.MatchLabels) > 0 {
		out.MatchLabels = make(map[string]string, len(sel.MatchLabels))
		for k, v := range sel.MatchLabels {
			out.MatchLabels[k] = v
		}
	}
	for _, req := range sel.MatchExpressions {
		var op Operator
		switch req.Operator {
		case metav1.LabelSelectorOpIn:
			op = OpIn
		case metav1.LabelSelectorOpNotIn:
			op = OpNotIn
		case metav1.LabelSelectorOpExists:
			op = OpExists
		case metav1.LabelSelectorOpDoesNotExist:
			op = OpDoesNotExist
		default:
			return LabelSelector{}, fmt.Errorf("unsupported operator %q", req.Operator)
		}
		out.MatchExpressions = append(out.MatchExpressions, LabelExpression{
			Key:      req.Key,
			Operator: op,
			Values:   append([]string(nil), req.Values...),
		})
	}
	return out, nil
}

// peersFromKubernetes maps each peer to one selector. A peer combining
// podSelector and namespaceSelector becomes a pod selector scoped to the
// policy namespace; namespace selection is not enforced.
func peersFromKubernetes(peers []networkingv1.NetworkPolicyPeer, ns string) ([]PeerSelector, error) {
	var out []PeerSelector
	for i, peer := range peers {
		switch {
		case peer.IPBlock != nil:
			out = append(out, IPBlockPeer{CIDR: peer.IPBlock.CIDR, Except: append([]string(nil), peer.IPBlock.Except...)})
		case peer.PodSelector != nil:
			sel, err := selectorFromKubernetes(peer.PodSelector)
			if err != nil {
				return nil, fmt.Errorf("peer %d podSelector: %w", i, err)
			}
			out = append(out, PodSelectorPeer{Namespace: ns, Selector: sel})
		case peer.NamespaceSelector != nil:
			sel, err := selectorFromKubernetes(peer.NamespaceSelector)
			if err != nil {
				return nil, fmt.Errorf("peer %d namespaceSelector: %w", i, err)
			}
			out = append(out, NamespaceSelectorPeer{Selector: sel})
		default:
			return nil, fmt.Errorf("peer %d has no selector", i)
		}
	}
	return out, nil
}

func portsFromKubernetes(ports []networkingv1.NetworkPolicyPort) ([]NetworkPolicyPort, error) {
	var out []NetworkPolicyPort
	for _, kp := range ports {
		var np NetworkPolicyPort
		if kp.Protocol != nil {
			proto, err := ParseProtocol(string(*kp.Protocol))
			if err != nil {
				return nil, err
			}
			np.Protocol = &proto
		} else {
			// Kubernetes defaults an unset protocol to TCP.
			tcp := ProtocolTCP
			np.Protocol = &tcp
		}
		if kp.Port != nil {
			switch kp.Port.Type {
			case intstr.Int:
				if kp.Port.IntVal < 0 || kp.Port.IntVal > 65535 {
					return nil, fmt.Errorf("port %d out of range", kp.Port.IntVal)
				}
				np.Port = PortNumber(uint16(kp.Port.IntVal))
			case intstr.String:
				np.Port = PortName(kp.Port.StrVal)
			}
		}
		if kp.EndPort != nil {
			if *kp.EndPort < 0 || *kp.EndPort > 65535 {
				return nil, fmt.Errorf("endPort %d out of range", *kp.EndPort)
			}
			end := uint16(*kp.EndPort)
			np.EndPort = &end
		}
		out = append(out, np)
	}
	return out, nil
}

// DecodeKubernetes reads every NetworkPolicy from a multi-document YAML or
// JSON stream. Documents of other kinds are skipped.
func DecodeKubernetes(r io.Reader) ([]NetworkPolicy, error) {
	dec := k8syaml.NewYAMLOrJSONDecoder(r, 4096)
	var out []NetworkPolicy
	for doc := 0; ; doc++ {
		var knp networkingv1.NetworkPolicy
		if err := dec.Decode(&knp); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if knp.Kind != "NetworkPolicy" || !strings.HasPrefix(knp.APIVersion, "networking.k8s.io/") {
			continue
		}
		p, err := FromKubernetes(&knp)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", knp.Namespace, knp.Name, err)
		}
		out = append(out, p)
	}
}

// LoadKubernetesFile reads NetworkPolicies from a manifest file.
func LoadKubernetesFile(path string) ([]NetworkPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	policies, err := DecodeKubernetes(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policies, nil
}
