package netpolicy

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/model"
)

// Decision explains a verdict.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	// PolicyID and Direction are set when a policy allowed the flow.
	PolicyID   PolicyID   `json:"policy_id,omitempty"`
	PolicyName string     `json:"policy_name,omitempty"`
	Direction  PolicyType `json:"direction,omitempty"`
}

// VerdictObserver is notified of every evaluation.
type VerdictObserver interface {
	ObserveVerdict(d Decision)
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithVerdictObserver registers an observer for evaluation results.
func WithVerdictObserver(o VerdictObserver) Option {
	return func(e *Enforcer) { e.observer = o }
}

// Enforcer holds the policy table and the IP→labels registry and decides
// whether flows are allowed.
type Enforcer struct {
	policiesMu sync.RWMutex
	policies   map[PolicyID]NetworkPolicy

	labelsMu  sync.RWMutex
	podLabels map[netip.Addr]LabelSet

	running  atomic.Bool
	observer VerdictObserver
}

// NewEnforcer returns an empty enforcer.
func NewEnforcer(opts ...Option) *Enforcer {
	e := &Enforcer{
		policies:  make(map[PolicyID]NetworkPolicy),
		podLabels: make(map[netip.Addr]LabelSet),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enforcer) Start() {
	if e.running.CompareAndSwap(false, true) {
		log.Info("NetworkPolicy enforcer started")
	}
}

func (e *Enforcer) Stop() {
	if e.running.CompareAndSwap(true, false) {
		log.Info("NetworkPolicy enforcer stopped")
	}
}

// Running reports whether Start has been called without a matching Stop.
func (e *Enforcer) Running() bool {
	return e.running.Load()
}

// Validate checks selectors, peers and ports of a policy.
func Validate(p NetworkPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	for _, t := range p.PolicyTypes {
		if t != PolicyTypeIngress && t != PolicyTypeEgress {
			return fmt.Errorf("unknown policy type %q", t)
		}
	}
	if err := p.PodSelector.validate(); err != nil {
		return fmt.Errorf("podSelector: %w", err)
	}
	for i, r := range p.IngressRules {
		if err := validateRule(r.From, r.Ports); err != nil {
			return fmt.Errorf("ingress[%d]: %w", i, err)
		}
	}
	for i, r := range p.EgressRules {
		if err := validateRule(r.To, r.Ports); err != nil {
			return fmt.Errorf("egress[%d]: %w", i, err)
		}
	}
	return nil
}

func validateRule(peers []PeerSelector, ports []NetworkPolicyPort) error {
	for _, peer := range peers {
		if err := validatePeer(peer); err != nil {
			return err
		}
	}
	for _, port := range ports {
		if err := port.validate(); err != nil {
			return err
		}
	}
	return nil
}

// AddPolicy validates and stores a policy, replacing any policy with the
// same ID. A zero ID is replaced by a generated one, which is returned.
func (e *Enforcer) AddPolicy(p NetworkPolicy) (PolicyID, error) {
	if err := Validate(p); err != nil {
		return 0, fmt.Errorf("invalid policy %q: %w", p.Name, err)
	}
	if p.ID == 0 {
		p.ID = GeneratePolicyID()
	}

	e.policiesMu.Lock()
	e.policies[p.ID] = clonePolicy(p)
	e.policiesMu.Unlock()

	log.WithFields(log.Fields{
		"policy_id": p.ID,
		"name":      p.Name,
		"namespace": p.Namespace,
		"priority":  p.Priority,
	}).Info("Added NetworkPolicy")
	return p.ID, nil
}

// RemovePolicy deletes a policy.
func (e *Enforcer) RemovePolicy(id PolicyID) error {
	e.policiesMu.Lock()
	defer e.policiesMu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrPolicyNotFound)
	}
	delete(e.policies, id)
	log.WithField("policy_id", id).Info("Removed NetworkPolicy")
	return nil
}

// GetPolicy returns a copy of a stored policy.
func (e *Enforcer) GetPolicy(id PolicyID) (NetworkPolicy, error) {
	e.policiesMu.RLock()
	defer e.policiesMu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return NetworkPolicy{}, fmt.Errorf("%s: %w", id, ErrPolicyNotFound)
	}
	return clonePolicy(p), nil
}

// ListPolicies returns every policy in evaluation order.
func (e *Enforcer) ListPolicies() []NetworkPolicy {
	e.policiesMu.RLock()
	defer e.policiesMu.RUnlock()
	out := make([]NetworkPolicy, 0, len(e.policies))
	for _, p := range e.sortedLocked(false) {
		out = append(out, clonePolicy(*p))
	}
	return out
}

// UpdatePodLabels registers or replaces the labels of an endpoint.
func (e *Enforcer) UpdatePodLabels(ip netip.Addr, labels LabelSet) {
	e.labelsMu.Lock()
	e.podLabels[ip.Unmap()] = maps.Clone(labels)
	e.labelsMu.Unlock()
	log.WithFields(log.Fields{"ip": ip, "labels": labels}).Debug("Updated pod labels")
}

// RemovePodLabels forgets an endpoint. It reports whether it was known.
func (e *Enforcer) RemovePodLabels(ip netip.Addr) bool {
	e.labelsMu.Lock()
	defer e.labelsMu.Unlock()
	ip = ip.Unmap()
	_, ok := e.podLabels[ip]
	delete(e.podLabels, ip)
	if ok {
		log.WithField("ip", ip).Debug("Removed pod labels")
	}
	return ok
}

// PodLabels returns the labels registered for ip.
func (e *Enforcer) PodLabels(ip netip.Addr) (LabelSet, bool) {
	e.labelsMu.RLock()
	defer e.labelsMu.RUnlock()
	l, ok := e.podLabels[ip.Unmap()]
	return maps.Clone(l), ok
}

// Stats counts policies and registered endpoints.
func (e *Enforcer) Stats() Stats {
	var s Stats
	e.policiesMu.RLock()
	s.TotalPolicies = len(e.policies)
	for _, p := range e.policies {
		if p.Enabled {
			s.EnabledPolicies++
		}
	}
	e.policiesMu.RUnlock()

	e.labelsMu.RLock()
	s.TotalPods = len(e.podLabels)
	e.labelsMu.RUnlock()
	return s
}

// EvaluateFlow returns Allow when an enabled policy explicitly allows the
// flow and Deny otherwise.
func (e *Enforcer) EvaluateFlow(flow model.FlowKey) Verdict {
	return e.Explain(flow).Verdict
}

// Explain evaluates a flow and reports which policy, if any, allowed it.
//
// Enabled policies are visited by descending priority, then ascending ID.
// A policy's ingress rules apply when the destination has registered labels
// matching its pod selector; egress rules apply symmetrically to the source.
// The first allowing rule wins; if none allows, the flow is denied.
func (e *Enforcer) Explain(flow model.FlowKey) Decision {
	e.labelsMu.RLock()
	srcLabels, srcKnown := e.podLabels[flow.SrcIP.Unmap()]
	dstLabels, dstKnown := e.podLabels[flow.DstIP.Unmap()]
	e.labelsMu.RUnlock()

	d := e.evaluate(flow, srcLabels, srcKnown, dstLabels, dstKnown)
	if e.observer != nil {
		e.observer.ObserveVerdict(d)
	}

	entry := log.WithFields(log.Fields{"flow": flow.String(), "verdict": d.Verdict})
	if d.Verdict == Allow {
		entry.WithFields(log.Fields{"policy": d.PolicyName, "direction": d.Direction}).Debug("Flow allowed")
	} else {
		entry.Debug("Flow denied (no matching policy)")
	}
	return d
}

func (e *Enforcer) evaluate(flow model.FlowKey, srcLabels LabelSet, srcKnown bool, dstLabels LabelSet, dstKnown bool) Decision {
	e.policiesMu.RLock()
	defer e.policiesMu.RUnlock()

	for _, p := range e.sortedLocked(true) {
		if p.hasType(PolicyTypeIngress) && dstKnown && p.PodSelector.Matches(dstLabels) {
			for _, r := range p.IngressRules {
				if anyPeer(r.From, flow.SrcIP, srcLabels, srcKnown) && anyPort(r.Ports, flow.DstPort, flow.Protocol) {
					return Decision{Verdict: Allow, PolicyID: p.ID, PolicyName: p.Name, Direction: PolicyTypeIngress}
				}
			}
		}
		if p.hasType(PolicyTypeEgress) && srcKnown && p.PodSelector.Matches(srcLabels) {
			for _, r := range p.EgressRules {
				if anyPeer(r.To, flow.DstIP, dstLabels, dstKnown) && anyPort(r.Ports, flow.DstPort, flow.Protocol) {
					return Decision{Verdict: Allow, PolicyID: p.ID, PolicyName: p.Name, Direction: PolicyTypeEgress}
				}
			}
		}
	}
	return Decision{Verdict: Deny}
}

// sortedLocked must be called with policiesMu held.
func (e *Enforcer) sortedLocked(enabledOnly bool) []*NetworkPolicy {
	out := make([]*NetworkPolicy, 0, len(e.policies))
	for id := range e.policies {
		p := e.policies[id]
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, &p)
	}
	slices.SortFunc(out, func(a, b *NetworkPolicy) int {
		switch {
		case a.Priority != b.Priority:
			if a.Priority > b.Priority {
				return -1
			}
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func cloneSelector(s LabelSelector) LabelSelector {
	out := LabelSelector{MatchLabels: maps.Clone(s.MatchLabels)}
	for _, e := range s.MatchExpressions {
		e.Values = slices.Clone(e.Values)
		out.MatchExpressions = append(out.MatchExpressions, e)
	}
	return out
}

func clonePeers(peers []PeerSelector) []PeerSelector {
	if peers == nil {
		return nil
	}
	out := make([]PeerSelector, 0, len(peers))
	for _, peer := range peers {
		switch p := peer.(type) {
		case PodSelectorPeer:
			p.Selector = cloneSelector(p.Selector)
			out = append(out, p)
		case NamespaceSelectorPeer:
			p.Selector = cloneSelector(p.Selector)
			out = append(out, p)
		case IPBlockPeer:
			p.Except = slices.Clone(p.Except)
			out = append(out, p)
		default:
			out = append(out, peer)
		}
	}
	return out
}

func clonePolicy(p NetworkPolicy) NetworkPolicy {
	p.PodSelector = cloneSelector(p.PodSelector)
	p.PolicyTypes = slices.Clone(p.PolicyTypes)
	ingress := make([]IngressRule, 0, len(p.IngressRules))
	for _, r := range p.IngressRules {
		ingress = append(ingress, IngressRule{From: clonePeers(r.From), Ports: slices.Clone(r.Ports)})
	}
	egress := make([]EgressRule, 0, len(p.EgressRules))
	for _, r := range p.EgressRules {
		egress = append(egress, EgressRule{To: clonePeers(r.To), Ports: slices.Clone(r.Ports)})
	}
	p.IngressRules, p.EgressRules = ingress, egress
	return p
}
