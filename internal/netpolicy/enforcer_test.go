package netpolicy

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdwanctl/internal/model"
)

var (
	clientIP = netip.MustParseAddr("10.0.1.10")
	webIP    = netip.MustParseAddr("10.0.2.20")
	dbIP     = netip.MustParseAddr("10.0.3.30")
)

func flow(src, dst netip.Addr, port uint16, proto Protocol) model.FlowKey {
	return model.FlowKey{SrcIP: src, DstIP: dst, SrcPort: 40000, DstPort: port, Protocol: uint8(proto)}
}

func ingressPolicy(id PolicyID, name string, app string, rules ...IngressRule) NetworkPolicy {
	return NetworkPolicy{
		ID:           id,
		Name:         name,
		Namespace:    "default",
		PodSelector:  LabelSelector{MatchLabels: map[string]string{"app": app}},
		PolicyTypes:  []PolicyType{PolicyTypeIngress},
		IngressRules: rules,
		Priority:     100,
		Enabled:      true,
	}
}

func newLabelledEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	e := NewEnforcer()
	e.UpdatePodLabels(clientIP, LabelSet{"app": "client"})
	e.UpdatePodLabels(webIP, LabelSet{"app": "web"})
	e.UpdatePodLabels(dbIP, LabelSet{"app": "db"})
	return e
}

func TestEvaluateFlow_EmptyTableDenies(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP)))
}

func TestEvaluateFlow_IngressAllowAll(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	_, err := e.AddPolicy(ingressPolicy(1, "allow-web", "web", IngressRule{}))
	require.NoError(t, err)

	assert.Equal(t, Allow, e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP)))
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, dbIP, 80, ProtocolTCP)), "destination labels do not match")

	unknown := netip.MustParseAddr("10.9.9.9")
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, unknown, 80, ProtocolTCP)), "unregistered destination")
}

func TestEvaluateFlow_IngressPeersAndPorts(t *testing.T) {
	t.Parallel()

	tcp := ProtocolTCP
	e := newLabelledEnforcer(t)
	_, err := e.AddPolicy(ingressPolicy(1, "db-from-web", "db", IngressRule{
		From: []PeerSelector{PodSelectorPeer{Selector: LabelSelector{MatchLabels: map[string]string{"app": "web"}}}},
		Ports: []NetworkPolicyPort{
			{Protocol: &tcp, Port: PortNumber(5432)},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, Allow, e.EvaluateFlow(flow(webIP, dbIP, 5432, ProtocolTCP)))
	assert.Equal(t, Deny, e.EvaluateFlow(flow(webIP, dbIP, 5433, ProtocolTCP)), "wrong port")
	assert.Equal(t, Deny, e.EvaluateFlow(flow(webIP, dbIP, 5432, ProtocolUDP)), "wrong protocol")
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, dbIP, 5432, ProtocolTCP)), "wrong peer")

	outsider := netip.MustParseAddr("192.0.2.1")
	assert.Equal(t, Deny, e.EvaluateFlow(flow(outsider, dbIP, 5432, ProtocolTCP)), "peer without labels")
}

func TestEvaluateFlow_IPBlockIngress(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	_, err := e.AddPolicy(ingressPolicy(1, "web-from-lan", "web", IngressRule{
		From: []PeerSelector{IPBlockPeer{CIDR: "192.0.2.0/24", Except: []string{"192.0.2.128/25"}}},
	}))
	require.NoError(t, err)

	assert.Equal(t, Allow, e.EvaluateFlow(flow(netip.MustParseAddr("192.0.2.5"), webIP, 443, ProtocolTCP)))
	assert.Equal(t, Deny, e.EvaluateFlow(flow(netip.MustParseAddr("192.0.2.200"), webIP, 443, ProtocolTCP)))
	assert.Equal(t, Deny, e.EvaluateFlow(flow(netip.MustParseAddr("198.51.100.1"), webIP, 443, ProtocolTCP)))
}

func TestEvaluateFlow_Egress(t *testing.T) {
	t.Parallel()

	udp := ProtocolUDP
	e := newLabelledEnforcer(t)
	_, err := e.AddPolicy(NetworkPolicy{
		ID:          5,
		Name:        "client-dns",
		PodSelector: LabelSelector{MatchLabels: map[string]string{"app": "client"}},
		PolicyTypes: []PolicyType{PolicyTypeEgress},
		EgressRules: []EgressRule{{
			To:    []PeerSelector{IPBlockPeer{CIDR: "8.8.8.0/24"}},
			Ports: []NetworkPolicyPort{{Protocol: &udp, Port: PortNumber(53)}},
		}},
		Enabled: true,
	})
	require.NoError(t, err)

	dns := netip.MustParseAddr("8.8.8.8")
	d := e.Explain(flow(clientIP, dns, 53, ProtocolUDP))
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, PolicyTypeEgress, d.Direction)
	assert.Equal(t, PolicyID(5), d.PolicyID)

	assert.Equal(t, Deny, e.EvaluateFlow(flow(webIP, dns, 53, ProtocolUDP)), "source not selected")
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, dns, 53, ProtocolTCP)))
}

func TestEvaluateFlow_IngressRulesIgnoredWithoutIngressType(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	p := ingressPolicy(1, "egress-only", "web", IngressRule{})
	p.PolicyTypes = []PolicyType{PolicyTypeEgress}
	_, err := e.AddPolicy(p)
	require.NoError(t, err)

	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP)))
}

func TestEvaluateFlow_DisabledPolicyIgnored(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	p := ingressPolicy(1, "allow-web", "web", IngressRule{})
	p.Enabled = false
	_, err := e.AddPolicy(p)
	require.NoError(t, err)

	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP)))
	assert.Equal(t, Stats{TotalPolicies: 1, EnabledPolicies: 0, TotalPods: 3}, e.Stats())
}

func TestEvaluateFlow_PriorityAndTieBreak(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	low := ingressPolicy(1, "low", "web", IngressRule{})
	low.Priority = 10
	highB := ingressPolicy(30, "high-b", "web", IngressRule{})
	highB.Priority = 500
	highA := ingressPolicy(20, "high-a", "web", IngressRule{})
	highA.Priority = 500

	for _, p := range []NetworkPolicy{low, highB, highA} {
		_, err := e.AddPolicy(p)
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		d := e.Explain(flow(clientIP, webIP, 80, ProtocolTCP))
		require.Equal(t, "high-a", d.PolicyName)
	}

	names := []string{}
	for _, p := range e.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, names)
}

func TestPolicyLifecycle(t *testing.T) {
	t.Parallel()

	e := NewEnforcer()
	e.Start()
	assert.True(t, e.Running())

	id, err := e.AddPolicy(ingressPolicy(0, "generated", "web"))
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, e.ListPolicies(), 1)

	got, err := e.GetPolicy(id)
	require.NoError(t, err)
	assert.Equal(t, "generated", got.Name)
	assert.Equal(t, id, got.ID)

	require.NoError(t, e.RemovePolicy(id))
	assert.Empty(t, e.ListPolicies())
	assert.ErrorIs(t, e.RemovePolicy(id), ErrPolicyNotFound)
	_, err = e.GetPolicy(id)
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	e.Stop()
	assert.False(t, e.Running())
}

func TestAddPolicy_RejectsInvalid(t *testing.T) {
	t.Parallel()

	e := NewEnforcer()
	bad := ingressPolicy(1, "bad", "web", IngressRule{
		From: []PeerSelector{IPBlockPeer{CIDR: "not-a-cidr"}},
	})
	_, err := e.AddPolicy(bad)
	assert.Error(t, err)

	bad = ingressPolicy(2, "bad-op", "web")
	bad.PodSelector.MatchExpressions = []LabelExpression{{Key: "x", Operator: "Gt"}}
	_, err = e.AddPolicy(bad)
	assert.Error(t, err)

	_, err = e.AddPolicy(ingressPolicy(3, "", "web"))
	assert.Error(t, err)
	assert.Zero(t, e.Stats().TotalPolicies)
}

func TestAddPolicy_StoresCopy(t *testing.T) {
	t.Parallel()

	e := newLabelledEnforcer(t)
	p := ingressPolicy(1, "allow-web", "web", IngressRule{})
	_, err := e.AddPolicy(p)
	require.NoError(t, err)

	p.PodSelector.MatchLabels["app"] = "db"
	assert.Equal(t, Allow, e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP)))
}

func TestPodLabels(t *testing.T) {
	t.Parallel()

	e := NewEnforcer()
	e.UpdatePodLabels(webIP, LabelSet{"app": "web"})
	got, ok := e.PodLabels(webIP)
	require.True(t, ok)
	assert.Equal(t, "web", got["app"])

	assert.True(t, e.RemovePodLabels(webIP))
	assert.False(t, e.RemovePodLabels(webIP))
	_, ok = e.PodLabels(webIP)
	assert.False(t, ok)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[Verdict]int
}

func (o *countingObserver) ObserveVerdict(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[d.Verdict]++
}

func TestEvaluateFlow_ConcurrentWithObserver(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{counts: map[Verdict]int{}}
	e := NewEnforcer(WithVerdictObserver(obs))
	e.UpdatePodLabels(webIP, LabelSet{"app": "web"})
	_, err := e.AddPolicy(ingressPolicy(1, "allow-web", "web", IngressRule{}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.EvaluateFlow(flow(clientIP, webIP, 80, ProtocolTCP))
				e.UpdatePodLabels(clientIP, LabelSet{"app": "client"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, obs.counts[Allow])
}
