package netpolicy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: api-allow
  namespace: prod
  annotations:
    sdwanctl.io/priority: "200"
spec:
  podSelector:
    matchLabels:
      app: api
  ingress:
    - from:
        - podSelector:
            matchExpressions:
              - key: role
                operator: In
                values: [frontend, gateway]
        - ipBlock:
            cidr: 172.16.0.0/12
            except: [172.16.5.0/24]
        - namespaceSelector:
            matchLabels:
              team: ops
      ports:
        - protocol: TCP
          port: 8080
          endPort: 8090
        - port: metrics
  egress:
    - to:
        - ipBlock:
            cidr: 10.0.0.0/8
      ports:
        - protocol: UDP
          port: 53
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: ignored
---
apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: disabled
  annotations:
    sdwanctl.io/enabled: "false"
    sdwanctl.io/policy-id: policy-77
spec:
  podSelector: {}
  policyTypes: [Egress]
`

func TestDecodeKubernetes(t *testing.T) {
	t.Parallel()

	policies, err := DecodeKubernetes(strings.NewReader(manifest))
	require.NoError(t, err)
	require.Len(t, policies, 2)

	p := policies[0]
	assert.Equal(t, "api-allow", p.Name)
	assert.Equal(t, "prod", p.Namespace)
	assert.Equal(t, uint32(200), p.Priority)
	assert.True(t, p.Enabled)
	assert.NotZero(t, p.ID)
	assert.Equal(t, []PolicyType{PolicyTypeIngress, PolicyTypeEgress}, p.PolicyTypes)
	assert.Equal(t, "api", p.PodSelector.MatchLabels["app"])

	require.Len(t, p.IngressRules, 1)
	from := p.IngressRules[0].From
	require.Len(t, from, 3)
	pod, ok := from[0].(PodSelectorPeer)
	require.True(t, ok)
	assert.Equal(t, "prod", pod.Namespace)
	assert.Equal(t, OpIn, pod.Selector.MatchExpressions[0].Operator)
	block, ok := from[1].(IPBlockPeer)
	require.True(t, ok)
	assert.Equal(t, []string{"172.16.5.0/24"}, block.Except)
	_, ok = from[2].(NamespaceSelectorPeer)
	assert.True(t, ok)

	ports := p.IngressRules[0].Ports
	require.Len(t, ports, 2)
	assert.Equal(t, ProtocolTCP, *ports[0].Protocol)
	assert.Equal(t, uint16(8080), ports[0].Port.Number)
	assert.Equal(t, uint16(8090), *ports[0].EndPort)
	assert.Equal(t, "metrics", ports[1].Port.Name)
	assert.Equal(t, ProtocolTCP, *ports[1].Protocol, "unset protocol defaults to TCP")

	d := policies[1]
	assert.Equal(t, PolicyID(77), d.ID)
	assert.False(t, d.Enabled)
	assert.Equal(t, "default", d.Namespace)
	assert.Equal(t, []PolicyType{PolicyTypeEgress}, d.PolicyTypes)
}

func TestDecodeKubernetes_StableIDs(t *testing.T) {
	t.Parallel()

	a, err := DecodeKubernetes(strings.NewReader(manifest))
	require.NoError(t, err)
	b, err := DecodeKubernetes(strings.NewReader(manifest))
	require.NoError(t, err)
	assert.Equal(t, a[0].ID, b[0].ID)
}

func TestDecodeKubernetes_AppliedPolicyEvaluates(t *testing.T) {
	t.Parallel()

	policies, err := DecodeKubernetes(strings.NewReader(manifest))
	require.NoError(t, err)

	e := NewEnforcer()
	for _, p := range policies {
		_, err := e.AddPolicy(p)
		require.NoError(t, err)
	}
	e.UpdatePodLabels(webIP, LabelSet{"app": "api"})
	e.UpdatePodLabels(clientIP, LabelSet{"role": "frontend"})

	assert.Equal(t, Allow, e.EvaluateFlow(flow(clientIP, webIP, 8085, ProtocolTCP)))
	assert.Equal(t, Deny, e.EvaluateFlow(flow(clientIP, webIP, 8085, ProtocolUDP)))
}

func TestDecodeKubernetes_InvalidOperator(t *testing.T) {
	t.Parallel()

	bad := `
apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: bad
spec:
  podSelector:
    matchExpressions:
      - key: app
        operator: Like
`
	_, err := DecodeKubernetes(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestLoadKubernetesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	policies, err := LoadKubernetesFile(path)
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	_, err = LoadKubernetesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNetworkPolicy_JSONShape(t *testing.T) {
	t.Parallel()

	policies, err := DecodeKubernetes(strings.NewReader(manifest))
	require.NoError(t, err)

	data, err := json.Marshal(policies[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"policy-`)
	assert.Contains(t, string(data), `"ipBlock":{"cidr":"172.16.0.0/12"`)
	assert.Contains(t, string(data), `"port":"metrics"`)
	assert.Contains(t, string(data), `"protocol":"TCP"`)

	var back NetworkPolicy
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, policies[0].ID, back.ID)
	require.Len(t, back.IngressRules[0].From, 3)
	assert.IsType(t, IPBlockPeer{}, back.IngressRules[0].From[1])
	assert.Equal(t, uint16(8080), back.IngressRules[0].Ports[0].Port.Number)
}

func TestPeerJSON_RejectsAmbiguousPeer(t *testing.T) {
	t.Parallel()

	var r IngressRule
	err := json.Unmarshal([]byte(`{"from":[{"podSelector":{},"ipBlock":{"cidr":"10.0.0.0/8"}}]}`), &r)
	assert.Error(t, err)
}
