// Package netpolicy decides whether a flow may traverse the appliance using
// Kubernetes-compatible NetworkPolicy semantics.
//
// # Model
//
// Endpoints are identified by IP and described by a LabelSet registered with
// UpdatePodLabels. A NetworkPolicy selects endpoints with its PodSelector and
// lists ingress and/or egress rules; each rule names peers (pod selectors,
// namespace selectors or IP blocks) and ports.
//
// # Evaluation
//
// Enabled policies are visited by descending Priority, ties broken by
// ascending PolicyID. The first rule that allows the flow wins. A flow that
// no rule allows is denied, regardless of direction.
//
// Known limitations:
//   - NamespaceSelector peers match every endpoint (no namespace registry).
//   - Named ports match every port (no service port mapping).
//
// # Thread Safety
//
// Enforcer is safe for concurrent use. Evaluation only takes read locks.
package netpolicy
