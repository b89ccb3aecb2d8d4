package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sdwanctl/internal/api"
	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
	"sdwanctl/internal/wireguard"
)

func newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Manage and inspect monitored paths",
	}

	var req api.PathRequest
	var srcSite, dstSite, wgPeer string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a path to a remote site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.SrcSite, err = siteFlag(srcSite); err != nil {
				return err
			}
			if req.DstSite, err = siteFlag(dstSite); err != nil {
				return err
			}
			if wgPeer != "" {
				if req.DstEndpoint, err = peerEndpoint(wireguard.NewInspector(nil), req.WGInterface, wgPeer); err != nil {
					return err
				}
			}
			if req.DstEndpoint == "" {
				return errors.New("--dst or --wg-peer is required")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			p, err := client.AddPath(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path %s registered dst=%s\n", p.ID, p.DstEndpoint)
			return nil
		},
	}
	add.Flags().StringVar(&srcSite, "src-site", "", "local site ID (default: random)")
	add.Flags().StringVar(&dstSite, "dst-site", "", "remote site ID (default: random)")
	add.Flags().StringVar(&req.SrcEndpoint, "src", "", "local endpoint host:port")
	add.Flags().StringVar(&req.DstEndpoint, "dst", "", "remote endpoint host:port")
	add.Flags().StringVar(&req.WGInterface, "wg-interface", "", "WireGuard interface carrying the path")
	add.Flags().StringVar(&wgPeer, "wg-peer", "", "take --dst from this peer's current endpoint on --wg-interface")
	add.MarkFlagsMutuallyExclusive("dst", "wg-peer")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			paths, err := client.ListPaths(ctx)
			if err != nil {
				return err
			}
			printPaths(cmd.OutOrStdout(), paths)
			return nil
		},
	}

	probe := &cobra.Command{
		Use:   "probe <path-id>",
		Short: "Send one probe over a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParsePathID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			resp, err := client.Probe(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "probe path=%s rtt=%.2fms\n", resp.PathID, resp.RTTMs)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "delete <path-id>",
		Short: "Remove a path and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParsePathID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			if err := client.DeletePath(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path %s deleted\n", id)
			return nil
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics [path-id]",
		Short: "Show current metrics of one or all paths",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			var rows []api.PathMetricsResponse
			if len(args) == 1 {
				id, err := model.ParsePathID(args[0])
				if err != nil {
					return err
				}
				resp, err := client.PathMetrics(ctx, id)
				if err != nil {
					return err
				}
				rows = append(rows, resp)
			} else {
				resp, err := client.AllMetrics(ctx)
				if err != nil {
					return err
				}
				rows = resp.Paths
			}
			printMetrics(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.AddCommand(add, list, probe, remove, metricsCmd)
	return cmd
}

type peerLister interface {
	PeerEndpoints(iface string) (map[string]string, error)
}

// peerEndpoint resolves the endpoint WireGuard currently uses for a peer.
func peerEndpoint(l peerLister, iface, pubKey string) (string, error) {
	if iface == "" {
		return "", errors.New("--wg-peer requires --wg-interface")
	}
	peers, err := l.PeerEndpoints(iface)
	if err != nil {
		return "", fmt.Errorf("read peers of %s: %w", iface, err)
	}
	ep, ok := peers[pubKey]
	if !ok {
		return "", fmt.Errorf("peer %s has no endpoint on %s", pubKey, iface)
	}
	return ep, nil
}

func siteFlag(v string) (model.SiteID, error) {
	if v == "" {
		return model.NewSiteID(), nil
	}
	return model.ParseSiteID(v)
}

func printPaths(w io.Writer, paths []model.Path) {
	if len(paths) == 0 {
		fmt.Fprintln(w, "no paths")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSRC\tDST\tIFACE")
	for _, p := range paths {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Status, p.SrcEndpoint, p.DstEndpoint, p.WGInterface)
	}
	_ = tw.Flush()
}

func printMetrics(w io.Writer, rows []api.PathMetricsResponse) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no metrics")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSTATUS\tLATENCY\tJITTER\tLOSS\tBANDWIDTH\tSCORE\tMEASURED")
	for _, r := range rows {
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%.2fms\t%.2fms\t%.1f%%\t%.1fMbps\t%d\t%s\n",
			r.PathID, r.Status, m.LatencyMs, m.JitterMs, m.PacketLossPct, m.BandwidthMbps, m.Score,
			m.MeasuredAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage network policies",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply -f <manifest>",
		Short: "Apply a Kubernetes NetworkPolicy manifest (YAML or JSON, \"-\" for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			ids, err := client.ApplyManifest(ctx, manifest)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "%s applied\n", id)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "manifest path")
	_ = apply.MarkFlagRequired("file")

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List policies in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			policies, err := client.ListPolicies(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			printPolicies(cmd.OutOrStdout(), policies)
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print full policies as JSON")

	get := &cobra.Command{
		Use:   "get <policy-id>",
		Short: "Show one policy as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := netpolicy.ParsePolicyID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			p, err := client.GetPolicy(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	del := &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Remove a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := netpolicy.ParsePolicyID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			if err := client.DeletePolicy(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", id)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show policy table statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			st, err := client.PolicyStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policies=%d enabled=%d endpoints=%d\n", st.TotalPolicies, st.EnabledPolicies, st.TotalPods)
			return nil
		},
	}

	cmd.AddCommand(apply, list, get, del, stats)
	return cmd
}

func printPolicies(w io.Writer, policies []netpolicy.NetworkPolicy) {
	if len(policies) == 0 {
		fmt.Fprintln(w, "no policies")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAMESPACE\tNAME\tPRIORITY\tENABLED\tTYPES")
	for _, p := range policies {
		types := make([]string, 0, len(p.PolicyTypes))
		for _, t := range p.PolicyTypes {
			types = append(types, string(t))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", p.ID, p.Namespace, p.Name, p.Priority, p.Enabled, strings.Join(types, ","))
	}
	_ = tw.Flush()
}

func newLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Register endpoint labels used by pod selectors",
	}

	set := &cobra.Command{
		Use:   "set <ip> key=value...",
		Short: "Replace the labels of an endpoint",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, err := parseLabels(args[1:])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			if err := client.SetLabels(ctx, args[0], labels); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "labels set for %s\n", args[0])
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <ip>",
		Short: "Forget the labels of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			if err := client.RemoveLabels(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "labels removed for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func parseLabels(pairs []string) (netpolicy.LabelSet, error) {
	labels := make(netpolicy.LabelSet, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, want key=value", pair)
		}
		labels[k] = v
	}
	return labels, nil
}

func newFlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Evaluate flows against the policy table",
	}

	var req api.FlowRequest
	check := &cobra.Command{
		Use:   "check",
		Short: "Print the verdict for a flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			d, err := client.EvaluateFlow(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if d.Verdict == netpolicy.Allow {
				fmt.Fprintf(out, "allow policy=%s (%s) direction=%s\n", d.PolicyID, d.PolicyName, d.Direction)
				return nil
			}
			fmt.Fprintln(out, "deny (no policy allows this flow)")
			return nil
		},
	}
	check.Flags().StringVar(&req.SrcIP, "src", "", "source IP")
	check.Flags().StringVar(&req.DstIP, "dst", "", "destination IP")
	check.Flags().Uint16Var(&req.SrcPort, "sport", 0, "source port")
	check.Flags().Uint16Var(&req.DstPort, "dport", 0, "destination port")
	check.Flags().StringVar(&req.Protocol, "proto", "TCP", "protocol name or number")
	_ = check.MarkFlagRequired("src")
	_ = check.MarkFlagRequired("dst")

	cmd.AddCommand(check)
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("input path required")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
