package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/probe"
	"sdwanctl/internal/store"
	"sdwanctl/internal/stunutil"
)

func newResponderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "responder",
		Short: "Answer probes and bandwidth tests from remote sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefaults(configPath)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log); err != nil {
				return err
			}

			r, err := probe.StartResponder(listenPort(cfg.Monitor.ProbePort), listenPort(cfg.Monitor.BandwidthPort))
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			<-ctx.Done()

			if err := r.Close(); err != nil {
				log.Warnf("Responder close: %v", err)
			}
			st := r.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "probes=%d bandwidth_bytes=%d bandwidth_frames=%d\n",
				st.ProbesEchoed, st.BandwidthBytes, st.BandwidthFrames)
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var servers []string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover this site's public endpoint via STUN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(servers) == 0 {
				cfg, err := loadConfigOrDefaults(configPath)
				if err != nil {
					return err
				}
				servers = cfg.Site.STUNServers
			}
			if len(servers) == 0 {
				return errors.New("no STUN servers: set site.stun_servers or --stun")
			}

			ctx, cancel := requestContext()
			defer cancel()
			res, err := stunutil.Discover(ctx, servers, stunTimeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public_addr=%s nat=%s\n", res.PublicAddr, res.NAT)
			for _, s := range servers {
				if addr, ok := res.Mapped[s]; ok {
					fmt.Fprintf(out, "  %s -> %s\n", s, addr)
				} else {
					fmt.Fprintf(out, "  %s -> no answer\n", s)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&servers, "stun", nil, "STUN servers (host:port), overrides site.stun_servers")
	return cmd
}

// historySource loads samples either from a CSV export or from the local database.
type historySource struct {
	csvPath string
	pathID  uint64
}

func (h historySource) load(ctx context.Context, since time.Time) ([]model.MetricsSample, error) {
	if h.csvPath != "" {
		items, err := metrics.ReadCSV(h.csvPath)
		if err != nil {
			return nil, err
		}
		if h.pathID == 0 {
			return items, nil
		}
		out := items[:0]
		for _, s := range items {
			if uint64(s.PathID) == h.pathID {
				out = append(out, s)
			}
		}
		return out, nil
	}

	cfg, err := loadConfigOrDefaults(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return collectHistory(ctx, db, model.PathID(h.pathID), since)
}

type historyReader interface {
	ListPaths(ctx context.Context) ([]model.Path, error)
	MetricsHistory(ctx context.Context, id model.PathID, since time.Time) ([]model.MetricsSample, error)
}

// collectHistory gathers samples of one path, or of all paths when id is zero,
// ordered by measurement time.
func collectHistory(ctx context.Context, db historyReader, id model.PathID, since time.Time) ([]model.MetricsSample, error) {
	var ids []model.PathID
	if id != 0 {
		ids = []model.PathID{id}
	} else {
		paths, err := db.ListPaths(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			ids = append(ids, p.ID)
		}
	}

	var out []model.MetricsSample
	for _, pid := range ids {
		items, err := db.MetricsHistory(ctx, pid, since)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metrics.MeasuredAt.Before(out[j].Metrics.MeasuredAt)
	})
	return out, nil
}

func newStatsCmd() *cobra.Command {
	var src historySource
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise stored path metrics over a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since := time.Now().UTC().Add(-window)
			items, err := src.load(cmd.Context(), since)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), metrics.Summarize(items, since))
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 5*time.Minute, "time window")
	cmd.Flags().Uint64Var(&src.pathID, "path-id", 0, "restrict to one path")
	cmd.Flags().StringVar(&src.csvPath, "csv", "", "read samples from a CSV export instead of the database")
	return cmd
}

func printSummary(w io.Writer, summary metrics.Summary) {
	if summary.Count == 0 {
		fmt.Fprintln(w, "no samples in window")
		return
	}
	fmt.Fprintf(w, "samples=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(w, "latency avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n", summary.AvgLatencyMs, summary.P95LatencyMs, summary.MinLatencyMs, summary.MaxLatencyMs)
	fmt.Fprintf(w, "jitter avg=%.2fms loss avg=%.2f%% bandwidth avg=%.2f Mbps\n", summary.AvgJitterMs, summary.AvgLossPct, summary.AvgBandwidthMbps)
	fmt.Fprintf(w, "score avg=%.1f min=%d\n", summary.AvgScore, summary.MinScore)
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored metrics",
	}

	var (
		out      string
		window   time.Duration
		pathID   uint64
		appendTo bool
	)
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Write stored path metrics as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since := time.Unix(0, 0)
			if window > 0 {
				since = time.Now().UTC().Add(-window)
			}
			items, err := historySource{pathID: pathID}.load(cmd.Context(), since)
			if err != nil {
				return err
			}
			return exportCSV(cmd.OutOrStdout(), out, appendTo, items)
		},
	}
	csvCmd.Flags().StringVarP(&out, "out", "o", "-", "output file (\"-\" for stdout)")
	csvCmd.Flags().DurationVar(&window, "window", 0, "only samples measured within this window (0: all)")
	csvCmd.Flags().Uint64Var(&pathID, "path-id", 0, "restrict to one path")
	csvCmd.Flags().BoolVar(&appendTo, "append", false, "append to an existing file")

	cmd.AddCommand(csvCmd)
	return cmd
}

func exportCSV(stdout io.Writer, out string, appendTo bool, items []model.MetricsSample) error {
	if out == "-" || out == "" {
		return metrics.WriteCSV(stdout, items)
	}
	if appendTo {
		if err := metrics.AppendCSV(out, items); err != nil {
			return err
		}
	} else {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := metrics.WriteCSV(f, items); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "exported %d samples to %s\n", len(items), out)
	return nil
}

var _ historyReader = (*store.SQLite)(nil)
