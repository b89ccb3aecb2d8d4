package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sdwanctl/internal/config"
	"sdwanctl/internal/controller"
	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/monitor"
	"sdwanctl/internal/netpolicy"
	"sdwanctl/internal/probe"
	"sdwanctl/internal/store"
	"sdwanctl/internal/stunutil"
	"sdwanctl/internal/wireguard"
)

const stunTimeout = 3 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the path monitor, policy enforcer and REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	cfg, err := loadConfigOrDefaults(path)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if err := ensureSiteID(path, &cfg); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	exporter := metrics.NewExporter()
	enforcer := netpolicy.NewEnforcer(netpolicy.WithVerdictObserver(exporter))
	if err := seedEnforcer(enforcer, cfg.Enforcer); err != nil {
		return err
	}
	mon := monitor.New(db, cfg.Monitor,
		monitor.WithObserver(exporter),
		monitor.WithMTUSource(wireguard.NewInspector(nil)),
	)

	deps := controller.Deps{
		Site:     cfg.Site,
		DB:       db,
		Monitor:  mon,
		Enforcer: enforcer,
		Exporter: exporter,
	}

	if config.ResponderEnabled(cfg.Monitor) {
		responder, err := probe.StartResponder(listenPort(cfg.Monitor.ProbePort), listenPort(cfg.Monitor.BandwidthPort))
		if err != nil {
			return fmt.Errorf("start probe responder: %w", err)
		}
		defer responder.Close()
		deps.Responder = responder
	}

	ctx, cancel := signalContext()
	defer cancel()

	if len(cfg.Site.STUNServers) > 0 {
		go discoverPublicEndpoint(ctx, cfg.Site.STUNServers)
	}

	enforcer.Start()
	defer enforcer.Stop()
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mon.Stop(); err != nil {
			log.Warnf("Path monitor stop: %v", err)
		}
	}()

	srv, err := controller.NewServer(cfg.API, cfg.Log.Level, deps)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() { _ = srv.Stop() }()

	log.WithFields(log.Fields{
		"site":     cfg.Site.ID,
		"name":     cfg.Site.Name,
		"api":      srv.Addr(),
		"policies": enforcer.Stats().TotalPolicies,
	}).Info("sdwanctl running")

	<-ctx.Done()
	log.Info("Shutting down...")
	return nil
}

// ensureSiteID generates a site ID on first start and writes it back.
func ensureSiteID(path string, cfg *config.Config) error {
	if cfg.Site.ID != "" {
		if _, err := model.ParseSiteID(cfg.Site.ID); err != nil {
			return fmt.Errorf("site.id: %w", err)
		}
		return nil
	}

	cfg.Site.ID = model.NewSiteID().String()
	log.WithField("site", cfg.Site.ID).Info("Generated site ID")
	if path == "" {
		return nil
	}
	if err := config.Save(path, *cfg); err != nil {
		return fmt.Errorf("save site id: %w", err)
	}
	return nil
}

// seedEnforcer loads policy manifests and static endpoint labels.
func seedEnforcer(e *netpolicy.Enforcer, cfg config.EnforcerConfig) error {
	for _, file := range cfg.PolicyFiles {
		policies, err := netpolicy.LoadKubernetesFile(file)
		if err != nil {
			return err
		}
		for _, p := range policies {
			if _, err := e.AddPolicy(p); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
		}
		log.WithFields(log.Fields{"file": file, "count": len(policies)}).Info("Loaded network policies")
	}

	for _, ep := range cfg.Endpoints {
		ip, err := netip.ParseAddr(ep.IP)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.IP, err)
		}
		e.UpdatePodLabels(ip, netpolicy.LabelSet(ep.Labels))
	}
	return nil
}

func discoverPublicEndpoint(ctx context.Context, servers []string) {
	res, err := stunutil.Discover(ctx, servers, stunTimeout)
	if err != nil {
		log.Warnf("Public endpoint discovery failed: %v", err)
		return
	}
	log.WithFields(log.Fields{
		"public_addr": res.PublicAddr,
		"nat":         res.NAT,
	}).Info("Discovered public endpoint")
}

func listenPort(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
