package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sdwanctl/internal/api"
	"sdwanctl/internal/config"
)

const defaultConfigPath = "/etc/sdwanctl/config.yaml"

var (
	configPath string
	apiAddr    string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sdwanctl",
	Short: "SD-WAN path monitor and network policy enforcer",
	Long: `sdwanctl measures the quality of overlay paths between sites
(latency, jitter, loss, bandwidth) and evaluates flows against
Kubernetes-style NetworkPolicies.

Run "sdwanctl serve" on each appliance; the other commands talk to
its REST API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "appliance API address (default: api.listen from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		newServeCmd(),
		newResponderCmd(),
		newDiscoverCmd(),
		newPathCmd(),
		newPolicyCmd(),
		newLabelsCmd(),
		newFlowCmd(),
		newStatsCmd(),
		newExportCmd(),
	)
}

func main() {
	fatal(rootCmd.Execute())
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

// loadConfigOrDefaults falls back to defaults when the config file is absent.
func loadConfigOrDefaults(path string) (config.Config, error) {
	cfg, err := loadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Config{}
		config.ApplyDefaults(&cfg)
		return cfg, nil
	}
	return cfg, err
}

func setupLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}

// newClient builds an API client from --api or the configured listen address.
func newClient() (*api.Client, error) {
	addr := apiAddr
	if addr == "" {
		cfg, err := loadConfigOrDefaults(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Listen
	}
	return api.NewClient(normalizeBaseURL(addr)), nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
