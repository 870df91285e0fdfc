package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/ndpd/pkg/ndp"
	"github.com/codelaboratoryltd/ndpd/pkg/routing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ndpd",
	Short: "IPv6 Neighbor Discovery daemon",
	Long: `ndpd - IPv6 Neighbor Discovery engine

Runs RFC 4861/4862 neighbor discovery on an interface: neighbor
resolution and unreachability detection, duplicate address detection,
router discovery and ICMPv6 dispatch.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the NDP engine on an interface",
	RunE:  runNDPD,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  dumpConfig,
}

var (
	iface       string
	configFile  string
	logLevel    string
	metricsAddr string
	forwarding  bool
)

func init() {
	runCmd.Flags().StringVarP(&iface, "interface", "i", "eth0",
		"Interface to run neighbor discovery on")
	runCmd.Flags().StringVarP(&configFile, "config", "c", "",
		"YAML config file (optional)")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464",
		"Prometheus metrics listen address")
	runCmd.Flags().BoolVar(&forwarding, "forwarding", false,
		"Treat the interface as forwarding (router mode)")

	configCmd.Flags().StringVarP(&configFile, "config", "c", "",
		"YAML config file (optional)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func runNDPD(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting ndpd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("interface", iface),
		zap.Bool("forwarding", forwarding),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	routes, err := routing.NewPlatformTable()
	if err != nil {
		return fmt.Errorf("failed to create route table: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := ndp.NewMetrics(reg)

	engine, err := ndp.NewEngine(cfg, ndp.Deps{
		Addrs:   newHostAddressTable(logger),
		Routes:  routes,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create NDP engine: %w", err)
	}

	svc, err := newService(engine, iface, forwarding, logger)
	if err != nil {
		return fmt.Errorf("failed to attach to %s: %w", iface, err)
	}
	defer svc.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("Serving metrics", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return svc.Run(ctx)
}

func dumpConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// loadConfig reads the YAML config file over the RFC defaults. An empty
// path returns the defaults unchanged.
func loadConfig(path string) (ndp.Config, error) {
	cfg := ndp.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
