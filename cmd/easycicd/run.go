package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/easycicd/easycicd/pkg/api"
	"github.com/easycicd/easycicd/pkg/build"
	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/deploy"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/ingress"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/ports"
	"github.com/easycicd/easycicd/pkg/queue"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Long: `Start the API server, the reverse proxy and every background worker.
The process runs until it receives SIGINT or SIGTERM, then drains
in-flight requests and stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("data-dir", "", "Data directory (default /data)")
	runCmd.Flags().String("api-addr", "", "API listen address (default :3000)")
	runCmd.Flags().String("proxy-addr", "", "Proxy listen address (default :8080)")
	runCmd.Flags().String("base-domain", "", "Base domain for subdomain routing")
	runCmd.Flags().String("webhook-secret", "", "GitHub webhook HMAC secret")
	runCmd.Flags().String("docker-network", "", "Docker network name (default easycicd)")
	runCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	runCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

// loadConfig merges the YAML file with flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("proxy-addr"); v != "" {
		cfg.ProxyAddr = v
	}
	if v, _ := cmd.Flags().GetString("base-domain"); v != "" {
		cfg.BaseDomain = v
	}
	if v, _ := cmd.Flags().GetString("webhook-secret"); v != "" {
		cfg.WebhookSecret = v
	}
	if v, _ := cmd.Flags().GetString("docker-network"); v != "" {
		cfg.DockerNetwork = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = true
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.EnsureNetwork(ctx, cfg.DockerNetwork); err != nil {
		return fmt.Errorf("failed to ensure docker network: %w", err)
	}

	bus := events.NewBus(cfg.BusCapacity)
	defer bus.Close()

	q := queue.New(store)
	executor := build.NewExecutor(cfg, store, rt, bus)
	deployer := deploy.NewDeployer(cfg, store, rt, bus)

	server := api.NewServer(cfg, store, q, deployer, rt, bus)
	proxy := ingress.NewProxy(cfg.ProxyAddr, ingress.NewRouter(store, cfg.BaseDomain))

	collector := metrics.NewCollector(store, q)
	collector.Start()
	defer collector.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return proxy.Run(ctx) })
	g.Go(func() error { return worker.NewBuildWorker(cfg, store, q, executor, deployer, bus).Run(ctx) })
	g.Go(func() error { return worker.NewCleanupWorker(store, rt).Run(ctx) })
	g.Go(func() error { return worker.NewHealthMonitor(store, rt, bus).Run(ctx) })
	g.Go(func() error { return worker.NewLogStreamer(store, rt, bus).Run(ctx) })
	g.Go(func() error { return worker.NewSessionSweeper(store).Run(ctx) })
	g.Go(func() error { return ports.NewScanner(store).Run(ctx) })

	logger.Info().
		Str("api_addr", cfg.APIAddr).
		Str("proxy_addr", cfg.ProxyAddr).
		Str("base_domain", cfg.BaseDomain).
		Msg("agent started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}
