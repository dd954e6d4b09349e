package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ukleadgen/leadgen-backend/internal/engine"
	"github.com/ukleadgen/leadgen-backend/internal/engine/api"
	"github.com/ukleadgen/leadgen-backend/internal/engine/cache"
	"github.com/ukleadgen/leadgen-backend/internal/engine/campaign"
	"github.com/ukleadgen/leadgen-backend/internal/engine/config"
	"github.com/ukleadgen/leadgen-backend/internal/engine/metrics"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
	"github.com/ukleadgen/leadgen-backend/internal/engine/sink"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:  "leadgen-engine",
		Usage: "automation engine for UK lead generation campaigns",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the engine service",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "campaign",
						Usage: "YAML campaign file to submit on startup",
					},
					&cli.StringFlag{
						Name:  "preset",
						Usage: "built-in campaign to submit on startup (e.g. uk-tech-cities)",
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "path to an env file loaded before configuration",
					},
				},
				Action: runAction,
			},
			{
				Name:  "version",
				Usage: "print the build version",
				Action: func(*cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	if envFile := c.String("env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	if err := config.Init(); err != nil {
		return err
	}

	logCfg := logging.NewDefaultConfig(logging.EngineProcess)
	if !config.IsDevMode() {
		logCfg.Environment = logging.Production
	}
	if err := logging.InitServiceLogger(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logging.Shutdown()
	logger := logging.GetServiceLogger()
	logger.Info("starting automation engine", "version", version, "dev_mode", config.IsDevMode())

	stopMetrics := metrics.StartMetricsCollection()
	defer stopMetrics()

	var resultSink sink.Sink
	if config.IsDatabaseEnabled() {
		dbCfg := sink.NewConfig(config.GetDatabaseHost(), config.GetDatabaseHostPort()).
			WithKeyspace(config.GetDatabaseKeyspace())
		cassandra, err := sink.NewCassandraSink(dbCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect result sink: %w", err)
		}
		resultSink = cassandra
	} else {
		logger.Warn("no database configured, results are kept in memory only")
		resultSink = sink.NewMemorySink()
	}
	defer resultSink.Close()

	resultCache := cache.New(cache.Config{
		MaxEntries: config.GetCacheMaxEntries(),
		DefaultTTL: config.GetCacheDefaultTTL(),
	}, logger)

	perfMonitor := monitor.New(monitor.DefaultConfig(), logger)
	perfMonitor.Start()
	defer perfMonitor.Stop()

	eng := engine.New(engine.Config{
		MaxConcurrent:        config.GetMaxConcurrentTasks(),
		CampaignTimeout:      config.GetCampaignTimeout(),
		StopOnErrorCount:     config.GetStopOnErrorCount(),
		CountBlockedAsFailed: config.CountBlockedAsFailed(),
		CacheMandatory:       config.IsCacheMandatory(),
		DefaultRetry: retry.Config{
			Strategy:    retry.StrategyExponential,
			MaxAttempts: config.GetRetryMaxAttempts(),
			BaseDelay:   config.GetRetryBaseDelay(),
			MaxDelay:    config.GetRetryMaxDelay(),
			Jitter:      true,
		},
		CacheSweepInterval: config.GetCacheSweepInterval(),
		MonitorExportDir:   "data/exports",
		MonitorExportEvery: config.GetMetricsExportInterval(),
	}, resultCache, perfMonitor, resultSink, logger)
	defer eng.Close()

	if config.IsDevMode() {
		registerSimulatedHandlers(eng, logger)
	}

	if err := submitStartupCampaign(c, eng, logger); err != nil {
		return err
	}

	server := api.NewServer(eng, perfMonitor, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(config.GetAPIPort()); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("control API failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("control API shutdown failed", "error", err)
	}
	return nil
}

func submitStartupCampaign(c *cli.Context, eng *engine.Engine, logger logging.Logger) error {
	var camp *campaign.Campaign
	switch {
	case c.String("campaign") != "":
		loaded, err := campaign.LoadFile(c.String("campaign"))
		if err != nil {
			return err
		}
		camp = loaded
	case c.String("preset") != "":
		name := c.String("preset")
		for _, p := range campaign.Presets() {
			if p.Name == name {
				preset := p
				camp = &preset
				break
			}
		}
		if camp == nil {
			return fmt.Errorf("unknown preset %s", name)
		}
	default:
		return nil
	}

	id, err := eng.Submit(camp)
	if err != nil {
		return fmt.Errorf("failed to submit campaign %s: %w", camp.Name, err)
	}
	logger.Info("startup campaign submitted", "campaign", camp.Name, "id", id)
	return nil
}

// registerSimulatedHandlers installs fake task implementations so the engine
// can exercise full campaigns in development without live scrapers.
func registerSimulatedHandlers(eng *engine.Engine, logger logging.Logger) {
	simulate := func(kind string, min, max time.Duration) engine.Handler {
		return func(ctx context.Context, params map[string]string) (interface{}, error) {
			delay := min + time.Duration(rand.Int63n(int64(max-min)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			limit := 25
			if v, err := strconv.Atoi(params["limit"]); err == nil {
				limit = v
			}
			leads := rand.Intn(limit + 1)
			logger.Debug("simulated task finished", "kind", kind, "location", params["location"], "leads", leads)
			return fmt.Sprintf("%d leads", leads), nil
		}
	}
	eng.RegisterHandler("directory_search", simulate("directory_search", 200*time.Millisecond, 2*time.Second))
	eng.RegisterHandler("contact_enrichment", simulate("contact_enrichment", 100*time.Millisecond, time.Second))
	eng.RegisterHandler("website_analysis", simulate("website_analysis", 300*time.Millisecond, 3*time.Second))
	logger.Info("simulated task handlers registered (dev mode)")
}
