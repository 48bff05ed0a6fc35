// beacond is the audit orchestration daemon: it schedules, dispatches,
// retries, and ingests page audits, and pushes results to team dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/dispatch"
	"github.com/beaconhq/beacond/audit/ingest"
	"github.com/beaconhq/beacond/audit/provider"
	"github.com/beaconhq/beacond/blob"
	"github.com/beaconhq/beacond/config"
	"github.com/beaconhq/beacond/db"
	"github.com/beaconhq/beacond/errors"
	"github.com/beaconhq/beacond/logger"
	"github.com/beaconhq/beacond/registry"
	"github.com/beaconhq/beacond/scheduler"
	"github.com/beaconhq/beacond/server"
	"github.com/beaconhq/beacond/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "beacond",
		Short: "Audit orchestration daemon",
		Long:  "beacond schedules page audits, dispatches them to providers, retries failures, and streams results to team dashboards.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to beacond.toml")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get().String())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	if cfg.Log.Debug {
		logger.SetDebug()
	}
	log := logger.Logger
	log.Infow("beacond starting", "version", version.Get().Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, log); err != nil {
		return err
	}

	var blobs blob.Store
	if cfg.Blob.Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			ForcePathStyle:  cfg.Blob.UsePathStyle,
			AccessKeyID:     cfg.Blob.AccessKey,
			SecretAccessKey: cfg.Blob.SecretKey,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warnw("no blob bucket configured, using in-memory store; reports are lost on restart")
		blobs = blob.NewMemoryStore()
	}

	store := audit.NewStore(database)
	queue := dispatch.NewQueue(database)
	reg := registry.New(log)
	pipeline := ingest.New(store, blobs, reg, log)

	runnerDriver := provider.NewRunnerDriver(provider.RunnerConfig{
		Command:     cfg.Runner.Command,
		Args:        cfg.Runner.Args,
		CallbackURL: cfg.Runner.CallbackURL,
	}, log)
	pagespeedDriver := provider.NewPageSpeedDriver(provider.PageSpeedConfig{
		APIURL:        cfg.PageSpeed.APIURL,
		APIKey:        cfg.PageSpeed.APIKey,
		Timeout:       cfg.PageSpeed.Timeout(),
		RatePerSecond: cfg.PageSpeed.RatePerSecond,
	}, blobs, pipeline, log)

	coord := dispatch.NewCoordinator(store, queue, reg, log, runnerDriver, pagespeedDriver)
	pool := dispatch.NewWorkerPool(ctx, queue, coord, dispatch.WorkerPoolConfig{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval(),
	}, log)

	ticker := scheduler.NewTicker(ctx, store, queue, reg, scheduler.TickerConfig{
		Interval: cfg.Scheduler.TickInterval(),
	}, log)

	srv := server.New(ctx, server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, store, queue, coord, pipeline, reg, server.StaticTeamResolver(cfg.Server.Tokens), log)

	pool.Start()
	ticker.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Errorw("server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown error", "error", err)
	}
	ticker.Stop()
	pool.Stop()
	cancel()

	log.Infow("beacond stopped")
	return nil
}
