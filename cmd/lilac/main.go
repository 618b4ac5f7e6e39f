// Command lilac runs the build orchestrator: with no arguments a full
// batch over all managed packages, with arguments only the named
// packages (pkg[:runner]) plus their transitive dependencies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lilacbuild/lilac/pkg/artifact"
	"github.com/lilacbuild/lilac/pkg/assign"
	"github.com/lilacbuild/lilac/pkg/batch"
	"github.com/lilacbuild/lilac/pkg/config"
	"github.com/lilacbuild/lilac/pkg/httpapi"
	"github.com/lilacbuild/lilac/pkg/lockfile"
	"github.com/lilacbuild/lilac/pkg/resource"
	"github.com/lilacbuild/lilac/pkg/source"
	"github.com/lilacbuild/lilac/pkg/store"
	"github.com/lilacbuild/lilac/pkg/store/postgres"
	"github.com/lilacbuild/lilac/pkg/upstream"
	"github.com/lilacbuild/lilac/pkg/worker"
	"github.com/lilacbuild/lilac/pkg/worker/queue"

	_ "github.com/lilacbuild/lilac/pkg/store/bc"
	_ "github.com/lilacbuild/lilac/pkg/worker/local"
	_ "github.com/lilacbuild/lilac/pkg/worker/nomad"
)

func main() {
	var (
		configPath string
		logLevel   string
		force      bool
		serve      bool
	)

	rootCmd := &cobra.Command{
		Use:           "lilac [pkg[:runner]...]",
		Short:         "Batch build orchestrator for a curated package repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel, force, serve, args)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "lilac.yaml", "path to the configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log verbosity")
	rootCmd.Flags().BoolVarP(&force, "force", "f", false, "take the batch lock, failing fast if another batch holds it")
	rootCmd.Flags().BoolVar(&serve, "serve", false, "stay resident, serving the status API and accepting reload requests")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, logLevel string, force, serve bool, args []string) error {
	appLogger := hclog.New(&hclog.LoggerOptions{
		Name:  "lilac",
		Level: hclog.LevelFromString(logLevel),
	})
	appLogger.Info("lilac is initializing")

	cfg := config.NewConfig()
	if err := cfg.LoadFromFile(configPath); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ApplyEnvVars(); err != nil {
		return err
	}

	if err := lockfile.BecomeSubreaper(); err != nil {
		appLogger.Warn("Could not become child subreaper", "err", err)
	}
	if force {
		lock, err := lockfile.Acquire(cfg.Orchestrator.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	targets := parseTargets(args)

	repo := source.New(appLogger)
	repo.Path = cfg.Repository.RepoDir
	if err := repo.Bootstrap(); err != nil {
		return err
	}

	store.SetLogger(appLogger)
	store.DoCallbacks()
	if os.Getenv("LILAC_BITCASK_PATH") == "" {
		os.Setenv("LILAC_BITCASK_PATH", cfg.Orchestrator.StateDir+"/store")
	}
	state, err := store.Initialize("bitcask")
	if err != nil {
		return err
	}
	defer state.Close()

	var db batch.Database
	if cfg.Orchestrator.DBURL != "" {
		pgdb, err := postgres.Connect(appLogger, cfg.Orchestrator.DBURL, cfg.Orchestrator.Schema)
		if err != nil {
			return err
		}
		defer pgdb.Close()
		db = pgdb
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
	}
	sampler := resource.New(redisClient)

	checker := upstream.NewIndexService(appLogger)
	checker.TakeURL = cfg.NvChecker.TakeURL

	mailer := artifact.NewMailer(appLogger, cfg.Mail.SMTPAddr, cfg.Mail.From, cfg.Mail.ToOps)

	worker.SetLogger(appLogger)
	worker.DoCallbacks()
	w, err := worker.Construct(cfg.Orchestrator.WorkerBackend)
	if err != nil {
		return err
	}
	if qp, ok := w.(*queue.Provider); ok {
		qp.Configure(cfg.Queue.Brokers, cfg.Queue.RequestTopic, cfg.Queue.ResultTopic, cfg.Queue.GroupID)
	}

	controller := batch.New(appLogger, cfg, repo, state, db, checker, mailer, w, sampler)
	controller.NvIndexURL = cfg.NvChecker.IndexURL

	if serve {
		return runDaemon(ctx, appLogger, cfg, controller, mailer, targets)
	}

	if err := controller.Run(ctx, targets); err != nil {
		mailer.ReportOrchestratorError(err)
		return err
	}
	return nil
}

// runDaemon serves the status API and runs one batch per reload request,
// starting with an immediate one.
func runDaemon(ctx context.Context, l hclog.Logger, cfg *config.Config, controller *batch.Controller, mailer *artifact.Mailer, targets []assign.CmdlineTarget) error {
	srv, err := httpapi.New(l, controller)
	if err != nil {
		return err
	}

	intake := artifact.NewIntake(l)
	intake.SetPath(cfg.Repository.DestDir)
	srv.Mount("/api/artifact", intake.HTTPEntry())

	go func() {
		if err := srv.Serve(cfg.Orchestrator.BindAddr); err != nil {
			l.Error("HTTP server exited", "err", err)
		}
	}()

	for {
		if err := controller.Run(ctx, targets); err != nil {
			l.Error("Batch failed", "err", err)
			mailer.ReportOrchestratorError(err)
		}
		select {
		case <-ctx.Done():
			l.Info("Shutting down")
			return nil
		case <-controller.ReloadRequests():
			l.Info("Reload requested, starting another batch")
		}
	}
}

// parseTargets splits pkg[:runner] positional arguments.
func parseTargets(args []string) []assign.CmdlineTarget {
	targets := make([]assign.CmdlineTarget, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, ":", 2)
		t := assign.CmdlineTarget{Pkgbase: parts[0]}
		if len(parts) == 2 {
			runner := parts[1]
			t.Runner = &runner
		}
		targets = append(targets, t)
	}
	return targets
}
