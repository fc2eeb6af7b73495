package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/config"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/server"
	"github.com/fulcrologic/datomic-cloud-backup/internal/service"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "dcbackup",
		Short:         "Incremental backup and restore for immutable-history databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the YAML configuration file")

	root.AddCommand(backupCmd(), nextCmd(), gapsCmd(), repairCmd(), restoreCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dcbackup: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config.yaml"
}

// env bundles everything a subcommand needs.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.SegmentStore
	metrics *metrics.Metrics
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	segStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   segStore,
		metrics: metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Source.Name),
	}, nil
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.SegmentStore, error) {
	switch cfg.Store.Backend {
	case "filesystem":
		return store.NewFilesystemStore(cfg.Store.Dir, logger)
	case "s3":
		return store.NewS3StoreFromConfig(ctx, cfg.Store.Bucket, cfg.Store.Prefix, logger)
	case "memory":
		return store.NewMemoryStore(), nil
	case "passthrough":
		log, err := database.OpenLog(ctx, cfg.Source.URI)
		if err != nil {
			return nil, err
		}
		return store.NewPassthroughStore(log, cfg.Store.SegmentSize), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func (e *env) backupService(ctx context.Context) (*service.BackupService, error) {
	log, err := database.OpenLog(ctx, e.cfg.Source.URI)
	if err != nil {
		return nil, err
	}
	return service.NewBackupService(log, e.store, e.cfg.Source.Name, &service.BackupConfig{
		MaxRetries: e.cfg.Backup.MaxRetries,
		RetryDelay: e.cfg.Backup.RetryDelay,
		Workers:    e.cfg.Backup.Workers,
	}, e.logger, e.metrics), nil
}

func (e *env) replayOptions() service.ReplayOptions {
	opts := service.ReplayOptions{}
	if len(e.cfg.Restore.Blacklist) > 0 {
		opts.Blacklist = make(map[model.Keyword]struct{}, len(e.cfg.Restore.Blacklist))
		for _, name := range e.cfg.Restore.Blacklist {
			opts.Blacklist[parseKeyword(name)] = struct{}{}
		}
	}
	if e.cfg.Restore.Verify != nil && *e.cfg.Restore.Verify {
		opts.VerifyProbability = e.cfg.Restore.VerifyProbability
	}
	return opts
}

func parseKeyword(s string) model.Keyword {
	s = strings.TrimPrefix(s, ":")
	if ns, name, found := strings.Cut(s, "/"); found {
		return model.Keyword{Namespace: ns, Name: name}
	}
	return model.Keyword{Name: s}
}

func backupCmd() *cobra.Command {
	var startingSegment int64
	var parallel bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the source log into segments through the current tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			svc, err := e.backupService(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("parallel") {
				parallel = e.cfg.Backup.Parallel
			}
			return svc.BackupBulk(ctx, e.cfg.Backup.TxnsPerSegment, startingSegment, parallel)
		},
	}
	cmd.Flags().Int64Var(&startingSegment, "starting-segment", 0, "segment number to start from")
	cmd.Flags().BoolVar(&parallel, "parallel", true, "fan segments out across workers")
	return cmd
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Back up the next segment after the last one stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			svc, err := e.backupService(ctx)
			if err != nil {
				return err
			}
			n, err := svc.BackupNext(ctx, e.cfg.Backup.TxnsPerSegment)
			if err != nil {
				return err
			}
			e.logger.Info("Backup step complete", zap.Int("transactions", n))
			return nil
		},
	}
}

func gapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "Report missing ranges in the stored segment sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			svc, err := e.backupService(ctx)
			if err != nil {
				return err
			}
			gaps, err := svc.Gaps(ctx)
			if err != nil {
				return err
			}
			for _, g := range gaps {
				fmt.Printf("gap: [%d,%d)\n", g.StartT, g.EndT)
			}
			if len(gaps) == 0 {
				fmt.Println("no gaps")
			}
			return nil
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Fill every gap in the stored segment sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			svc, err := e.backupService(ctx)
			if err != nil {
				return err
			}
			return svc.Repair(ctx)
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Apply all available segments to the target, then stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			target, err := database.OpenTarget(ctx, e.cfg.Target.URI)
			if err != nil {
				return err
			}
			svc := service.NewRestoreService(
				e.store, target, e.cfg.Source.Name,
				cache.For(e.cfg.Source.Name), e.replayOptions(),
				e.logger, e.metrics,
			)
			res, err := svc.RestoreAll(ctx)
			if err != nil {
				return err
			}
			e.logger.Info("Restore finished", zap.Stringer("result", res))
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Continuously replicate the source into the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			if e.cfg.Metrics.Enabled {
				ms := server.NewMetricsServer(&server.MetricsServerConfig{
					Port: e.cfg.Metrics.Port,
					Path: e.cfg.Metrics.Path,
				}, e.logger)
				ms.Start()
				defer ms.Stop()
			}

			target, err := database.OpenTarget(ctx, e.cfg.Target.URI)
			if err != nil {
				return err
			}

			svc := service.NewSyncService(
				e.store, target, e.cfg.Source.Name,
				cache.For(e.cfg.Source.Name), e.replayOptions(),
				&service.SyncConfig{
					PollInterval:      e.cfg.Restore.PollInterval,
					PrefetchBuffer:    e.cfg.Restore.PrefetchBuffer,
					InitialRetryDelay: e.cfg.Restore.InitialRetryDelay,
					MaxRetryDelay:     e.cfg.Restore.MaxRetryDelay,
				},
				e.logger, e.metrics,
			)

			status, err := svc.Run(ctx)
			e.logger.Info("Continuous restore stopped", zap.Stringer("status", status))
			return err
		},
	}
}
