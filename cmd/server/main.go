// Command opencode-agent is the job orchestrator: an HTTP API that accepts
// requirements with input files, routes them to a skill and drives the
// opencode runtime to produce a downloadable result bundle.
//
// The root command runs the API server; "worker" runs the executor pool,
// "migrate" applies the schema, "archive" runs one log archival pass and
// "version" prints build information.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/waaall/opencode-agent/internal/api"
	"github.com/waaall/opencode-agent/internal/archive"
	"github.com/waaall/opencode-agent/internal/artifact"
	"github.com/waaall/opencode-agent/internal/config"
	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/executor"
	"github.com/waaall/opencode-agent/internal/opencode"
	"github.com/waaall/opencode-agent/internal/orchestrator"
	"github.com/waaall/opencode-agent/internal/policy"
	"github.com/waaall/opencode-agent/internal/queue"
	"github.com/waaall/opencode-agent/internal/repositories"
	"github.com/waaall/opencode-agent/internal/scheduler"
	"github.com/waaall/opencode-agent/internal/skills"
	"github.com/waaall/opencode-agent/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flagOverrides holds the command-line values that take precedence over the
// environment when set.
type flagOverrides struct {
	listenAddr string
	dbDriver   string
	dbDSN      string
	dataRoot   string
	redisURL   string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	overrides := &flagOverrides{}

	root := &cobra.Command{
		Use:           "opencode-agent",
		Short:         "Job orchestrator for the opencode runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), overrides)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&overrides.listenAddr, "listen", "", "listen address (overrides OPENCODE_LISTEN_ADDR)")
	flags.StringVar(&overrides.dbDriver, "db-driver", "", `database driver, "sqlite" or "postgres"`)
	flags.StringVar(&overrides.dbDSN, "db-dsn", "", "database DSN")
	flags.StringVar(&overrides.dataRoot, "data-root", "", "workspace data root directory")
	flags.StringVar(&overrides.redisURL, "redis-url", "", "redis queue URL")
	flags.StringVar(&overrides.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&overrides.logFormat, "log-format", "", `log encoding: "console" or "json"`)

	root.AddCommand(
		newWorkerCmd(overrides),
		newMigrateCmd(overrides),
		newArchiveCmd(overrides),
		newVersionCmd(),
	)
	return root
}

func newWorkerCmd(overrides *flagOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job executor pool against the work queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), overrides)
		},
	}
}

func newMigrateCmd(overrides *flagOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			defer flushLogger(logger)

			if _, err := openDatabase(cfg, logger); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("driver", cfg.DBDriver))
			return nil
		},
	}
}

func newArchiveCmd(overrides *flagOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Run one log archival pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			defer flushLogger(logger)

			if !cfg.ArchiveEnabled() {
				return errors.New("archival is not configured: set OPENCODE_ARCHIVE_S3_BUCKET and OPENCODE_LOG_DIR")
			}
			archiver, err := buildArchiver(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return archiver.Run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("opencode-agent %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// runServe wires the API process: database, queue, orchestrator facade,
// scheduler and HTTP server, then blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, overrides *flagOverrides) error {
	cfg, logger, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer flushLogger(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	var archiver *archive.Archiver
	if cfg.ArchiveEnabled() {
		archiver, err = buildArchiver(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}

	sched, err := scheduler.New(cfg, deps.service, archiver, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Service:            deps.service,
			APIPrefix:          cfg.APIPrefix,
			Logger:             logger,
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.ListenAddr), zap.String("prefix", cfg.APIPrefix))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// runWorker wires the executor pool: one queue consumer per configured slot,
// each Run bounded by the hard timeout. Transient runtime errors requeue with
// backoff; everything else was already terminal-marked by the executor.
func runWorker(ctx context.Context, overrides *flagOverrides) error {
	cfg, logger, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer flushLogger(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	bridge := opencode.NewEventBridge(deps.agentConfig)
	exec := executor.New(executor.ExecutorConfig{
		Config:     cfg,
		Repository: deps.repo,
		Registry:   deps.registry,
		Workspaces: deps.workspaces,
		Artifacts:  deps.artifacts,
		Agent:      deps.agent,
		Streams: executor.StreamOpenerFunc(func(ctx context.Context, directory string) (executor.EventStream, error) {
			return bridge.OpenStream(ctx, directory)
		}),
		Policy: deps.policy,
		Logger: logger,
	})

	handler := func(ctx context.Context, task *queue.Task) error {
		runCtx, cancel := context.WithTimeout(ctx, cfg.JobHardTimeout)
		defer cancel()
		return exec.Run(runCtx, task.JobID)
	}

	worker := queue.NewWorker(deps.queue, handler, queue.WorkerConfig{
		Concurrency: cfg.WorkerConcurrency,
		Retryable:   opencode.IsTransient,
	}, logger)

	logger.Info("worker pool starting", zap.Int("concurrency", cfg.WorkerConcurrency))
	worker.Run(ctx)
	logger.Info("worker pool stopped")
	return nil
}

func loadConfig(overrides *flagOverrides) (*config.Config, *zap.Logger, error) {
	cfg := config.FromEnv()
	if overrides.listenAddr != "" {
		cfg.ListenAddr = overrides.listenAddr
	}
	if overrides.dbDriver != "" {
		cfg.DBDriver = overrides.dbDriver
	}
	if overrides.dbDSN != "" {
		cfg.DBDSN = overrides.dbDSN
	}
	if overrides.dataRoot != "" {
		cfg.DataRoot = overrides.dataRoot
	}
	if overrides.redisURL != "" {
		cfg.RedisURL = overrides.redisURL
	}
	if overrides.logLevel != "" {
		cfg.LogLevel = overrides.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := buildLogger(cfg, overrides.logFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildLogger assembles the process logger: console or JSON on stderr, plus a
// daily JSONL file in LogDir when file logging is enabled. The file encoder
// always uses JSON with RFC3339 timestamps so the archiver can slice it.
func buildLogger(cfg *config.Config, format string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var consoleEncoder zapcore.Encoder
	if format == "console" {
		devCfg := zap.NewDevelopmentEncoderConfig()
		consoleEncoder = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("opencode-agent-%s.jsonl", time.Now().UTC().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(file), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func flushLogger(logger *zap.Logger) {
	_ = logger.Sync()
}

// dependencies is the shared wiring of the serve and worker processes.
type dependencies struct {
	repo        repositories.JobRepository
	registry    *skills.Registry
	workspaces  *workspace.Manager
	artifacts   *artifact.Manager
	agent       *opencode.Client
	agentConfig opencode.Config
	queue       *queue.Queue
	policy      *policy.Engine
	service     *orchestrator.Service
	redisClient *redis.Client
}

func (d *dependencies) close() {
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
}

func openDatabase(cfg *config.Config, logger *zap.Logger) (repositories.JobRepository, error) {
	database, err := db.New(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return repositories.NewJobRepository(database), nil
}

func buildDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	dataRoot, err := cfg.EnsureDataRoot()
	if err != nil {
		return nil, err
	}

	repo, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	jobQueue := queue.New(redisClient, cfg.QueueNamespace)

	registry := skills.NewRegistry()
	router := skills.NewRouter(registry, cfg.SkillFallbackThreshold)
	workspaces := workspace.NewManager(dataRoot, cfg.MaxUploadFileSizeBytes)

	agentConfig := opencode.Config{
		BaseURL: cfg.OpencodeBaseURL,
		Credentials: opencode.Credentials{
			Username: cfg.OpencodeUsername,
			Password: cfg.OpencodePassword,
		},
		RequestTimeout:    cfg.OpencodeRequestTimeout,
		StreamReadTimeout: cfg.StreamReadTimeout,
	}
	agent := opencode.NewClient(agentConfig)

	service := orchestrator.NewService(orchestrator.ServiceConfig{
		Config:     cfg,
		Repository: repo,
		Registry:   registry,
		Router:     router,
		Workspaces: workspaces,
		Agent:      agent,
		Queue:      jobQueue,
		Logger:     logger,
	})

	return &dependencies{
		repo:        repo,
		registry:    registry,
		workspaces:  workspaces,
		artifacts:   artifact.NewManager(),
		agent:       agent,
		agentConfig: agentConfig,
		queue:       jobQueue,
		policy:      policy.NewEngine(),
		service:     service,
		redisClient: redisClient,
	}, nil
}

func buildArchiver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*archive.Archiver, error) {
	uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
		Bucket:   cfg.ArchiveS3Bucket,
		Region:   cfg.ArchiveS3Region,
		Endpoint: cfg.ArchiveS3Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return archive.New(uploader, archive.Config{
		LogDir:        cfg.LogDir,
		Prefix:        cfg.ArchiveS3Prefix,
		RetentionDays: cfg.LogRetentionDays,
	}, logger), nil
}
