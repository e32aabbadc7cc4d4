package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/costledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/costledger/internal/app"
	"github.com/odyssey-erp/costledger/internal/audit"
	audithttp "github.com/odyssey-erp/costledger/internal/audit/http"
	"github.com/odyssey-erp/costledger/internal/inventory"
	"github.com/odyssey-erp/costledger/internal/inventory/memstore"
	"github.com/odyssey-erp/costledger/internal/observability"
	"github.com/odyssey-erp/costledger/internal/platform/cache"
	"github.com/odyssey-erp/costledger/internal/platform/db"
	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
	"github.com/odyssey-erp/costledger/jobs"
)

const usage = `usage: odyssey [command]

commands:
  serve                         run the HTTP API (default)
  migrate                       apply database migrations
  verify [--branch N --item N] [--json]
                                verify partition integrity
  jobs trigger <sweep|cleanup>  enqueue a maintenance job
  jobs stats                    print default queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	code := run(ctx, command, args, cfg, logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string, cfg *app.Config, logger *slog.Logger) int {
	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "migrate":
		return migrate(ctx, cfg, logger)
	case "verify":
		return verify(ctx, args, cfg, logger)
	case "jobs":
		return jobsCommand(ctx, args, cfg)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n%s", command, usage)
		return 2
	}
}

// runtime holds the ledger dependencies shared by the commands.
type runtime struct {
	redis     *redis.Client
	store     app.Pinger
	auditRepo audit.Repository
	service   *inventory.Service
	jobs      *jobs.Client
	metrics   *observability.Metrics
	closers   []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{metrics: observability.NewMetrics()}

	var (
		repo inventory.RepositoryPort
		idem inventory.IdempotencyPort
	)
	switch cfg.StoreDriver {
	case app.StoreDriverMemory:
		mem := memstore.New()
		repo, idem, rt.auditRepo = mem, mem, mem
		logger.Warn("using in-memory store, data is lost on exit")
	default:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rt.store = pool
		rt.closers = append(rt.closers, pool.Close)
		repo = inventory.NewRepository(pool)
		idem = shared.NewIdempotencyStore(pool)
		rt.auditRepo = audit.NewRepository(pool)
	}

	needRedis := cfg.LockBackend == app.LockBackendRedis || cfg.JobsEnabled
	if needRedis {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redis = client
		rt.closers = append(rt.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}

	var locker shared.Locker = shared.NewLocalLocker()
	if cfg.LockBackend == app.LockBackendRedis {
		locker = shared.NewRedisLocker(rt.redis, shared.RedisLockerConfig{TTL: cfg.LockTTL, Logger: logger})
	}

	calendar, err := shared.LoadBusinessCalendar(cfg.LedgerTimezone, nil)
	if err != nil {
		rt.Close()
		return nil, err
	}
	vatRate, err := cfg.VATRate()
	if err != nil {
		rt.Close()
		return nil, err
	}

	var integration inventory.IntegrationHandler
	if cfg.JobsEnabled && cfg.StoreDriver == app.StoreDriverPostgres {
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.jobs = client
		rt.closers = append(rt.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		})
		integration = client
	}

	rt.service = inventory.NewService(repo, idem, inventory.ServiceConfig{
		AllowNegativeStock: cfg.LedgerAllowNegativeStock,
		VATRate:            vatRate,
		Calendar:           calendar,
		Locker:             locker,
		Metrics:            rt.metrics,
		Logger:             logger,
	}, integration)
	return rt, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close()

	rbacMiddleware := rbac.Middleware{Logger: logger}

	var inspector *asynq.Inspector
	if rt.redis != nil && cfg.JobsEnabled {
		inspector = asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		RBACMiddleware:   rbacMiddleware,
		InventoryHandler: inventory.NewHandler(logger, rt.service, rbacMiddleware),
		AuditHandler:     audithttp.NewHandler(logger, audit.NewService(rt.auditRepo), rbacMiddleware),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          rt.metrics,
		Store:            rt.store,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver), slog.String("locks", cfg.LockBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			return 1
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	if cfg.StoreDriver != app.StoreDriverPostgres {
		logger.Info("migrate skipped", slog.String("store", cfg.StoreDriver))
		return 0
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return 1
	}
	return 0
}

func verify(ctx context.Context, args []string, cfg *app.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	branch := fs.Int64("branch", 0, "branch id")
	item := fs.Int64("item", 0, "item id")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Verification reads only; no events should be published.
	cfg.JobsEnabled = false
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close()

	integrity, err := cli.NewIntegrityCLI(rt.service)
	if err != nil {
		logger.Error("init verify", slog.Any("error", err))
		return 1
	}
	return integrity.VerifyCommand(ctx, cli.VerifyOptions{BranchID: *branch, ItemID: *item, JSONOutput: *asJSON})
}

func jobsCommand(ctx context.Context, args []string, cfg *app.Config) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	helper, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = helper.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(os.Stderr, "jobs trigger: job name required")
			return 2
		}
		info, err := helper.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "enqueued %s (%s) on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := helper.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		scheduled, err := helper.ListScheduled(ctx, 10)
		if err == nil {
			for _, task := range scheduled {
				_, _ = fmt.Fprintf(os.Stdout, "  %s %s at %s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
			}
		}
	default:
		_, _ = fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
	return 0
}
