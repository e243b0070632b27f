package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sniptail/sniptail/internal/agent"
	"github.com/sniptail/sniptail/internal/audit"
	"github.com/sniptail/sniptail/internal/config"
	"github.com/sniptail/sniptail/internal/coordinator"
	"github.com/sniptail/sniptail/internal/job"
	otelPkg "github.com/sniptail/sniptail/internal/otel"
	"github.com/sniptail/sniptail/internal/policy"
	"github.com/sniptail/sniptail/internal/queue"
	"github.com/sniptail/sniptail/internal/registry"
	"github.com/sniptail/sniptail/internal/telemetry"
	"github.com/sniptail/sniptail/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the job daemon (default)
  %s serve                    Same as the default
  %s submit [options]         Submit a job through the intake gate
                              Options: -type, -repos, -ref, -text, -user, -resume
  %s migrate <status|up>      Inspect or apply registry schema migrations
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SNIPTAIL_HOME               Data directory (default: ~/.sniptail)
  SNIPTAIL_QUEUE_DRIVER       memory or redis
  SNIPTAIL_REGISTRY_BACKEND   sqlite, postgres or redis
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "migrate":
			os.Exit(runMigrateCommand(ctx, args[1:]))
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "serve":
			// fall through to the daemon below
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx)
}

func serve(ctx context.Context) {
	cfg, err := config.Load("")
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = trail.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:         cfg.Metrics.Enabled,
		Exporter:        cfg.Metrics.Exporter,
		IntervalSeconds: cfg.Metrics.IntervalSeconds,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, approvalDB, err := openRegistry(ctx, cfg)
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "backend", cfg.Registry.Backend)

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}
	defer transport.Close()

	rulesData, err := policy.Load(cfg.RulesPath())
	if err != nil {
		fatalStartup(logger, "E_RULES_LOAD", err)
	}
	rules := policy.NewLiveRules(rulesData)
	logger.Info("startup phase", "phase", "rules_loaded", "rules_version", rules.Version())

	groups := policy.NewGroupCache(policy.GroupResolverFunc(
		func(ctx context.Context, provider, groupID string) ([]string, error) {
			// Group membership comes from the chat adapter; without one
			// attached, group subjects never match.
			return nil, nil
		}), time.Duration(cfg.Permissions.GroupTTLSeconds)*time.Second)
	engine := policy.NewEngine(groups)

	approvalStore, err := policy.NewSQLiteApprovalStore(ctx, approvalDB)
	if err != nil {
		fatalStartup(logger, "E_APPROVAL_STORE", err)
	}
	approvals := policy.NewApprovals(policy.ApprovalsConfig{
		Store:     approvalStore,
		Transport: transport,
		Engine:    engine,
		TTL:       time.Duration(cfg.Permissions.ApprovalTTLSeconds) * time.Second,
		Logger:    logger,
		Audit:     trail,
	})

	worktrees, err := worktree.New(worktree.Config{
		CacheRoot:      cfg.Worktree.CacheRoot,
		JobRoot:        cfg.Worktree.JobRoot,
		BranchPrefix:   cfg.Worktree.BranchPrefix,
		SetupCommand:   cfg.Worktree.SetupCommand,
		SetupFatal:     cfg.Worktree.SetupFatal,
		CommandTimeout: time.Duration(cfg.Worktree.CommandTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		fatalStartup(logger, "E_WORKTREE_INIT", err)
	}

	if len(cfg.Agent.Command) == 0 {
		fatalStartup(logger, "E_AGENT_COMMAND", fmt.Errorf("agent.command is not configured"))
	}
	runner, err := agent.NewCLIRunner(cfg.Agent.Command, logger)
	if err != nil {
		fatalStartup(logger, "E_AGENT_COMMAND", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Registry:    store,
		Transport:   transport,
		Worktrees:   worktrees,
		Repos:       cfg.Repos,
		Runner:      runner,
		Concurrency: cfg.Queue.Concurrency,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_COORDINATOR_INIT", err)
	}
	if err := coord.Start(); err != nil {
		fatalStartup(logger, "E_COORDINATOR_START", err)
	}
	defer coord.Stop()
	logger.Info("startup phase", "phase", "consumer_started",
		"driver", cfg.Queue.Driver, "concurrency", cfg.Queue.Concurrency)

	sweeper, err := registry.NewSweeper(registry.SweeperConfig{
		Registry:   store,
		Logger:     logger,
		Schedule:   cfg.Retention.Schedule,
		MaxAge:     time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		MaxEntries: cfg.Retention.MaxEntries,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Pending approvals expire on the same cadence as retention sweeps.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				expired, err := approvals.ExpireDue(ctx, now)
				if err != nil {
					logger.Error("approval expiry failed", "error", err)
				} else if expired > 0 {
					logger.Info("approvals expired", "count", expired)
				}
			}
		}
	}()

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		rulesPath := cfg.RulesPath()
		for ev := range watcher.Events() {
			if filepath.Clean(ev.Path) != filepath.Clean(rulesPath) {
				logger.Info("config file changed, restart to apply", "path", ev.Path)
				continue
			}
			if err := policy.ReloadFromFile(rules, rulesPath); err != nil {
				logger.Error("rules reload rejected, retaining previous rules", "error", err)
			} else {
				logger.Info("rules hot-reloaded", "rules_version", rules.Version())
			}
		}
	}()

	intake := coordinator.NewIntake(coordinator.IntakeConfig{
		Registry:  store,
		Transport: transport,
		Rules:     rules,
		Engine:    engine,
		Approvals: approvals,
		Audit:     trail,
		Metrics:   metrics,
		Logger:    logger,
	})

	// Submissions arrive as raw specs on the bootstrap channel and pass
	// through the intake gate before they reach the jobs channel.
	bootstrap, err := transport.Consume(queue.ChannelBootstrap, queue.ConsumerOptions{
		Handler: func(ctx context.Context, msg queue.Message) error {
			var spec job.Spec
			if err := json.Unmarshal(msg.Payload, &spec); err != nil {
				return fmt.Errorf("decode submission %s: %w", msg.ID, err)
			}
			result, err := intake.Submit(ctx, spec)
			if errors.Is(err, policy.ErrPolicyDenied) {
				logger.Warn("submission denied", "job_id", spec.ID, "user_id", spec.Channel.UserID)
				return nil
			}
			if err != nil {
				return err
			}
			if result.ApprovalID != "" {
				logger.Info("submission held for approval",
					"job_id", result.JobID, "approval_id", result.ApprovalID)
			}
			return nil
		},
		OnFailed: func(msg queue.Message, err error) {
			logger.Error("submission rejected", "message_id", msg.ID, "error", err)
		},
	})
	if err != nil {
		fatalStartup(logger, "E_BOOTSTRAP_CONSUMER", err)
	}
	defer bootstrap.Stop()

	// Without a chat adapter attached, terminal events land in the log.
	botEvents, err := transport.Consume(queue.ChannelBotEvents, queue.ConsumerOptions{
		Handler: func(ctx context.Context, msg queue.Message) error {
			var event coordinator.BotEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				return err
			}
			logger.Info("job outcome",
				"job_id", event.JobID, "status", event.Status,
				"provider", event.Channel.Provider, "channel_id", event.Channel.ChannelID)
			return nil
		},
	})
	if err != nil {
		fatalStartup(logger, "E_BOT_EVENT_CONSUMER", err)
	}
	defer botEvents.Stop()

	logger.Info("daemon ready", "home", cfg.HomeDir)
	<-ctx.Done()
	logger.Info("shutdown signal received")
}

// openRegistry opens the configured backend and returns the sql handle the
// approval store uses. The sqlite backend shares its database; the other
// backends keep approvals in a local sqlite file next to the config.
func openRegistry(ctx context.Context, cfg config.Config) (registry.Registry, *sql.DB, error) {
	switch cfg.Registry.Backend {
	case "sqlite":
		s, err := registry.NewSQLite(ctx, cfg.Registry.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case "postgres":
		p, err := registry.NewPostgres(ctx, cfg.Registry.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := openApprovalDB(cfg)
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		return p, db, nil
	case "redis":
		r, err := registry.NewRedisRegistry(ctx, cfg.Registry.Addr)
		if err != nil {
			return nil, nil, err
		}
		db, err := openApprovalDB(cfg)
		if err != nil {
			r.Close()
			return nil, nil, err
		}
		return r, db, nil
	}
	return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
}

func openApprovalDB(cfg config.Config) (*sql.DB, error) {
	path := filepath.Join(cfg.HomeDir, "approvals.db")
	approvals, err := registry.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return approvals.DB(), nil
}

func openTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Transport, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return queue.NewMemory(), nil
	case "redis":
		return queue.NewRedis(ctx, cfg.Queue.RedisAddr, logger)
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
