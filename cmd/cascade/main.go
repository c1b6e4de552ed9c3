package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade/pkg/adapters"
	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/config"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/pipeline"
	"github.com/cascadehq/cascade/pkg/reaction"
	"github.com/cascadehq/cascade/pkg/sqlutil"
	"github.com/cascadehq/cascade/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runPipeline(stderr)
	}
	switch args[1] {
	case "run", "serve":
		return runPipeline(stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "cascade 1.0.0")
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\nusage: cascade [run|validate|version]\n", args[1])
		return 2
	}
}

// runValidate parses a pipeline definition and reports load-time errors
// without starting anything.
func runValidate(args []string, stdout, stderr io.Writer) int {
	path := config.Load().PipelinePath
	if len(args) > 0 {
		path = args[0]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read %s: %v\n", path, err)
		return 1
	}
	cfg, err := pipeline.Parse(data)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s: ok (%d nodes, namespace %s)\n", path, len(cfg.Nodes), cfg.Namespace)
	return 0
}

func runPipeline(stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	data, err := os.ReadFile(cfg.PipelinePath)
	if err != nil {
		log.Error("read pipeline definition", "path", cfg.PipelinePath, "error", err)
		return 1
	}
	def, err := pipeline.Parse(data)
	if err != nil {
		log.Error("invalid pipeline definition", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlutil.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	busOpts := bus.DefaultOptions()
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			log.Error("load runtime profile", "profile", cfg.Profile, "error", err)
			return 1
		}
		applyProfile(&busOpts, profile)
		log.Info("runtime profile applied", "profile", profile.Code)
	}

	b, err := bus.NewSQLite(db, busOpts, log)
	if err != nil {
		log.Error("init bus", "error", err)
		return 1
	}

	stores, err := buildStores(ctx, cfg, db, log)
	if err != nil {
		log.Error("init stores", "error", err)
		return 1
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	} else {
		obsCfg.Enabled = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Error("init observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability shutdown", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	acts := []reaction.Adapter{
		adapters.NewChatWebhook(httpClient, cfg.ChatHookURL),
	}
	if cfg.TicketURL != "" {
		acts = append(acts, adapters.NewTicketCreator(httpClient, cfg.TicketURL, []byte(cfg.TicketSecret), "cascade"))
	}

	x := pipeline.NewExecutor(b, stores, acts, obs, log)
	if err := x.Build(def); err != nil {
		log.Error("build pipeline", "error", err)
		return 1
	}

	log.Info("cascade running", "pipeline", def.Name, "namespace", def.Namespace)
	x.Run(ctx)
	log.Info("cascade stopped")
	return 0
}

// buildStores wires the persistence backends: sqlite always, postgres for
// rules and executions when DATABASE_URL is set, redis for snapshots when
// REDIS_ADDR is set.
func buildStores(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (pipeline.Stores, error) {
	var stores pipeline.Stores

	snapshots, err := store.NewSQLiteSnapshotStore(db)
	if err != nil {
		return stores, fmt.Errorf("snapshot store: %w", err)
	}
	stores.Snapshots = snapshots

	ruleStore, err := store.NewSQLiteRuleStore(db)
	if err != nil {
		return stores, fmt.Errorf("rule store: %w", err)
	}
	stores.Rules = ruleStore

	executions, err := store.NewSQLiteExecutionStore(db)
	if err != nil {
		return stores, fmt.Errorf("execution store: %w", err)
	}
	stores.Executions = executions

	processes, err := store.NewSQLiteProcessStore(db)
	if err != nil {
		return stores, fmt.Errorf("process store: %w", err)
	}
	stores.Processes = processes

	if cfg.DatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return stores, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.PingContext(ctx); err != nil {
			return stores, fmt.Errorf("ping postgres: %w", err)
		}
		pgRules := store.NewPostgresRuleStore(pg)
		if err := pgRules.CreateSchema(ctx); err != nil {
			return stores, fmt.Errorf("postgres rule schema: %w", err)
		}
		stores.Rules = pgRules
		pgExec := store.NewPostgresExecutionStore(pg)
		if err := pgExec.CreateSchema(ctx); err != nil {
			return stores, fmt.Errorf("postgres execution schema: %w", err)
		}
		stores.Executions = pgExec
		log.Info("using postgres for rules and executions")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return stores, fmt.Errorf("ping redis: %w", err)
		}
		stores.Snapshots = store.NewRedisSnapshotStore(client)
		log.Info("using redis for entity snapshots")
	}

	return stores, nil
}

func applyProfile(opts *bus.Options, p *config.RuntimeProfile) {
	if p.Delivery.PollInterval > 0 {
		opts.PollInterval = p.Delivery.PollInterval
	}
	if p.Delivery.VisibilityTimeout > 0 {
		opts.VisibilityTimeout = p.Delivery.VisibilityTimeout
	}
	if p.Delivery.RetryBackoff > 0 {
		opts.RetryBackoff = p.Delivery.RetryBackoff
	}
	if p.Delivery.Workers > 0 {
		opts.Workers = p.Delivery.Workers
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
