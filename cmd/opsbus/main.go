// opsbus — multi-agent orchestration bus.
//
// Run modes:
//
//	opsbus dashboard             HTTP dashboard + tool registry + monitor
//	opsbus acp-bus               tool-registry MCP surface only
//	opsbus orchestrator run "…"  one-shot LLM task
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/chatops"
	"github.com/marcus-qen/opsbus/internal/cmdcard"
	"github.com/marcus-qen/opsbus/internal/config"
	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/dashboard"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/llm"
	"github.com/marcus-qen/opsbus/internal/mcpserver"
	"github.com/marcus-qen/opsbus/internal/metrics"
	"github.com/marcus-qen/opsbus/internal/monitor"
	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/sharedfile"
	"github.com/marcus-qen/opsbus/internal/store"
	"github.com/marcus-qen/opsbus/internal/term"
	"github.com/marcus-qen/opsbus/internal/topology"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	mode := "dashboard"
	if len(args) > 0 {
		mode = args[0]
	}

	envPath := os.Getenv("OPSBUS_ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	cfg, err := config.Load(envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opsbus: config:", err)
		return 1
	}

	// System log sink: zap entries flow to the DB once a store attaches.
	// The audit write path itself is excluded to avoid feedback.
	sink := audit.NewSink([]string{"audit", "store"})
	defer sink.Close()

	logger, err := newLogger(cfg.LogLevel, sink)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opsbus: logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Track the terminating signal so the exit code can carry it.
	var received atomic.Value
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if sig, ok := <-sigCh; ok {
			logger.Info("signal received", zap.String("signal", sig.String()))
			received.Store(sig)
			cancel()
		}
	}()

	switch mode {
	case "dashboard":
		err = runDashboard(ctx, cfg, envPath, sink, logger)
	case "acp-bus":
		err = runACPBus(ctx, cfg, sink, logger)
	case "orchestrator":
		if len(args) < 3 || args[1] != "run" {
			fmt.Fprintln(os.Stderr, `usage: opsbus orchestrator run "<task>"`)
			return 1
		}
		err = runOrchestrator(ctx, cfg, args[2], logger)
	default:
		fmt.Fprintf(os.Stderr, "opsbus: unknown mode %q (dashboard | acp-bus | orchestrator)\n", mode)
		return 1
	}

	if err != nil {
		logger.Error("run failed", zap.String("mode", mode), zap.Error(err))
		return 1
	}
	if sig, ok := received.Load().(syscall.Signal); ok {
		return 128 + int(sig)
	}
	return 0
}

func newLogger(level string, sink *audit.Sink) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build(sink.Option())
}

// services holds everything both long-running modes need.
type services struct {
	db     *store.Store
	audit  *audit.Store
	status *agentstatus.Store
	ops    *opsstore.Store
	files  *sharedfile.Store
	cards  *cmdcard.Engine
	topo   *topology.Engine
	coord  *coord.Store
	bus    *events.Bus
	bridge term.Bridge
}

// buildServices opens the DB (tolerating its absence), wires the stores and
// engines, and starts the background sweeps.
func buildServices(ctx context.Context, cfg config.Config, sink *audit.Sink, logger *zap.Logger) (*services, func(), error) {
	s := &services{bus: events.NewBus(0)}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.BridgeURL != "" {
		s.bridge = term.NewClient(cfg.BridgeURL)
	}

	coordStore, err := coord.NewStore(cfg.DataDir, s.bus, logger.Named("coord"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open coordination store: %w", err)
	}
	s.coord = coordStore

	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, file-backed coordination only")
		return s, cleanup, nil
	}

	db, err := store.Open(ctx, store.Options{
		DatabaseURL:    cfg.DatabaseURL,
		Schema:         cfg.Schema,
		PoolMin:        cfg.PoolMin,
		PoolMax:        cfg.PoolMax,
		PoolTimeoutSec: cfg.PoolTimeoutSec,
	}, logger.Named("store"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open database: %w", err)
	}
	cleanups = append(cleanups, func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		return nil, cleanup, fmt.Errorf("migrate: %w", err)
	}
	s.db = db

	s.audit = audit.NewStore(db.DB(), logger.Named("audit"))
	sink.Attach(s.audit)
	s.status = agentstatus.NewStore(db.DB())
	s.ops = opsstore.NewStore(db.DB(), s.audit, logger.Named("opsstore"))
	s.files = sharedfile.NewStore(db.DB(), s.audit)
	s.cards = cmdcard.NewEngine(db.DB(), s.ops, s.audit, s.bus, cmdcard.Config{
		DefaultTimeoutSec: cfg.CmdTimeoutSec,
		OutputLimit:       cfg.CmdOutputLimit,
		ExecEnabled:       cfg.CmdCardExecEnabled,
	}, logger.Named("cmdcard"))
	s.topo = topology.NewEngine(db.DB(), s.audit, s.bus, topology.Config{
		TTL:          time.Duration(cfg.ApprovalTTLSec) * time.Second,
		ArchiveAfter: time.Duration(cfg.ApprovalArchiveDays) * 24 * time.Hour,
		ConfigPath:   cfg.TopologyPath,
		Backups:      cfg.TopologyBackups,
	}, logger.Named("topology"))

	// Periodic sweeps: approval expiry, stale run recovery, log retention.
	c := cron.New()
	_, _ = c.AddFunc("@every 1m", func() {
		if err := s.topo.Sweep(ctx); err != nil {
			logger.Warn("topology sweep failed", zap.Error(err))
		}
	})
	_, _ = c.AddFunc("@every 2m", func() {
		if n, err := s.cards.RecoverStaleRuns(ctx); err != nil {
			logger.Warn("stale run recovery failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("recovered stale runs", zap.Int64("count", n))
		}
	})
	_, _ = c.AddFunc("@daily", func() {
		retention := time.Duration(cfg.LogRetentionDays) * 24 * time.Hour
		if n, err := s.audit.Purge(ctx, retention); err != nil {
			logger.Warn("log purge failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("purged expired log rows", zap.Int64("count", n))
		}
	})
	c.Start()
	cleanups = append(cleanups, func() { <-c.Stop().Done() })

	return s, cleanup, nil
}

func runDashboard(ctx context.Context, cfg config.Config, envPath string, sink *audit.Sink, logger *zap.Logger) error {
	s, cleanup, err := buildServices(ctx, cfg, sink, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	mcpSrv := mcpserver.New(mcpserver.Deps{
		Bridge:         s.bridge,
		Files:          s.files,
		Ops:            s.ops,
		Coord:          s.coord,
		Cards:          s.cards,
		DB:             s.db,
		Audit:          s.audit,
		Bus:            s.bus,
		AgentDBExecute: cfg.AgentDBExecute,
	}, logger.Named("mcp"))

	if s.bridge != nil && s.status != nil {
		mon := monitor.New(s.bridge, s.status, s.bus, monitor.Config{
			Interval:  time.Duration(cfg.MonitorIntervalSec) * time.Second,
			TailLines: cfg.MonitorReadLines,
		}, logger.Named("monitor"))
		go mon.Run(ctx)
	}

	deps := dashboard.Deps{
		Cfg:     cfg,
		EnvPath: envPath,
		DB:      s.db,
		Status:  s.status,
		Audit:   s.audit,
		Ops:     s.ops,
		Cards:   s.cards,
		Topo:    s.topo,
		Coord:   s.coord,
		Bus:     s.bus,
		Metrics: metrics.Handler(),
		MCP:     mcpSrv.Handler(),
	}
	// A typed nil in the interface field would defeat the handler's nil check.
	if wd := startTelegram(ctx, cfg, envPath, s, logger); wd != nil {
		deps.Watchdog = wd
	}
	if s.bridge != nil {
		deps.Streamer = term.NewStreamer(s.bridge, s.bus, logger.Named("term"))
	}
	dash := dashboard.New(deps, logger.Named("dashboard"))
	dashboard.Version = version

	return serveHTTP(ctx, cfg.ListenAddr, dash.Handler(), logger)
}

func runACPBus(ctx context.Context, cfg config.Config, sink *audit.Sink, logger *zap.Logger) error {
	s, cleanup, err := buildServices(ctx, cfg, sink, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	mcpSrv := mcpserver.New(mcpserver.Deps{
		Bridge:         s.bridge,
		Files:          s.files,
		Ops:            s.ops,
		Coord:          s.coord,
		Cards:          s.cards,
		DB:             s.db,
		Audit:          s.audit,
		Bus:            s.bus,
		AgentDBExecute: cfg.AgentDBExecute,
	}, logger.Named("mcp"))

	mux := http.NewServeMux()
	mux.Handle("/", mcpSrv.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	return serveHTTP(ctx, cfg.ListenAddr, mux, logger)
}

// startTelegram wires the chatops bridge and watchdog when a bot token is
// configured. A bind of the first chat is persisted back to the env file.
func startTelegram(ctx context.Context, cfg config.Config, envPath string, s *services, logger *zap.Logger) *chatops.Watchdog {
	if cfg.Telegram.BotToken == "" {
		return nil
	}
	log := zapr.NewLogger(logger.Named("chatops"))

	wd := chatops.NewWatchdog(s.bridge, chatops.WatchdogConfig{
		Interval:      time.Duration(cfg.Telegram.WatchdogIntervalSec) * time.Second,
		Message:       cfg.Telegram.WatchdogMessage,
		IncludeMaster: cfg.Telegram.WatchdogMaster,
	}, log)

	bot, err := chatops.NewBot(chatops.Config{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, s.bridge, s.status, wd, log)
	if err != nil {
		logger.Warn("telegram bridge disabled", zap.Error(err))
		return nil
	}
	bot.OnBind(func(chatID int64) {
		update := map[string]string{"OPSBUS_TELEGRAM_CHAT_ID": fmt.Sprintf("%d", chatID)}
		if err := config.ApplyUpdates(envPath, update); err != nil {
			logger.Warn("could not persist telegram chat binding", zap.Error(err))
		}
	})

	go wd.Run(ctx)
	go func() { _ = bot.Start(ctx) }()
	return wd
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", zap.String("addr", addr), zap.String("version", version))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const defaultOrchestratorPrompt = "You are the operations orchestrator for a multi-agent engineering fleet. " +
	"Break the operator's task into concrete, ordered steps the worker agents can execute, " +
	"name which coordination primitives (tasks, approvals, locks) each step needs, and call out risks."

// runOrchestrator performs one completion for the given task and prints the
// answer. The system prompt comes from the prompt-template store when a
// database is configured.
func runOrchestrator(ctx context.Context, cfg config.Config, task string, logger *zap.Logger) error {
	log := logger.Named("orchestrator")
	runID := uuid.NewString()

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	system := defaultOrchestratorPrompt
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, store.Options{
			DatabaseURL:    cfg.DatabaseURL,
			Schema:         cfg.Schema,
			PoolMin:        cfg.PoolMin,
			PoolMax:        cfg.PoolMax,
			PoolTimeoutSec: cfg.PoolTimeoutSec,
		}, logger.Named("store"))
		if err == nil {
			defer func() { _ = db.Close() }()
			auditStore := audit.NewStore(db.DB(), logger.Named("audit"))
			ops := opsstore.NewStore(db.DB(), auditStore, logger.Named("opsstore"))
			if pt, err := ops.GetPromptTemplate(ctx, "orchestrator"); err == nil && pt.Enabled {
				system = pt.PromptText
			}
			auditStore.Log(ctx, audit.Event{
				EventType: "orchestrator",
				Action:    "run",
				Actor:     "cli",
				Detail:    task,
				Extra:     map[string]any{"run_id": runID},
			})
		} else {
			log.Warn("database unavailable, using built-in prompt", zap.Error(err))
		}
	}

	log.Info("completion started", zap.String("run_id", runID), zap.String("model", cfg.LLM.Model))
	out, err := client.Complete(ctx, system, task)
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	log.Info("completion finished",
		zap.String("stop_reason", out.StopReason),
		zap.Int64("input_tokens", out.Usage.InputTokens),
		zap.Int64("output_tokens", out.Usage.OutputTokens))

	fmt.Println(out.Text)
	return nil
}
