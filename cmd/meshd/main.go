package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/routefabric/meshd/internal/auth"
	"github.com/routefabric/meshd/internal/config"
	"github.com/routefabric/meshd/internal/db"
	"github.com/routefabric/meshd/internal/events"
	meshhttp "github.com/routefabric/meshd/internal/http"
	"github.com/routefabric/meshd/internal/journal"
	"github.com/routefabric/meshd/internal/maintenance"
	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/propagator"
	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/routefabric/meshd/internal/session"
	"github.com/routefabric/meshd/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: meshd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the control plane node")
	fmt.Println("  migrate       Run journal database migrations")
	fmt.Println("  maintenance   Prune journal rows past retention")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting meshd",
		zap.String("node", cfg.Node.Name),
		zap.String("mesh_listen", cfg.Mesh.Listen),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	// --- RIB core ---
	r := rib.New(cfg.Node.Name, logger.Named("rib"))
	authn := auth.NewTokenAuthenticator(ribRegistry{r})

	mgr := session.NewManager(cfg.SelfInfo(), session.Config{
		DialTimeout:       time.Duration(cfg.Mesh.DialTimeoutSeconds) * time.Second,
		SendTimeout:       time.Duration(cfg.Mesh.SendTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatIntervalSeconds) * time.Second,
		TickInterval:      time.Duration(cfg.Mesh.TickIntervalSeconds) * time.Second,
		RedialInitial:     time.Duration(cfg.Mesh.RedialInitialMs) * time.Millisecond,
		RedialMax:         time.Duration(cfg.Mesh.RedialMaxMs) * time.Millisecond,
		QueueSize:         cfg.Mesh.SendQueueSize,
	}, r, transport.WebSocketDialer{}, authn, clock, logger.Named("session"))

	prop := propagator.New(mgr, logger.Named("propagator"))
	r.OnCommit(prop.Enqueue)
	r.OnCommit(func(ev rib.CommitEvent) { mgr.SyncPeers(ev.Next) })
	go prop.Run(ctx)

	// --- Journal (optional) ---
	var dbChecker meshhttp.DBChecker
	var journalDone chan struct{}
	if cfg.Journal.Enabled {
		pool, err := db.NewPool(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to journal database", zap.Error(err))
		}
		defer pool.Close()
		dbChecker = pool

		writer := journal.NewWriter(pool, logger.Named("journal.writer"),
			cfg.Journal.CompressPayloads, cfg.Journal.CompressMinBytes)
		pipeline := journal.NewPipeline(writer,
			cfg.Journal.BatchSize, cfg.Journal.FlushIntervalMs, cfg.Journal.BufferSize,
			logger.Named("journal.pipeline"))
		r.OnCommit(pipeline.Enqueue)

		journalDone = make(chan struct{})
		go func() {
			defer close(journalDone)
			pipeline.Run(ctx)
		}()
		logger.Info("journal pipeline started")
	}

	// --- Event export (optional) ---
	var exporterDone chan struct{}
	if cfg.Events.Enabled {
		exporter, err := events.NewExporter(cfg.Events.Brokers, cfg.Events.Topic,
			cfg.Events.ClientID, cfg.Node.Name, cfg.Events.BufferSize, logger.Named("events"))
		if err != nil {
			logger.Fatal("failed to create event exporter", zap.Error(err))
		}
		r.OnCommit(exporter.Enqueue)

		exporterDone = make(chan struct{})
		go func() {
			defer close(exporterDone)
			exporter.Run(ctx)
		}()
		logger.Info("event exporter started",
			zap.Strings("brokers", cfg.Events.Brokers),
			zap.String("topic", cfg.Events.Topic),
		)
	}

	// --- Session manager + mesh listener ---
	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		mgr.Run(ctx)
	}()
	<-mgr.Started()

	meshServer := transport.NewServer(cfg.Mesh.Listen, logger.Named("transport"), func(c transport.Conn) {
		mgr.HandleInbound(c)
	})
	if err := meshServer.Start(); err != nil {
		logger.Fatal("failed to start mesh listener", zap.Error(err))
	}

	// --- Bootstrap registrations ---
	for _, p := range cfg.Peers {
		act := schema.LocalPeerCreate{Peer: schema.PeerInfo{
			Name: p.Name, Endpoint: p.Endpoint, Domains: p.Domains, PeerToken: p.PeerToken,
		}}
		if _, err := r.Submit(act); err != nil {
			logger.Fatal("bootstrap peer rejected", zap.String("peer", p.Name), zap.Error(err))
		}
	}
	for _, rt := range cfg.Routes {
		act := schema.LocalRouteCreate{Route: schema.Route{
			Name: rt.Name, Protocol: schema.Protocol(rt.Protocol),
			Endpoint: rt.Endpoint, Region: rt.Region, Tags: rt.Tags,
		}}
		if _, err := r.Submit(act); err != nil {
			logger.Fatal("bootstrap route rejected", zap.String("route", rt.Name), zap.Error(err))
		}
	}

	// --- Admin HTTP server ---
	httpServer := meshhttp.NewServer(cfg.Service.HTTPListen, r, mgr, dbChecker, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("meshd started",
		zap.Int("bootstrap_peers", len(cfg.Peers)),
		zap.Int("bootstrap_routes", len(cfg.Routes)),
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting operator and peer traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := meshServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("mesh listener shutdown error", zap.Error(err))
	}

	// Cancel context to stop sessions, propagator, and pipelines.
	cancel()

	done := make(chan struct{})
	go func() {
		<-mgrDone
		prop.Wait()
		if journalDone != nil {
			<-journalDone
		}
		if exporterDone != nil {
			<-exporterDone
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("meshd stopped")
}

// ribRegistry adapts RIB state to the authenticator's registry lookup.
type ribRegistry struct {
	r *rib.RIB
}

func (a ribRegistry) ExpectedToken(peerName string) (string, bool) {
	lp, ok := a.r.State().LocalPeers[peerName]
	if !ok {
		return "", false
	}
	return lp.Info.PeerToken, true
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Journal.Enabled {
		logger.Fatal("journal is not enabled; nothing to migrate")
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Journal.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to journal database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Journal.Enabled {
		logger.Fatal("journal is not enabled; nothing to prune")
	}

	logger.Info("running journal maintenance",
		zap.Int("retention_days", cfg.Journal.RetentionDays),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to journal database", zap.Error(err))
	}
	defer pool.Close()

	pruner := maintenance.NewPruner(pool, cfg.Journal.RetentionDays, logger)
	if err := pruner.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("journal maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format — redact password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
