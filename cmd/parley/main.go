// Package main is the Parley entry point. The single binary runs the HTTP
// and WebSocket surfaces, the chat dispatcher, and every backing store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/common/tracing"
	"github.com/parley/parley/internal/db"
	"github.com/parley/parley/internal/db/migrate"
	gateway "github.com/parley/parley/internal/gateway/websocket"
	"github.com/parley/parley/internal/hitl"
	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/internal/memory"
	"github.com/parley/parley/internal/message"
	"github.com/parley/parley/internal/orchestrator"
	"github.com/parley/parley/internal/rules"
	"github.com/parley/parley/internal/server"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/user"
	"github.com/parley/parley/internal/version"
)

// stores bundles the per-domain persistence picked by the database driver.
type stores struct {
	sessions session.Store
	messages message.Store
	profiles user.Store
	configs  mcp.ConfigStore
	rules    server.RuleStore
	audit    audit.Store

	dbPool *db.Pool
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Parley...", zap.String("version", version.Get().Version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS when configured)
	var notifier bus.Bus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		notifier = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		notifier = bus.NewMemoryBus(log)
	}
	defer notifier.Close()

	// 5. Open storage per the configured driver
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer st.close()
	log.Info("Storage initialized", zap.String("driver", cfg.Database.Driver))

	recorder := audit.NewRecorder(st.audit, notifier, log)

	// 6. MCP connection pool. The dial deadline guards the transport start
	// and Initialize handshake of each connect.
	dialTimeout := cfg.MCP.ConnectTimeoutDuration()
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	dial := func(ctx context.Context, serverCfg *mcp.ServerConfig) (mcp.Client, error) {
		dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
		defer dialCancel()
		return mcp.Dial(dialCtx, serverCfg)
	}
	pool := mcp.NewPoolWithDialer(mcp.PoolConfig{
		MaxPerUser: cfg.MCP.MaxPerUser,
		MaxTotal:   cfg.MCP.MaxTotal,
	}, dial, log)

	// 7. Rule engine: global rules from the file directory, per-user rules
	// from the store.
	source := rules.MultiSource{}
	if cfg.Rules.GlobalDir != "" {
		source = append(source, rules.NewFileSource(cfg.Rules.GlobalDir, log))
	}
	source = append(source, st.rules)
	ruleEngine := rules.NewEngine(source, rules.EngineConfig{
		MaxContentSize: cfg.Rules.MaxContentSize,
	}, notifier, log)

	// 8. Agent memory
	memLoader := memory.NewLoader(memory.Config{
		Root:          cfg.Memory.Root,
		MultiTenant:   cfg.Memory.MultiTenant,
		ProjectMarker: cfg.Memory.ProjectMarker,
	}, log)

	// 9. Session lifecycle
	sessionManager := session.NewManager(st.sessions, st.messages, notifier, log, session.ManagerConfig{
		SessionTimeout:  cfg.Chat.SessionTimeoutDuration(),
		CleanupInterval: cfg.Chat.CleanupIntervalDuration(),
		AutoCleanup:     true,
	})
	sessionManager.Start(ctx)

	// 10. Streaming gateway, approval coordinator, dispatcher
	manager := gateway.NewConnectionManager(cfg.Chat.MaxConnections, log)
	coordinator := hitl.NewCoordinator(manager, cfg.Chat.HITLTimeoutDuration(), log)
	gateway.RegisterNotifications(ctx, notifier, manager, log)

	// The scripted executor backs the default build; deployments plug a real
	// engine into the same Factory seam.
	factory := &agent.ScriptedFactory{}

	dispatcher := orchestrator.NewDispatcher(
		sessionManager,
		st.messages,
		st.profiles,
		st.configs,
		pool,
		ruleEngine,
		memLoader,
		coordinator,
		manager,
		factory,
		recorder,
		log,
	)
	wsHandler := gateway.NewHandler(manager, sessionManager, dispatcher, log)

	// 11. HTTP surface
	srv := server.New(cfg, log)
	router := srv.Router()
	authn := server.NewAuthenticator(cfg.Auth, recorder, log)

	public := router.Group("/api/v1")
	authn.RegisterRoutes(public)

	api := router.Group("/api/v1", authn.Middleware())
	server.RegisterSessionRoutes(api, sessionManager, st.messages, manager, recorder, log)
	server.RegisterChatRoutes(api, dispatcher, log)
	server.RegisterMCPRoutes(api, st.configs, pool, log)
	server.RegisterRuleRoutes(api, st.rules, log)
	server.RegisterProfileRoutes(api, st.profiles, memLoader, recorder, log)

	ws := router.Group("/ws", authn.Middleware())
	server.RegisterStreamRoutes(ws, wsHandler)

	// 12. Start server
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws/:session_id"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Parley...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.CloseAll()
	sessionManager.Stop()
	pool.DisconnectAll()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Parley stopped")
}

// openStores builds the store set for the configured database driver.
// "memory" keeps everything in process; "sqlite" and "postgres" share one
// migrated pool across the SQL stores.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	switch cfg.Database.Driver {
	case "memory", "":
		return &stores{
			sessions: session.NewMemoryStore(),
			messages: message.NewMemoryStore(),
			profiles: user.NewMemoryStore(),
			configs:  mcp.NewMemoryConfigStore(),
			rules:    rules.NewMemoryStore(),
			audit:    audit.NewMemoryStore(),
		}, nil

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return openSQLStores(ctx, sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), log)

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		pgDB := sqlx.NewDb(conn, "pgx")
		return openSQLStores(ctx, pgDB, pgDB, log)

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openSQLStores(ctx context.Context, writer, reader *sqlx.DB, log *logger.Logger) (*stores, error) {
	migrator, err := migrate.New(writer, log)
	if err != nil {
		return nil, err
	}
	if err := migrator.Migrate(ctx); err != nil {
		return nil, err
	}

	pool := db.NewPool(writer, reader)
	return &stores{
		sessions: session.NewSQLStore(pool),
		messages: message.NewSQLStore(pool),
		profiles: user.NewSQLStore(pool),
		configs:  mcp.NewSQLConfigStore(pool),
		rules:    rules.NewSQLStore(pool),
		audit:    audit.NewSQLStore(pool),
		dbPool:   pool,
	}, nil
}

func (s *stores) close() {
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			logger.Default().Error("database close error", zap.Error(err))
		}
	}
}
