package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codespace/internal/api"
	"codespace/internal/config"
	"codespace/internal/database"
	"codespace/internal/execution"
	"codespace/internal/hub"
	"codespace/internal/router"
	"codespace/internal/session"
	"codespace/internal/store"
	"codespace/internal/websocket"
	pkgdatabase "codespace/pkg/database"
	"codespace/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	store      interfaces.SessionStore
	engine     *session.Engine
	registry   *websocket.Registry
	messageHub *hub.Hub
	pool       *execution.Pool
	sweeper    *session.Sweeper
	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Execution → Registry → Hub → Engine → Router → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Open the session store (foundation layer)
	sessionStore, err := OpenStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}

	// STEP 2: Execution backend and its worker pool
	var (
		executor interfaces.Executor
		jobs     interfaces.JobQueue
		pool     *execution.Pool
	)
	if cfg.Execution.Enabled {
		runner, err := execution.NewRunner(RunnerConfig(cfg.Execution), log)
		if err != nil {
			_ = sessionStore.Close()
			return nil, fmt.Errorf("failed to initialize code runner: %w", err)
		}
		pool = execution.NewPool(cfg.Execution.Workers, cfg.Execution.QueueSize, log)
		executor, jobs = runner, pool
	}

	// STEP 3: Connection registry and broadcast hub
	registry := websocket.NewRegistry()
	messageHub := hub.NewHub(registry, cfg.WebSocket.CloseGrace, log)

	// STEP 4: Session engine, restored from the store
	engine := session.NewEngine(sessionStore, messageHub, executor, jobs, sessionConfig(cfg.Session), log)
	restored, err := engine.Restore(context.Background())
	if err != nil {
		_ = sessionStore.Close()
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}
	log.Info().Int("sessions", restored).Msg("sessions restored")

	// STEP 5: Realtime path
	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimit, time.Minute)
	messageRouter := router.NewRouter(engine, registry, messageHub, limiter, log)
	wsHandler := websocket.NewHandler(messageRouter, websocketOptions(cfg.WebSocket), cfg.HTTP.AllowedOrigins, log)

	// STEP 6: HTTP API mounting the realtime endpoint
	apiServer := api.NewServer(engine, sessionStore, registry, api.Options{
		Realtime:       wsHandler,
		EnableMetrics:  cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log.With().Str("component", "app").Logger(),
		store:      sessionStore,
		engine:     engine,
		registry:   registry,
		messageHub: messageHub,
		pool:       pool,
		sweeper:    session.NewSweeper(engine, cfg.Session.SweepInterval, log),
		handler:    apiServer,
		httpServer: httpServer,
	}, nil
}

// OpenStore builds the session store selected by cfg.Driver. The sqlite
// driver applies pending migrations before returning.
func OpenStore(cfg config.StoreConfig, log zerolog.Logger) (interfaces.SessionStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(log), nil
	case config.DriverSQLite:
		manager, err := database.NewManager(&pkgdatabase.Config{
			DatabasePath:    cfg.SQLitePath,
			MigrationsPath:  cfg.MigrationsPath,
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		if _, err := manager.Migrate(); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		return manager, nil
	case config.DriverRedis:
		redisStore, err := store.NewRedisStore(cfg.RedisURL, cfg.RedisKeyPrefix, cfg.RedisTTL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return redisStore, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// RunnerConfig maps the execution section onto runner settings.
func RunnerConfig(c config.ExecutionConfig) execution.Config {
	return execution.Config{
		Mode:         c.Mode,
		Timeout:      c.Timeout,
		OutputLimit:  c.OutputLimit,
		MemoryLimit:  c.MemoryLimit,
		CPULimit:     c.CPULimit,
		DockerBinary: c.DockerBinary,
		WorkDir:      c.WorkDir,
		Languages:    c.Languages,
	}
}

func sessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		DefaultMaxParticipants: c.DefaultMaxParticipants,
		MaxParticipantsLimit:   c.MaxParticipantsLimit,
		HistoryLimit:           c.HistoryLimit,
		MaxCodeSize:            c.MaxCodeSize,
		MaxTimerMinutes:        c.MaxTimerMinutes,
		TypingSampleLimit:      c.TypingSampleLimit,
	}
}

func websocketOptions(c config.WebSocketConfig) websocket.Options {
	return websocket.Options{
		SendBuffer:     c.SendBuffer,
		WriteTimeout:   c.WriteTimeout,
		PongWait:       c.PongWait,
		PingInterval:   c.PingInterval,
		MaxMessageSize: c.MaxMessageSize,
		CloseGrace:     c.CloseGrace,
	}
}

// Start begins application execution
// Background workers start first, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return errors.New("application already started")
	}

	// STEP 1: Start message hub (dead connection reaping)
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Background execution and lock expiry
	if app.pool != nil {
		app.pool.Start(ctx)
	}
	app.sweeper.Start(ctx)

	// STEP 3: Bind and serve
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground(ctx)
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	app.serveErr = make(chan error, 1)

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Msg("HTTP server error")
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.log.Info().Str("addr", listener.Addr().String()).Str("store", app.config.Store.Driver).
		Bool("execution", app.pool != nil).Msg("codespace started")
	return nil
}

// Wait blocks until the HTTP server exits or ctx is done.
func (app *Application) Wait(ctx context.Context) error {
	app.mu.Lock()
	serveErr := app.serveErr
	app.mu.Unlock()
	if serveErr == nil {
		return errors.New("application not started")
	}

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → workers → hub → store
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down codespace")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	// STEP 2: Tell every client the server is going away
	app.messageHub.CloseAll()

	// STEP 3: Drain workers and stop the hub
	app.stopBackground(ctx)

	// STEP 4: Close the store
	if err := app.store.Close(); err != nil {
		app.log.Error().Err(err).Msg("store shutdown error")
		return err
	}

	app.log.Info().Msg("codespace shutdown complete")
	return nil
}

func (app *Application) stopBackground(ctx context.Context) {
	app.sweeper.Stop()
	if app.pool != nil {
		if err := app.pool.Stop(ctx); err != nil {
			app.log.Warn().Err(err).Msg("execution pool did not drain")
		}
	}
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.log.Warn().Err(err).Msg("message hub shutdown error")
	}
}

// GetAddr returns the bound address once started, the configured one before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the full HTTP surface for in-process servers.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Engine exposes the session engine.
func (app *Application) Engine() *session.Engine {
	return app.engine
}
