// Package daemon wires the lifeline components into one long-running
// process: token store, supervisor, event dispatch, health checks, bulk
// backup and the HTTP control API.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/lifeline/internal/config"
	"github.com/harun/lifeline/internal/logger"
	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/backupsync"
	"github.com/harun/lifeline/pkg/bulkbackup"
	"github.com/harun/lifeline/pkg/dispatch"
	"github.com/harun/lifeline/pkg/healthcheck"
	"github.com/harun/lifeline/pkg/pathstore"
	"github.com/harun/lifeline/pkg/proxychain"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/remote/rodclient"
	"github.com/harun/lifeline/pkg/session"
	"github.com/harun/lifeline/pkg/supervisor"
	"github.com/harun/lifeline/pkg/tokenstore"
	"github.com/rs/zerolog"
)

// Daemon represents the lifeline service
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	client     remote.Client
	exit       func(int)
	paths      *pathstore.Store
	tokens     tokenstore.Store
	registry   *session.Registry
	supervisor *supervisor.Supervisor
	webhook    *dispatch.WebhookEmitter
	hub        *dispatch.Hub
	health     *healthcheck.Checker
	bulk       *bulkbackup.Manager
	api        *APIServer
	lifecycle  *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool           `json:"running"`
	PID       int            `json:"pid"`
	StartTime time.Time      `json:"startTime,omitempty"`
	Uptime    time.Duration  `json:"uptime"`
	Sessions  map[string]int `json:"sessions"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithRemoteClient replaces the browser-backed client.
func WithRemoteClient(c remote.Client) Option {
	return func(d *Daemon) { d.client = c }
}

// WithExit replaces os.Exit for health restarts.
func WithExit(fn func(int)) Option {
	return func(d *Daemon) { d.exit = fn }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log.Zerolog().With().Str("component", "daemon").Logger(),
		exit:   os.Exit,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.shutdownTracing()
		if d.tokens != nil {
			_ = d.tokens.Close()
		}
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger

	if cfg.Log.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Log.AuditFile); err != nil {
			zl.Warn().Err(err).Msg("Failed to open audit file, audit records are dropped")
		}
	}

	d.paths = pathstore.NewOS(pathstore.WithRemoveRetries(cfg.Backup.RemoveRetries))

	tokens, err := tokenstore.Open(d.ctx, d.paths.Fs(), tokenstore.Options{
		Backend:         cfg.Tokens.Backend,
		Dir:             cfg.Tokens.Dir,
		SQLitePath:      cfg.Tokens.SQLitePath,
		RedisURL:        cfg.Tokens.RedisURL,
		RedisPrefix:     cfg.Tokens.RedisPrefix,
		MongoURL:        cfg.Tokens.MongoURL,
		MongoDatabase:   cfg.Tokens.MongoDatabase,
		MongoCollection: cfg.Tokens.MongoCollection,
	})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	d.tokens = tokens
	zl.Info().Str("backend", cfg.Tokens.Backend).Msg("Token store opened")

	if d.client == nil {
		client, err := newBrowserClient(cfg.Browser, zl)
		if err != nil {
			return err
		}
		d.client = client
	}

	d.registry = session.NewRegistry(session.WithMaxSessions(cfg.Sessions.MaxSessions))
	d.hub = dispatch.NewHub(zl)
	d.webhook = dispatch.NewWebhookEmitter(dispatch.WebhookOptions{
		DefaultURL: cfg.Webhook.DefaultURL,
		Timeout:    cfg.Webhook.Timeout,
		Logger:     zl,
	})

	d.supervisor = supervisor.New(d.registry, d.tokens, d.client, d.paths, dispatch.Fanout{d.webhook, d.hub}, supervisor.Options{
		DataRoot: cfg.DataDir,
		Backup: backupsync.Options{
			Interval:       cfg.Backup.Interval,
			StabilizeDelay: cfg.Backup.StabilizeDelay,
			RequiredDirs:   cfg.Backup.RequiredDirs,
			Logger:         &zl,
		},
		ConnectTimeout:   cfg.Browser.ConnectTimeout,
		StartConcurrency: cfg.Sessions.StartConcurrency,
		DeviceName:       cfg.Sessions.DeviceName,
		PoweredBy:        cfg.Sessions.PoweredBy,
		Anonymize:        proxychain.Anonymize,
		Logger:           zl,
	})

	healthOpts := healthcheck.Options{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Exit:         d.restartExit,
		Logger:       zl,
	}
	if cfg.Health.Enabled {
		healthOpts.Cron = cfg.Health.Cron
	}
	health, err := healthcheck.New(d.supervisor, healthOpts)
	if err != nil {
		return fmt.Errorf("failed to create health checker: %w", err)
	}
	d.health = health

	bulkOpts := bulkbackup.Options{
		DataRoot:      cfg.DataDir,
		MaxImportSize: cfg.Export.MaxImportSize,
		Logger:        zl,
	}
	if s3 := cfg.Export.S3; s3.Enabled() {
		uploader, err := bulkbackup.DialS3(d.ctx, bulkbackup.S3Config{
			Region:         s3.Region,
			Endpoint:       s3.Endpoint,
			AccessKeyID:    s3.AccessKeyID,
			SecretKey:      s3.SecretKey,
			ForcePathStyle: s3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to configure export bucket: %w", err)
		}
		bulkOpts.Bucket = s3.Bucket
		bulkOpts.Uploader = uploader
	}
	d.bulk = bulkbackup.New(d.supervisor, d.tokens, d.paths, bulkOpts)

	d.api = NewAPIServer(APIConfig{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Secret:    cfg.Server.Secret,
		RateLimit: cfg.Server.RateLimit,
		Logger:    zl,
	}, d)

	return nil
}

func newBrowserClient(cfg config.BrowserConfig, zl zerolog.Logger) (remote.Client, error) {
	var script string
	if cfg.BridgeScript != "" {
		var err error
		script, err = rodclient.LoadBridgeScript(cfg.BridgeScript)
		if err != nil {
			return nil, err
		}
	} else {
		zl.Warn().Msg("No browser.bridge_script configured, sessions cannot connect")
	}

	return rodclient.New(rodclient.Options{
		Bin:          cfg.Bin,
		Headless:     cfg.Headless,
		NoSandbox:    cfg.NoSandbox,
		Args:         cfg.Args,
		AppURL:       cfg.AppURL,
		LoadTimeout:  cfg.LoadTimeout,
		BridgeScript: script,
		Logger:       zl,
	}), nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithOperation(tracing.NewRequestContext(d.ctx), "daemon.start")
	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().Msg("Starting lifeline daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.api.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start control API: %w", err)
	}

	if d.config.Health.Enabled {
		d.health.Start()
		logger.Info().Time("next_run", d.health.NextRun(time.Now())).Msg("Health checker started")
	}

	if d.config.Sessions.StartAllOnBoot {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.supervisor.StartAll(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to start stored sessions")
			}
		}()
	}

	logger.Info().Str("addr", d.api.Addr()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon gracefully. Sessions are closed with their
// snapshots kept so the next start restores them.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.WithOperation(tracing.NewRequestContext(context.Background()), "daemon.stop")
	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().Msg("Stopping lifeline daemon")

	if err := d.api.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop control API")
	}
	d.health.Stop()
	d.bulk.Close()

	d.cancel()
	closed := d.supervisor.CloseAll(ctx)
	logger.Info().Int("closed", closed).Msg("Sessions closed")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for background starts to stop")
	}

	d.webhook.Wait()
	d.hub.Close()

	if err := d.tokens.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close token store")
	}
	d.shutdownTracing()
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// restartExit is the health checker's exit: the PID file goes first so a
// process manager can start a fresh daemon.
func (d *Daemon) restartExit(code int) {
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to remove PID file before restart")
	}
	d.logger.Warn().Int("code", code).Msg("Exiting for restart")
	d.exit(code)
}

// ApplyConfig hot-applies the settings that can change without a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	level := logger.SetLevel(cfg.Log.Level)
	observability.RecordConfigAudit(d.ctx, "reload", "file", map[string]interface{}{
		"log_level": level.String(),
	})
	d.logger.Info().Str("log_level", level.String()).Msg("Configuration reloaded")
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		PID:      os.Getpid(),
		Sessions: d.registry.Counts(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// Supervisor returns the session supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.supervisor
}

// API returns the control API server.
func (d *Daemon) API() *APIServer {
	return d.api
}
