// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Owns the store, channel registry, handoff service, metrics and their lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/handoff-gateway/internal/audit"
	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/registry"
	"github.com/2389/handoff-gateway/internal/session"
	"github.com/2389/handoff-gateway/internal/store"
)

// readyTimeout bounds the dependency pings behind /health/ready.
const readyTimeout = 2 * time.Second

// Gateway orchestrates the handoff-gateway server components.
// It serves the handoff HTTP API and the gRPC health service.
type Gateway struct {
	config   *config.Config
	store    *store.SQLiteStore
	registry registry.Registry
	redis    *redis.Client // nil with the memory backend
	service  *handoff.Service
	verifier *auth.JWTVerifier
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// drain is closed when shutdown starts so open SSE streams end promptly.
	drain        chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	logger *slog.Logger
}

// initStore opens the SQLite store described by cfg.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HANDOFF_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	opts := []store.Option{
		store.WithDriver(cfg.Database.Driver),
		store.WithBusyTimeout(cfg.Database.BusyTimeout),
		store.WithLogger(logger),
	}
	if cfg.Auth.TokenPepper != "" {
		opts = append(opts, store.WithTokenPepper([]byte(cfg.Auth.TokenPepper)))
	}

	s, err := store.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRegistry builds the channel registry for the configured backend.
// The returned redis client is nil unless the backend is redis.
func initRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Registry, *redis.Client, error) {
	rc := cfg.Registry
	switch rc.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		reg, err := registry.NewRedisRegistry(ctx, registry.RedisConfig{
			Client:          client,
			Prefix:          rc.Redis.Prefix,
			ChannelTTL:      rc.ChannelTTL,
			DeliveryTimeout: rc.DeliveryTimeout,
			Logger:          logger.With("component", "registry"),
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("initializing redis registry: %w", err)
		}
		logger.Info("using redis channel registry", "addr", rc.Redis.Addr, "node_id", reg.NodeID())
		return reg, client, nil
	default:
		return registry.NewMemoryRegistry(registry.MemoryConfig{
			ChannelTTL:      rc.ChannelTTL,
			DeliveryTimeout: rc.DeliveryTimeout,
			Logger:          logger.With("component", "registry"),
		}), nil, nil
	}
}

// initMetrics creates the prometheus registry and the gateway collectors.
func initMetrics(cfg *config.Config, logger *slog.Logger) (*prometheus.Registry, *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return nil, metrics.New(nil, logger)
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promReg, metrics.New(promReg, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	sqlStore, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg, redisClient, err := initRegistry(context.Background(), cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	promReg, m := initMetrics(cfg, logger)
	m.RegisterOpenChannels(reg.Len)

	svc, err := handoff.New(handoff.Deps{
		Users:    sqlStore,
		Tokens:   sqlStore,
		Sessions: session.New(sqlStore, session.Config{TTL: cfg.Sessions.TTL}, logger),
		Registry: reg,
		Audit:    audit.NewEmitter(sqlStore, m, logger),
		Metrics:  m,
		Logger:   logger,
	}, handoff.Config{
		TokenTTL:      cfg.Tokens.TTL,
		ChannelTTL:    cfg.Registry.ChannelTTL,
		AllowedScopes: cfg.Tokens.AllowedScopes,
		ResumeSecret:  []byte(cfg.Auth.ResumeSecret),
	})
	if err != nil {
		_ = reg.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		_ = sqlStore.Close()
		return nil, fmt.Errorf("creating handoff service: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    sqlStore,
		registry: reg,
		redis:    redisClient,
		service:  svc,
		verifier: verifier,
		metrics:  m,
		promReg:  promReg,
		drain:    make(chan struct{}),
		logger:   logger.With("component", "gateway"),
	}

	gw.grpcServer, gw.health = newGRPCServer(logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Auth.ResumeSecret == "" {
		gw.logger.Info("channel resume disabled - no resume_secret configured")
	}
	return gw, nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the gateway servers and the maintenance loop and blocks until
// ctx is canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.serve(ctx, grpcLn, httpLn)
}

// serve runs both servers on the given listeners until ctx ends.
func (g *Gateway) serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.runMaintenance(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "handoff-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the HTTP listener: public Funnel when
// configured, otherwise tailnet-only HTTPS with Tailscale's certificates.
// Bearer tokens and session tokens must never travel in cleartext.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener(grpcLn)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Open login channels are drained first. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.drain)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.health.Shutdown()
		g.shutdownGRPCServer(ctx)

		errs = appendCloseError(errs, "registry close", g.registry.Close())
		if g.redis != nil {
			errs = appendCloseError(errs, "redis close", g.redis.Close())
		}
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database and, if configured, redis respond.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "database", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d open channels)", g.registry.Len())
}
