// ABOUTME: Gateway orchestrator that coordinates the agent listener and HTTP server
// ABOUTME: Wires store, sessions, pairing, hooks, routing, and the event feed

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/emberhq/ember-gateway/internal/adapter"
	"github.com/emberhq/ember-gateway/internal/agentconn"
	"github.com/emberhq/ember-gateway/internal/config"
	"github.com/emberhq/ember-gateway/internal/dedupe"
	"github.com/emberhq/ember-gateway/internal/envelope"
	"github.com/emberhq/ember-gateway/internal/hooks"
	"github.com/emberhq/ember-gateway/internal/pairing"
	"github.com/emberhq/ember-gateway/internal/router"
	"github.com/emberhq/ember-gateway/internal/session"
	"github.com/emberhq/ember-gateway/internal/store"
	"github.com/emberhq/ember-gateway/internal/stream"
)

const (
	tailscaleAgentPort = ":9190"
	tailscaleHTTPPort  = ":80"
)

// Gateway orchestrates the ember-gateway server components: the framed RPC
// listener for agents and the HTTP server for health, pairing, and the
// event feed.
type Gateway struct {
	config   *config.Config
	store    store.Store
	sessions *session.Manager
	pairing  *pairing.Manager
	hooks    *hooks.Registry
	dedupe   *dedupe.Cache
	agents   *agentconn.Manager
	adapters *adapter.Registry
	engine   *router.Engine
	feed     *stream.Broadcaster

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("EMBER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	feed := stream.NewBroadcaster(logger)

	sessions := session.NewManager(session.Options{
		Store:        s,
		Logger:       logger,
		HistoryBound: cfg.Session.HistoryBound,
		IdleAfter:    cfg.Session.IdleAfter,
		CloseGrace:   cfg.Session.CloseGrace,
		Notify:       func(ev session.Event) { feed.Publish(stream.SessionEvent(ev)) },
	})

	pairingMgr := pairing.NewManager(pairing.Options{
		Store:         s,
		Logger:        logger,
		Secret:        []byte(cfg.Pairing.JWTSecret),
		TicketTTL:     cfg.Pairing.TicketTTL,
		CredentialTTL: cfg.Pairing.CredentialTTL,
		Notify:        func(ev pairing.Event) { feed.Publish(stream.PairingEvent(ev)) },
	})

	dedupeTTL := cfg.Dedupe.TTL
	if dedupeTTL <= 0 {
		dedupeTTL = 5 * time.Minute
	}
	dedupeMax := cfg.Dedupe.MaxSize
	if dedupeMax <= 0 {
		dedupeMax = 100_000
	}

	hookRegistry := hooks.NewRegistry(logger)
	agents := agentconn.NewManager(logger)
	adapters := adapter.NewRegistry()
	dedupeCache := dedupe.New(dedupeTTL, dedupeMax)

	engine := router.New(router.Options{
		Sessions:     sessions,
		Hooks:        hookRegistry,
		Dedupe:       dedupeCache,
		Agent:        agents,
		Adapters:     adapters,
		Normalizer:   envelope.NewNormalizer(),
		Logger:       logger,
		AgentTimeout: cfg.Agent.RequestTimeout,
		Deltas:       func(conv, delta string) { feed.Publish(stream.DeltaEvent(conv, delta)) },
	})

	g := &Gateway{
		config:   cfg,
		store:    s,
		sessions: sessions,
		pairing:  pairingMgr,
		hooks:    hookRegistry,
		dedupe:   dedupeCache,
		agents:   agents,
		adapters: adapters,
		engine:   engine,
		feed:     feed,
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Engine exposes the routing engine for channel adapters.
func (g *Gateway) Engine() *router.Engine { return g.engine }

// Hooks exposes the plugin registry for startup registration.
func (g *Gateway) Hooks() *hooks.Registry { return g.hooks }

// Adapters exposes the adapter registry for startup registration.
func (g *Gateway) Adapters() *adapter.Registry { return g.adapters }

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}

	agentLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("agent listener ready", "addr", agentLn.Addr().String())
		return g.acceptAgents(egCtx, agentLn)
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.sessions.Run(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		_ = agentLn.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	g.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// acceptAgents accepts agent connections and serves each until disconnect.
func (g *Gateway) acceptAgents(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting agent connection: %w", err)
		}
		go func() {
			if err := g.agents.Serve(ctx, conn); err != nil {
				g.logger.Warn("agent connection ended", "remote_addr", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for the agent RPC port and HTTP.
func (g *Gateway) setupTCPListeners() (agentLn, httpLn net.Listener, err error) {
	agentLn, err = net.Listen("tcp", g.config.Server.AgentAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return agentLn, httpLn, nil
}

// resolveTailscaleStateDir returns the state directory, using a default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "ember-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet node and returns listeners on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
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

	agentLn, err = g.tsnetServer.Listen("tcp", tailscaleAgentPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = agentLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return agentLn, httpLn, nil
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

// close releases gateway resources after the servers have stopped.
func (g *Gateway) close() {
	g.logger.Info("shutting down gateway")

	g.dedupe.Close()
	g.feed.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			g.logger.Error("tailscale shutdown", "error", err)
		}
	}
	if err := g.store.Close(); err != nil {
		g.logger.Error("store close", "error", err)
	}
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("ember-gateway-%d", time.Now().UnixNano()%1000000)
}
