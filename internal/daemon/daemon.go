package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/scalerize/infinitegpu/internal/api"
	"github.com/scalerize/infinitegpu/internal/app/dispatch"
	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/health"
	"github.com/scalerize/infinitegpu/internal/infra/memstore"
	_ "github.com/scalerize/infinitegpu/internal/infra/metrics" // Register Prometheus metrics
	"github.com/scalerize/infinitegpu/internal/infra/postgres"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
	"github.com/scalerize/infinitegpu/internal/infra/relay"
	"github.com/scalerize/infinitegpu/internal/infra/sqlite"
	"github.com/scalerize/infinitegpu/internal/infra/tracing"
	"github.com/scalerize/infinitegpu/internal/notify"
	"github.com/scalerize/infinitegpu/internal/security"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

// Daemon is the core node runtime. It wires together all services.
type Daemon struct {
	Config   Config
	NodeID   string
	Store    domain.Store
	Registry *presence.Registry
	Hub      *notify.Hub
	Relay    *relay.Relay
	Life     *lifecycle.Service
	Engine   *dispatch.Engine
	Bridge   *dispatch.Bridge
	Watchdog *dispatch.Watchdog
	Health   *health.Checker
	Server   *api.Server
	Keypair  *security.Keypair

	cancel      context.CancelFunc
	closeOnce   sync.Once
	closeStore  func() error
	stopTracing func(context.Context) error
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = nodeHome()
	}

	d := &Daemon{Config: cfg}

	// Crypto identity; the public key prefix is the default node id.
	kp, err := security.LoadOrCreateKeypair(dataDir)
	if err != nil {
		log.Printf("[daemon] WARNING: failed to load keypair: %v", err)
	}
	d.Keypair = kp

	nodeID := cfg.Node.ID
	if nodeID == "" && kp != nil {
		nodeID = kp.NodeID()
	}
	if nodeID == "" {
		nodeID = "node-local"
	}
	d.NodeID = nodeID

	// Task store
	switch cfg.Storage.Driver {
	case "", "sqlite":
		db, err := sqlite.Open(dataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		d.Store = db
		d.closeStore = db.Close
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := postgres.Connect(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		d.Store = pg
		d.closeStore = pg.Close
	case "memory":
		d.Store = memstore.New()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	// Event fanout; the optional redis relay mirrors events to peers.
	d.Hub = notify.NewHub(cfg.Events.Buffer)
	sink := domain.EventSink(d.Hub)
	if cfg.Relay.Enabled {
		rl, err := relay.Connect(relay.Config{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
			Channel:  cfg.Relay.Channel,
		}, nodeID, kp, d.Hub)
		if err != nil {
			log.Printf("[daemon] WARNING: relay disabled: %v", err)
		} else {
			d.Relay = rl
			sink = notify.Fanout(d.Hub, rl)
		}
	}

	// Tracing (no-op unless an exporter is configured)
	stopTracing, err := tracing.Init("infinitegpu", tracing.Config{
		Exporter:     cfg.Telemetry.TraceExporter,
		Endpoint:     cfg.Telemetry.TraceEndpoint,
		SamplerRatio: cfg.Telemetry.TraceSampleRatio,
		NodeID:       nodeID,
	})
	if err != nil {
		log.Printf("[daemon] WARNING: tracing disabled: %v", err)
	}
	d.stopTracing = stopTracing

	// Core engine: lifecycle transitions, presence, dispatch.
	d.Life = lifecycle.NewService(d.Store, sink, lifecycle.Config{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		ClaimScanLimit:    cfg.Dispatch.ClaimScanLimit,
		HeartbeatInterval: parseDuration(cfg.Dispatch.HeartbeatInterval, 30*time.Second),
		HeartbeatGrace:    parseDuration(cfg.Dispatch.HeartbeatGrace, 60*time.Second),
	})
	d.Registry = presence.NewRegistry()
	d.Engine = dispatch.NewEngine(d.Registry, d.Life)
	d.Bridge = dispatch.NewBridge(d.Registry, d.Life, d.Engine, d.Store)
	d.Watchdog = dispatch.NewWatchdog(d.Life, d.Engine,
		parseDuration(cfg.Dispatch.WatchdogInterval, 15*time.Second))

	// Health checker
	d.Health = health.NewChecker(d.Store, d.Registry, d.Hub, dataDir)

	// API server
	srv := api.NewServer(d.Life, d.Engine, d.Bridge, d.Registry, d.Hub, d.Store)
	srv.SetVersion(Version)
	srv.SetHealthChecker(d.Health)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve starts the background loops and the HTTP server, blocking
// until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)
	d.Watchdog.Start()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     d.Server.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: provider streams are open-ended.
		WriteTimeout: 0,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.Watchdog.Stop()
		_ = httpServer.Shutdown(shutdownCtx)
		d.closeShared(shutdownCtx)
	}()

	fmt.Printf("InfiniteGPU node %s serving on http://%s\n", d.NodeID, addr)
	if d.Relay != nil {
		fmt.Printf("  Relay: %s (channel %s)\n", d.Config.Relay.Addr, d.Config.Relay.Channel)
	}
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.closeShared(ctx)
}

// closeShared releases components shared by Serve's shutdown path and
// Close. Both may run; only the first does the work.
func (d *Daemon) closeShared(ctx context.Context) {
	d.closeOnce.Do(func() {
		if d.Relay != nil {
			d.Relay.Close()
		}
		if d.Hub != nil {
			d.Hub.Close()
		}
		if d.closeStore != nil {
			_ = d.closeStore()
		}
		if d.stopTracing != nil {
			_ = d.stopTracing(ctx)
		}
	})
}
