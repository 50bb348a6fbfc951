// Package control wires the configured roles of a chainlake process and owns
// their start and stop order.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainlake/internal/core/config"
	"github.com/vietddude/chainlake/internal/core/registry"
	"github.com/vietddude/chainlake/internal/indexing/abi"
	"github.com/vietddude/chainlake/internal/indexing/health"
	"github.com/vietddude/chainlake/internal/indexing/status"
	"github.com/vietddude/chainlake/internal/indexing/subscriber"
	"github.com/vietddude/chainlake/internal/indexing/txworker"
	"github.com/vietddude/chainlake/internal/infra/bus"
	redisclient "github.com/vietddude/chainlake/internal/infra/redis"
	"github.com/vietddude/chainlake/internal/infra/rpc/pool"
	"github.com/vietddude/chainlake/internal/lake/buffer"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/gateway"
	"github.com/vietddude/chainlake/internal/lake/migrate"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/notify"
	"github.com/vietddude/chainlake/internal/schedule"
)

// App is one chainlake process running the roles enabled in its config.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	rdb      *goredis.Client
	ownRedis bool
	bus      bus.Bus
	ownBus   bool
	pool     *pool.Pool
	registry *registry.Registry
	schemas  *schema.Registry

	monitor *health.Monitor
	server  *health.Server
	serve   bool

	tracker     *status.Tracker
	subscribers *subscriber.Manager
	workers     *txworker.Worker
	catalog     *catalog.Catalog
	buffer      *buffer.Buffer
	committer   *gateway.Committer
	writeGW     *gateway.WriteGateway
	readGW      *gateway.ReadGateway
	scanner     *schedule.Scanner
	notifier    *notify.Runtime
	hub         *notify.Hub

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	commitWG  sync.WaitGroup
	stopOnce  sync.Once
	startedAt time.Time
}

// Option configures an App.
type Option func(*App)

// WithRedis uses an existing Redis client instead of dialing redis.url. The
// caller keeps ownership.
func WithRedis(rdb *goredis.Client) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithBus uses an existing bus instead of connecting to NATS. The caller
// keeps ownership.
func WithBus(b bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithoutHTTP skips listening on server.port. Handlers are still built.
func WithoutHTTP() Option {
	return func(a *App) { a.serve = false }
}

// New connects the shared clients and builds every enabled role. Nothing
// runs until Start.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default().With("component", "control"),
		serve:   true,
		schemas: schema.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.connect(); err != nil {
		a.closeClients()
		return nil, err
	}

	a.registry = registry.New(a.rdb)
	a.pool = pool.New(pool.WithRedis(a.rdb))
	for _, n := range cfg.Networks {
		if err := a.pool.RegisterNetwork(n); err != nil {
			a.closeClients()
			return nil, fmt.Errorf("register network %s: %w", n.Name, err)
		}
	}

	a.monitor = health.NewMonitor(5 * time.Second)
	a.monitor.Register("redis", health.PingCheck("redis", func(ctx context.Context) error {
		return a.rdb.Ping(ctx).Err()
	}))
	a.server = health.NewServer(a.monitor, cfg.Server.Port)

	if err := a.build(ctx); err != nil {
		a.closeLake()
		a.closeClients()
		return nil, err
	}
	return a, nil
}

func (a *App) connect() error {
	if a.rdb == nil {
		c, err := redisclient.NewClient(a.cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		a.rdb = c.RDB()
		a.ownRedis = true
	}
	if a.bus == nil {
		b, err := bus.Connect(a.cfg.NATS)
		if err != nil {
			return fmt.Errorf("failed to connect nats: %w", err)
		}
		a.bus = b
		a.ownBus = true
	}
	return nil
}

func (a *App) build(ctx context.Context) error {
	roles := a.cfg.Roles
	adapters := NewAdapterFactory(a.pool, a.cfg.Adapters)

	if roles.Subscriber {
		a.tracker = status.New(a.cfg.Status, a.rdb)
		a.subscribers = subscriber.NewManager(a.cfg.Subscriber, a.bus, a.registry, a.tracker, adapters)
		a.monitor.WatchTracker(a.tracker)
	}

	if roles.TxWorker {
		lake := gateway.NewClient(a.bus)
		decoder, err := abi.New(a.cfg.ABI, a.rdb, gateway.NewABIFetcher(lake))
		if err != nil {
			return fmt.Errorf("failed to create abi decoder: %w", err)
		}
		a.workers = txworker.New(a.cfg.TxWorker, a.bus, a.registry, adapters, decoder, lake)
	}

	if roles.WriteGateway || roles.ReadGateway {
		if err := a.openLake(ctx); err != nil {
			return err
		}
	}

	if roles.WriteGateway {
		lake := a.cfg.DuckLake
		a.buffer = buffer.New(lake.Buffer)
		a.committer = gateway.NewCommitter(lake.Writer, a.catalog, a.schemas, a.bus)
		var compactor gateway.Compactor
		if lake.CompactionMaxFiles > 0 {
			compactor = a.catalog
		}
		a.writeGW = gateway.NewWriteGateway(a.bus, a.schemas, a.buffer, compactor)
	}

	if roles.ReadGateway {
		a.readGW = gateway.NewReadGateway(a.bus, a.schemas, a.catalog, a.cfg.DuckLake.QueryTimeout)
	}

	if roles.Scheduler {
		a.scanner = schedule.NewScanner(a.cfg.Scheduler, a.rdb, a.bus)
	}

	if roles.Notifier {
		a.buildNotifier()
	}
	return nil
}

func (a *App) openLake(ctx context.Context) error {
	lake := a.cfg.DuckLake
	cat, err := catalog.Open(ctx, lake.Catalog)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	a.catalog = cat
	a.monitor.Register("catalog", health.PingCheck("catalog", cat.Health))

	if !lake.Migrate {
		return nil
	}
	migrations, err := migrate.FromRegistry(a.schemas, lake.PartitionTables)
	if err != nil {
		return fmt.Errorf("failed to build migrations: %w", err)
	}
	n, err := migrate.NewRunner(cat.DB().DB, cat.Prefix()).Up(migrations)
	if err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	a.log.Info("Catalog migrations applied", "count", n)
	return nil
}

func (a *App) buildNotifier() {
	nc := a.cfg.Notifications
	settings := notify.NewSettingsStore(a.rdb, nc.Runtime.SettingsTTL)

	a.notifier = notify.NewRuntime(nc.Runtime, a.bus, settings, gateway.NewClient(a.bus))

	a.hub = notify.NewHub()
	a.notifier.Register(notify.ChannelWebSocket, a.hub)
	a.server.Handle(nc.WebSocketPath, a.hub)

	if nc.SMTP.Host != "" {
		a.notifier.Register(notify.ChannelEmail, notify.NewSMTPSender(nc.SMTP))
	}
	// Slack webhooks may also come from per-user settings.
	a.notifier.Register(notify.ChannelSlack, notify.NewSlackSender(nc.Slack))
	if nc.Twilio.AccountSID != "" {
		a.notifier.Register(notify.ChannelSMS, notify.NewTwilioSender(nc.Twilio))
	}
}

// Start seeds configured chains into the registry and launches every role.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.startedAt = time.Now()

	if err := a.seedChains(ctx); err != nil {
		cancel()
		return err
	}

	if a.serve {
		go func() {
			if err := a.server.Start(); err != nil {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	if a.tracker != nil {
		a.tracker.Start(ctx)
	}
	if a.buffer != nil {
		a.goRun(func() { a.buffer.Run(ctx) })
		a.commitWG.Add(1)
		go func() {
			defer a.commitWG.Done()
			// drains until the buffer closes its output on Stop
			a.committer.Run(context.WithoutCancel(ctx), a.buffer.Out())
		}()
	}
	if a.scanner != nil {
		a.goRun(func() { a.scanner.Run(ctx) })
	}

	var g errgroup.Group
	if a.writeGW != nil {
		g.Go(a.writeGW.Start)
	}
	if a.readGW != nil {
		g.Go(a.readGW.Start)
	}
	if a.workers != nil {
		g.Go(func() error { return a.workers.Start(ctx) })
	}
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to start roles: %w", err)
	}

	// Subscribers start last so headers have somewhere to go.
	if a.subscribers != nil {
		if err := a.subscribers.Start(ctx, nil); err != nil {
			return fmt.Errorf("failed to start subscribers: %w", err)
		}
	}

	a.log.Info("Chainlake started", "roles", a.cfg.Roles.Names(), "port", a.cfg.Server.Port)
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// seedChains stores configured chains missing from the registry. Chains
// already there are left alone so runtime edits survive a restart.
func (a *App) seedChains(ctx context.Context) error {
	for _, cfg := range a.cfg.Chains {
		_, err := a.registry.Get(ctx, cfg.ChainID)
		if err == nil {
			continue
		}
		if !errors.Is(err, registry.ErrNodeNotFound) {
			return fmt.Errorf("failed to read node %s: %w", cfg.ChainID, err)
		}
		if err := a.registry.Put(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed node %s: %w", cfg.ChainID, err)
		}
		a.log.Info("Seeded chain", "chain_id", cfg.ChainID, "vm_type", cfg.VMType)
	}
	return nil
}

// Handler exposes the HTTP surface: health, metrics and the notification
// WebSocket when the notifier runs.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Bus returns the bus the roles share.
func (a *App) Bus() bus.Bus {
	return a.bus
}

// Registry returns the node registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Notifier returns the notification runtime, nil unless the notifier role runs.
func (a *App) Notifier() *notify.Runtime {
	return a.notifier
}

// Stop shuts roles down in reverse dependency order: producers first, then
// the buffer is flushed and the committer drained before the catalog closes.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("Stopping chainlake")

		if a.subscribers != nil {
			a.subscribers.Shutdown()
		}
		if a.workers != nil {
			a.workers.Stop()
		}
		if a.notifier != nil {
			a.notifier.Stop()
		}
		if a.hub != nil {
			a.hub.Close()
		}
		if a.readGW != nil {
			a.readGW.Stop()
		}
		if a.writeGW != nil {
			a.writeGW.Stop()
		}

		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if a.buffer != nil {
			if err := a.buffer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush buffer: %w", err))
			}
			a.commitWG.Wait()
		}
		if a.tracker != nil {
			if err := a.tracker.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("status tracker: %w", err))
			}
		}
		if a.serve {
			if err := a.server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("health server: %w", err))
			}
		}

		a.closeLake()
		if err := a.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rpc pool: %w", err))
		}
		a.closeClients()
		if !a.startedAt.IsZero() {
			a.log.Info("Chainlake stopped", "uptime", time.Since(a.startedAt).Round(time.Second))
		}
	})
	return errors.Join(errs...)
}

func (a *App) closeLake() {
	if a.catalog == nil {
		return
	}
	if err := a.catalog.Close(); err != nil {
		a.log.Warn("Failed to close catalog", "error", err)
	}
}

func (a *App) closeClients() {
	if a.ownBus && a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("Failed to close bus", "error", err)
		}
	}
	if a.ownRedis && a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
}
