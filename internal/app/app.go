package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collateral-monitor/internal/alerting"
	"collateral-monitor/internal/archive"
	"collateral-monitor/internal/cache"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/metrics"
	"collateral-monitor/internal/scheduler"
	"collateral-monitor/internal/service"
	"collateral-monitor/internal/storage"
	"collateral-monitor/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newNotifier 根据配置组装告警通道；未启用时返回 nil。
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	chain := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		chain = append(chain, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return alerting.NewThrottled(chain, a.Config.Alerting.Cooldown)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.Migrate(ctx, a.Config.Database.MigrationsPath, a.Logger); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.StatusCache, error) {
	rc := a.Config.Redis
	if !rc.Enabled {
		return nil, nil
	}
	return cache.New(ctx, cache.Config{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		PoolSize:  rc.PoolSize,
		KeyPrefix: rc.KeyPrefix,
		Channel:   rc.Channel,
		TTL:       rc.TTL,
	})
}

func (a *App) openArchive(ctx context.Context) (*archive.Uploader, error) {
	ac := a.Config.Archive
	if !ac.Enabled {
		return nil, nil
	}
	return archive.New(ctx, archive.Config{
		Endpoint:       ac.Endpoint,
		Region:         ac.Region,
		Bucket:         ac.Bucket,
		Prefix:         ac.Prefix,
		AccessKey:      ac.AccessKey,
		SecretKey:      ac.SecretKey,
		ForcePathStyle: ac.ForcePathStyle,
	}, a.Logger)
}

// runtime holds everything a tick needs; release undoes the opens in reverse.
type runtime struct {
	svc      *service.Service
	factory  *feedFactory
	metrics  *metrics.Metrics
	releases []func()
}

func (r *runtime) release() {
	for i := len(r.releases) - 1; i >= 0; i-- {
		r.releases[i]()
	}
	r.factory.close()
}

func (a *App) newRuntime(ctx context.Context, sched *scheduler.Scheduler, notifier alerting.Notifier) (*runtime, error) {
	rt := &runtime{factory: newFeedFactory(a.Config, time.Now, a.Logger)}

	registry, bkt, err := rt.factory.buildRegistry(a.Logger)
	if err != nil {
		rt.release()
		return nil, err
	}

	deps := service.Deps{Notifier: notifier}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		rt.release()
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		rt.releases = append(rt.releases, closeStore)
		deps.States = store
		deps.Samples = store
		deps.Transitions = store
		deps.Locker = store
	}

	statusCache, err := a.openCache(ctx)
	if err != nil {
		rt.release()
		return nil, err
	}
	if statusCache != nil {
		rt.releases = append(rt.releases, func() { _ = statusCache.Close() })
		deps.Publisher = statusCache
	}

	if a.Config.Metrics.Enabled {
		rt.metrics = metrics.New()
		deps.Metrics = rt.metrics
	}

	rt.svc = service.New(a.Config, sched, registry, bkt, deps, a.Logger)
	return rt, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		Immediate:     a.Config.Scheduler.Immediate,
	}, a.Logger)

	rt, err := a.newRuntime(ctx, sched, a.newNotifier())
	if err != nil {
		return err
	}
	defer rt.release()

	g, gctx := errgroup.WithContext(ctx)
	if rt.metrics != nil {
		g.Go(func() error {
			return rt.metrics.Serve(gctx, a.Config.Metrics.Addr, a.Logger)
		})
	}
	g.Go(func() error {
		a.Logger.Info().
			Str("version", version.String()).
			Int("collaterals", len(a.Config.Collaterals)).
			Msg("starting monitoring service")
		return rt.svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	CollateralID string
	From         *time.Time
	To           *time.Time
	PNGPath      string
	CSVPath      string
	MaxPoints    int
	Upload       bool
}

// ShowOptions configure the show command. Kind and Subject filter the fetched rows.
type ShowOptions struct {
	Limit   int
	Kind    string
	Subject string
}

// SimulateOptions drive a collateral through a scripted sequence of oracle values.
type SimulateOptions struct {
	CollateralID string
	Peg          []string
	Target       string
	RefPerTok    []string
	Steps        int
	Step         time.Duration
	Alert        bool
}

// ReplayOptions configure an offline replay of stored samples.
type ReplayOptions struct {
	CollateralID string
	From         time.Time
	To           time.Time
	Limit        int
}
