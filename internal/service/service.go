package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"collateral-monitor/internal/alerting"
	"collateral-monitor/internal/basket"
	"collateral-monitor/internal/cache"
	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/metrics"
	"collateral-monitor/internal/scheduler"
	"collateral-monitor/internal/storage"
)

// Publisher receives the latest statuses for downstream consumers.
type Publisher interface {
	Put(ctx context.Context, e cache.Entry) error
	PutBasket(ctx context.Context, name string, status collateral.Status, ready bool, at time.Time) error
	Announce(ctx context.Context, id string, from, to collateral.Status, at time.Time) error
}

// Deps are the optional collaborators of a Service. Nil members are skipped.
type Deps struct {
	States      storage.StateStore
	Samples     storage.SampleStore
	Transitions storage.TransitionStore
	Locker      storage.AdvisoryLocker
	Publisher   Publisher
	Metrics     *metrics.Metrics
	Notifier    alerting.Notifier
	Now         func() time.Time
}

// Service orchestrates refreshes, persistence, publication and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	registry  *basket.Registry
	basket    *basket.Basket
	deps      Deps
	logger    zerolog.Logger

	channels       []string
	alertsOn       bool
	notifyRecovery bool
	lockKey        int64
	fanOut         int
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, registry *basket.Registry, bkt *basket.Basket, deps Deps, logger zerolog.Logger) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		scheduler:      sched,
		registry:       registry,
		basket:         bkt,
		deps:           deps,
		logger:         logger.With().Str("component", "service").Logger(),
		channels:       cfg.Alerting.Channels,
		alertsOn:       cfg.Alerting.Enabled,
		notifyRecovery: cfg.Alerting.NotifyRecovery,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		fanOut:         8,
	}
}

// View is one collateral as seen at the end of a tick.
type View struct {
	ID          string
	Flavor      string
	Status      collateral.Status
	WhenDefault time.Time
	Price       collateral.Band
	Lot         collateral.Band
	Stale       bool
	RefPerTok   decimal.Decimal
	Reason      string
	RefreshErr  error
	PriceErr    error
}

// Report summarises one tick.
type Report struct {
	RunID       uuid.UUID
	At          time.Time
	Skipped     bool
	Collaterals []View
	Transitions []storage.TransitionRecord
	Basket      collateral.Status
	Ready       bool
	RefreshErr  error
}

// Run restores persisted state and begins the aligned refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.Restore(ctx); err != nil {
		return err
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.Tick(ctx, bucket)
		return err
	})
}

// Restore loads persisted snapshots into the registry and the basket.
func (s *Service) Restore(ctx context.Context) error {
	if s.deps.States == nil {
		return nil
	}
	snapshots, err := s.deps.States.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	restored := 0
	for _, snap := range snapshots {
		c, ok := s.registry.Get(snap.ID)
		if !ok {
			s.logger.Warn().Str("collateral", snap.ID).Msg("persisted state for unregistered collateral ignored")
			continue
		}
		if err := c.Restore(snap); err != nil {
			return fmt.Errorf("restore %s: %w", snap.ID, err)
		}
		restored++
	}

	if s.basket != nil {
		state, ok, err := s.deps.States.LoadBasketState(ctx, s.basket.Name())
		if err != nil {
			return fmt.Errorf("load basket state: %w", err)
		}
		if ok {
			if err := s.basket.Restore(state); err != nil {
				return err
			}
		}
	}
	s.logger.Info().Int("restored", restored).Msg("state restored")
	return nil
}

// Tick 执行单个时间桶的刷新逻辑。
func (s *Service) Tick(ctx context.Context, bucket time.Time) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return Report{At: bucket, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := s.deps.Now()
	report := s.execute(ctx, bucket)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTick(s.deps.Now().Sub(started))
	}
	return report, nil
}

func (s *Service) execute(ctx context.Context, bucket time.Time) Report {
	report := Report{RunID: uuid.New(), At: bucket}
	log := s.logger.With().Str("run_id", report.RunID.String()).Logger()

	before := s.registry.Statuses()
	refreshErrs := make(map[string]error)
	report.RefreshErr = s.registry.RefreshEach(ctx, func(c *collateral.Collateral, err error) {
		if err != nil {
			refreshErrs[c.ID()] = err
		}
	})

	report.Collaterals = s.snapshot(ctx, refreshErrs)

	for _, v := range report.Collaterals {
		from, known := before[v.ID]
		if !known || from == v.Status {
			continue
		}
		rec := storage.TransitionRecord{
			RunID:      report.RunID,
			Kind:       storage.KindCollateral,
			Subject:    v.ID,
			FromStatus: from.String(),
			ToStatus:   v.Status.String(),
			Reason:     v.Reason,
			At:         bucket,
		}
		report.Transitions = append(report.Transitions, rec)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveTransition(v.ID, v.Status)
		}
		if s.deps.Publisher != nil {
			if err := s.deps.Publisher.Announce(ctx, v.ID, from, v.Status, bucket); err != nil {
				log.Error().Err(err).Str("collateral", v.ID).Msg("failed to announce transition")
			}
		}
		s.alert(ctx, alerting.Notification{
			Kind:        storage.KindCollateral,
			Subject:     v.ID,
			From:        from,
			To:          v.Status,
			At:          bucket,
			WhenDefault: v.WhenDefault,
			Price:       v.Price,
			Reason:      rec.Reason,
		})
	}

	if s.basket != nil {
		s.trackBasket(ctx, &report)
	}

	s.persist(ctx, &report, log)
	s.publish(ctx, &report, log)

	log.Info().Time("bucket", bucket).
		Int("collaterals", len(report.Collaterals)).
		Int("transitions", len(report.Transitions)).
		Str("basket", report.Basket.String()).
		Bool("ready", report.Ready).
		AnErr("refresh_err", report.RefreshErr).
		Msg("tick recorded")
	return report
}

// snapshot reads the post-refresh prices of every collateral concurrently.
func (s *Service) snapshot(ctx context.Context, refreshErrs map[string]error) []View {
	all := s.registry.All()
	views := make([]View, len(all))

	var g errgroup.Group
	g.SetLimit(s.fanOut)
	for i, c := range all {
		g.Go(func() error {
			v := View{
				ID:         c.ID(),
				Flavor:     c.Flavor(),
				Status:     c.Status(),
				RefPerTok:  c.RefPerTok(),
				Reason:     c.Reason(),
				RefreshErr: refreshErrs[c.ID()],
			}
			v.WhenDefault, _ = c.WhenDefault()
			v.Price, v.Stale, v.PriceErr = c.Quote(ctx)
			lot, lotErr := c.LotPrice(ctx)
			if lotErr == nil {
				v.Lot = lot
			} else if v.PriceErr == nil {
				v.PriceErr = lotErr
			}
			views[i] = v
			return nil
		})
	}
	_ = g.Wait()
	return views
}

func (s *Service) trackBasket(ctx context.Context, report *Report) {
	tr, changed := s.basket.Track(report.At)
	report.Basket = s.basket.Status()
	report.Ready = s.basket.IsReady(report.At)

	if changed {
		report.Transitions = append(report.Transitions, storage.TransitionRecord{
			RunID:      report.RunID,
			Kind:       storage.KindBasket,
			Subject:    s.basket.Name(),
			FromStatus: tr.From.String(),
			ToStatus:   tr.To.String(),
			At:         tr.At,
		})
		s.alert(ctx, alerting.Notification{
			Kind:    storage.KindBasket,
			Subject: s.basket.Name(),
			From:    tr.From,
			To:      tr.To,
			At:      tr.At,
		})
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveBasket(s.basket.Name(), report.Basket, report.Ready)
	}
}

func (s *Service) persist(ctx context.Context, report *Report, log zerolog.Logger) {
	if s.deps.States != nil {
		snapshots := make([]collateral.Snapshot, 0, len(report.Collaterals))
		for _, c := range s.registry.All() {
			snapshots = append(snapshots, c.Snapshot())
		}
		if err := s.deps.States.SaveSnapshots(ctx, snapshots); err != nil {
			log.Error().Err(err).Msg("failed to save snapshots")
		}
		if s.basket != nil {
			if err := s.deps.States.SaveBasketState(ctx, s.basket.Name(), s.basket.State()); err != nil {
				log.Error().Err(err).Msg("failed to save basket state")
			}
		}
	}

	if s.deps.Samples != nil {
		samples := make([]storage.PriceSample, 0, len(report.Collaterals))
		for _, v := range report.Collaterals {
			samples = append(samples, sampleFromView(report.RunID, report.At, v))
		}
		if err := s.deps.Samples.InsertPriceSamples(ctx, samples); err != nil {
			log.Error().Err(err).Msg("failed to insert price samples")
		}
	}

	if s.deps.Transitions != nil {
		for i, rec := range report.Transitions {
			saved, err := s.deps.Transitions.InsertTransition(ctx, rec)
			if err != nil {
				log.Error().Err(err).Str("subject", rec.Subject).Msg("failed to persist transition")
				continue
			}
			report.Transitions[i] = saved
		}
	}
}

func (s *Service) publish(ctx context.Context, report *Report, log zerolog.Logger) {
	for _, v := range report.Collaterals {
		if s.deps.Metrics != nil {
			ref, _ := v.RefPerTok.Float64()
			s.deps.Metrics.ObserveCollateral(v.ID, v.Status, v.Price, ref, v.RefreshErr)
		}
		if s.deps.Publisher != nil {
			err := s.deps.Publisher.Put(ctx, cache.Entry{
				ID:          v.ID,
				Status:      v.Status,
				Low:         v.Price.Low,
				High:        v.Price.High,
				RefPerTok:   v.RefPerTok,
				WhenDefault: v.WhenDefault,
				UpdatedAt:   report.At,
			})
			if err != nil {
				log.Error().Err(err).Str("collateral", v.ID).Msg("failed to publish status")
			}
		}
	}
	if s.deps.Publisher != nil && s.basket != nil {
		if err := s.deps.Publisher.PutBasket(ctx, s.basket.Name(), report.Basket, report.Ready, report.At); err != nil {
			log.Error().Err(err).Msg("failed to publish basket status")
		}
	}
}

func (s *Service) alert(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	if note.To == collateral.Sound && !s.notifyRecovery {
		return
	}
	note.Channels = s.channels
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("subject", note.Subject).Msg("failed to dispatch alert")
	}
}

func sampleFromView(runID uuid.UUID, at time.Time, v View) storage.PriceSample {
	sample := storage.PriceSample{
		RunID:        runID,
		CollateralID: v.ID,
		SampledAt:    at,
		Status:       v.Status.String(),
		PriceLow:     v.Price.Low,
		PriceHigh:    v.Price.High,
		LotLow:       v.Lot.Low,
		LotHigh:      v.Lot.High,
		RefPerTok:    v.RefPerTok,
		Stale:        v.Stale,
	}
	for _, err := range []error{v.RefreshErr, v.PriceErr} {
		if err != nil {
			msg := err.Error()
			sample.Error = &msg
			break
		}
	}
	return sample
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
