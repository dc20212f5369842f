package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/alerting"
	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/oracle"
	"collateral-monitor/internal/storage"
)

// Simulate 用静态预言机驱动一个已配置的抵押品，逐步打印状态并可选地触发告警。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	cc, ok := a.Config.FindCollateral(opts.CollateralID)
	if !ok {
		return fmt.Errorf("unknown collateral %q", opts.CollateralID)
	}

	var notifier alerting.Notifier
	if opts.Alert {
		notifier = a.newNotifier()
		if notifier == nil {
			return errors.New("alerting 未启用，无法模拟告警")
		}
	}

	return simulate(ctx, os.Stdout, cc, opts, notifier, time.Now().UTC(), a.Logger)
}

// scriptedFeeds replaces every configured oracle with a static value. With a clock the
// samples are always fresh; without one they carry the timestamp passed to set.
type scriptedFeeds struct {
	pegs   []*oracle.Static
	target *oracle.Static
	rate   *oracle.Static
	feeds  flavorFeeds
}

func newScriptedFeeds(cc config.CollateralConfig, now func() time.Time) *scriptedFeeds {
	s := &scriptedFeeds{
		target: oracle.NewLiveStatic(cc.TargetUnit, decimal.NewFromInt(1), now),
		rate:   oracle.NewLiveStatic("refPerTok", decimal.NewFromInt(1), now),
	}
	peg := oracle.NewLiveStatic(cc.RefUnit+"/"+cc.TargetUnit, decimal.NewFromInt(1), now)
	s.pegs = append(s.pegs, peg)
	s.feeds = flavorFeeds{peg: peg, target: s.target, rate: s.rate}
	for _, coin := range cc.Coins {
		c := oracle.NewLiveStatic(coin.Pair, decimal.NewFromInt(1), now)
		s.pegs = append(s.pegs, c)
		s.feeds.coins = append(s.feeds.coins, c)
	}
	if cc.Target.Source == "" {
		s.feeds.target = nil
	}
	return s
}

func (s *scriptedFeeds) setPeg(v decimal.Decimal, ts time.Time) {
	for _, p := range s.pegs {
		p.Set(v, ts)
	}
}

func (s *scriptedFeeds) fail(err error) {
	for _, p := range s.pegs {
		p.Fail(err)
	}
}

func parseSeries(name string, values []string, fallback decimal.Decimal) ([]decimal.Decimal, error) {
	if len(values) == 0 {
		return []decimal.Decimal{fallback}, nil
	}
	out := make([]decimal.Decimal, 0, len(values))
	for _, raw := range values {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s value %q: %w", name, raw, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// at returns series[i], holding the last value once the series runs out.
func at(series []decimal.Decimal, i int) decimal.Decimal {
	if i >= len(series) {
		return series[len(series)-1]
	}
	return series[i]
}

func simulate(ctx context.Context, out io.Writer, cc config.CollateralConfig, opts SimulateOptions, notifier alerting.Notifier, start time.Time, logger zerolog.Logger) error {
	if opts.Steps <= 0 {
		return errors.New("--steps must be greater than zero")
	}
	if opts.Step <= 0 {
		return errors.New("--step must be greater than zero")
	}
	pegs, err := parseSeries("peg", opts.Peg, decimal.NewFromInt(1))
	if err != nil {
		return err
	}
	rates, err := parseSeries("ref-per-tok", opts.RefPerTok, decimal.NewFromInt(1))
	if err != nil {
		return err
	}
	target := decimal.NewFromInt(1)
	if opts.Target != "" {
		if target, err = decimal.NewFromString(opts.Target); err != nil {
			return fmt.Errorf("invalid --target value %q: %w", opts.Target, err)
		}
	}

	simNow := start
	now := func() time.Time { return simNow }

	feeds := newScriptedFeeds(cc, now)
	feeds.target.Set(target, time.Time{})
	flavor, err := buildFlavor(cc, feeds.feeds)
	if err != nil {
		return err
	}
	coll, err := collateral.New(cc.Collateral(), flavor, collateral.WithClock(now), collateral.WithLogger(logger))
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Step\tTime (UTC)\tPeg\tRefPerTok\tStatus\tPrice\tLot\tDefault at\tNote")

	for i := 0; i < opts.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		feeds.setPeg(at(pegs, i), time.Time{})
		feeds.rate.Set(at(rates, i), time.Time{})

		before := coll.Status()
		note := ""
		if err := coll.Refresh(ctx); err != nil {
			note = sanitizeInline(err.Error())
		}
		price, err := coll.Price(ctx)
		if err != nil {
			price = collateral.Unpriced
		}
		lot, err := coll.LotPrice(ctx)
		if err != nil {
			lot = collateral.ZeroBand
		}
		whenDefault, _ := coll.WhenDefault()

		after := coll.Status()
		if after != before {
			note = coll.Reason()
			if notifier != nil {
				alertErr := notifier.Notify(ctx, alerting.Notification{
					Kind:          storage.KindCollateral,
					Subject:       cc.ID,
					From:          before,
					To:            after,
					At:            simNow,
					WhenDefault:   whenDefault,
					Price:         price,
					Reason:        note,
					AdditionalMsg: "simulated",
				})
				if alertErr != nil {
					return alertErr
				}
			}
		}

		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i,
			simNow.Format(time.RFC3339),
			at(pegs, i).String(),
			at(rates, i).String(),
			after,
			formatBand(price),
			formatBand(lot),
			formatTime(whenDefault),
			note,
		)
		simNow = simNow.Add(opts.Step)
	}
	return writer.Flush()
}
