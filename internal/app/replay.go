package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/oracle"
	"collateral-monitor/internal/storage"
)

// Replay rebuilds a collateral's status timeline from stored price samples using the
// current configuration, and reports where it diverges from what was recorded.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	cc, ok := a.Config.FindCollateral(opts.CollateralID)
	if !ok {
		return fmt.Errorf("unknown collateral %q", opts.CollateralID)
	}
	if !opts.From.Before(opts.To) {
		return errors.New("回放范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回放")
	}
	if closeStore != nil {
		defer closeStore()
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.ResolveMaxPoints(0)
	}
	samples, err := store.ListSamplesBetween(ctx, cc.ID, opts.From.UTC(), opts.To.UTC(), limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	diverged, err := replay(ctx, os.Stdout, cc, samples, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("samples", len(samples)).Int("diverged", diverged).Msg("回放完成")
	return nil
}

// replay feeds each stored sample back through a fresh collateral. The peg is recovered
// from the band midpoint, so flavors whose price includes a separate target feed cannot
// be replayed.
func replay(ctx context.Context, out io.Writer, cc config.CollateralConfig, samples []storage.PriceSample, logger zerolog.Logger) (int, error) {
	if strings.EqualFold(cc.Flavor, collateral.FlavorNonFiat) ||
		strings.EqualFold(cc.BaseFlavor, collateral.FlavorNonFiat) ||
		cc.Target.Source != "" {
		return 0, fmt.Errorf("%s: replay needs the target price, which samples do not record", cc.ID)
	}

	var simNow time.Time
	now := func() time.Time { return simNow }

	feeds := newScriptedFeeds(cc, nil)
	flavor, err := buildFlavor(cc, feeds.feeds)
	if err != nil {
		return 0, err
	}
	coll, err := collateral.New(cc.Collateral(), flavor, collateral.WithClock(now), collateral.WithLogger(logger))
	if err != nil {
		return 0, err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRecorded\tReplayed\tPeg\tRefPerTok\tNote")

	diverged := 0
	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return diverged, err
		}
		simNow = sample.SampledAt

		peg := replayInput(feeds, sample)
		note := ""
		if err := coll.Refresh(ctx); err != nil {
			note = sanitizeInline(err.Error())
		}

		replayed := coll.Status()
		if replayed.String() != sample.Status {
			diverged++
			note = strings.TrimSpace("diverged " + note)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.Status,
			replayed,
			peg,
			formatDecimal(sample.RefPerTok, 6),
			note,
		)
	}
	fmt.Fprintf(writer, "\n%d of %d samples diverged\n", diverged, len(samples))
	return diverged, writer.Flush()
}

// replayInput configures the static feeds for one sample and describes the peg it used.
func replayInput(feeds *scriptedFeeds, sample storage.PriceSample) string {
	band := collateral.Band{Low: sample.PriceLow, High: sample.PriceHigh}
	switch {
	case sample.Error != nil:
		feeds.fail(errors.Join(oracle.ErrRevert, errors.New(*sample.Error)))
		return "fault"
	case sample.Stale:
		// feeds keep their previous timestamp and go stale
		return "stale"
	case band.IsZero() || sample.RefPerTok.Sign() <= 0:
		feeds.setPeg(decimal.Zero, sample.SampledAt)
		feeds.rate.Set(nonZero(sample.RefPerTok), sample.SampledAt)
		return "0"
	}
	peg := band.Mid().Div(sample.RefPerTok)
	feeds.setPeg(peg, sample.SampledAt)
	feeds.rate.Set(sample.RefPerTok, sample.SampledAt)
	return peg.StringFixed(6)
}

func nonZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.NewFromInt(1)
	}
	return d
}
