package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/storage"
)

// Export renders one collateral's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if _, ok := a.Config.FindCollateral(opts.CollateralID); !ok {
		return fmt.Errorf("unknown collateral %q", opts.CollateralID)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, opts.CollateralID, from, to, math.MaxInt32)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("collateral", opts.CollateralID).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	var written []string
	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
		written = append(written, opts.CSVPath)
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, opts.CollateralID, downsampled); err != nil {
			return err
		}
		written = append(written, opts.PNGPath)
	}

	if !opts.Upload {
		return nil
	}
	uploader, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if uploader == nil {
		return errors.New("archive not enabled; cannot upload export")
	}
	stamp := to.Format("20060102T150405Z")
	for _, path := range written {
		name := fmt.Sprintf("%s/%s-%s", opts.CollateralID, stamp, filepath.Base(path))
		key, err := uploader.UploadFile(ctx, path, name)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("key", key).Msg("export archived")
	}
	return nil
}

func downsampleSamples(samples []storage.PriceSample, max int) []storage.PriceSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.PriceSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"sampled_at", "collateral_id", "status", "price_low", "price_high", "lot_low", "lot_high", "ref_per_tok", "run_id", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		record := []string{
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.CollateralID,
			sample.Status,
			sample.PriceLow.String(),
			sample.PriceHigh.String(),
			sample.LotLow.String(),
			sample.LotHigh.String(),
			sample.RefPerTok.String(),
			sample.RunID.String(),
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeSamplesPNG plots the price band and lot band. Unpriced samples are plotted at zero
// so the upper bound sentinel does not flatten the chart.
func writeSamplesPNG(path, title string, samples []storage.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	low := make([]float64, len(samples))
	high := make([]float64, len(samples))
	lotLow := make([]float64, len(samples))
	lotHigh := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.SampledAt
		if !(collateral.Band{Low: sample.PriceLow, High: sample.PriceHigh}).IsUnpriced() {
			low[i] = sample.PriceLow.InexactFloat64()
			high[i] = sample.PriceHigh.InexactFloat64()
		}
		lotLow[i] = sample.LotLow.InexactFloat64()
		lotHigh[i] = sample.LotHigh.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Price low", XValues: x, YValues: low},
			chart.TimeSeries{Name: "Price high", XValues: x, YValues: high},
			chart.TimeSeries{
				Name:    "Lot low",
				XValues: x,
				YValues: lotLow,
				Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
			},
			chart.TimeSeries{
				Name:    "Lot high",
				XValues: x,
				YValues: lotHigh,
				Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
