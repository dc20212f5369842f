package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/service"
)

// Refresh runs a single tick against the configured oracles and prints the result.
func (a *App) Refresh(ctx context.Context) error {
	rt, err := a.newRuntime(ctx, nil, a.newNotifier())
	if err != nil {
		return err
	}
	defer rt.release()

	if err := rt.svc.Restore(ctx); err != nil {
		return err
	}
	report, err := rt.svc.Tick(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(os.Stdout, "another instance holds the advisory lock; nothing refreshed")
		return nil
	}
	return writeReport(os.Stdout, report)
}

func writeReport(out io.Writer, report service.Report) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Collateral\tFlavor\tStatus\tPrice\tLot\tRefPerTok\tDefault at\tError")
	for _, v := range report.Collaterals {
		errMsg := ""
		switch {
		case v.RefreshErr != nil:
			errMsg = sanitizeInline(v.RefreshErr.Error())
		case v.PriceErr != nil:
			errMsg = sanitizeInline(v.PriceErr.Error())
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID,
			v.Flavor,
			v.Status,
			formatBand(v.Price),
			formatBand(v.Lot),
			formatDecimal(v.RefPerTok, 6),
			formatTime(v.WhenDefault),
			errMsg,
		)
	}
	fmt.Fprintf(writer, "\nbasket\t\t%s\tready=%t\t\t\t\t\n", report.Basket, report.Ready)
	return writer.Flush()
}

func formatBand(b collateral.Band) string {
	if b.IsUnpriced() {
		return "unpriced"
	}
	return formatDecimal(b.Low, 6) + " - " + formatDecimal(b.High, 6)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
