package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"collateral-monitor/internal/storage"
)

// Show prints recent status transitions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transitions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentTransitions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	records = filterTransitions(records, opts.Kind, opts.Subject)
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no transitions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tSubject\tFrom\tTo\tReason\tRun")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.At.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.Subject,
			rec.FromStatus,
			rec.ToStatus,
			sanitizeInline(rec.Reason),
			rec.RunID.String()[:8],
		)
	}

	return writer.Flush()
}

func filterTransitions(records []storage.TransitionRecord, kind, subject string) []storage.TransitionRecord {
	if kind == "" && subject == "" {
		return records
	}
	out := records[:0:0]
	for _, rec := range records {
		if kind != "" && rec.Kind != kind {
			continue
		}
		if subject != "" && rec.Subject != subject {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
