package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"collateral-monitor/internal/app"
	"collateral-monitor/internal/storage"
)

var (
	showLimit   int
	showKind    string
	showSubject string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent status transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		switch showKind {
		case "", storage.KindCollateral, storage.KindBasket:
		default:
			return fmt.Errorf("--kind must be %q or %q", storage.KindCollateral, storage.KindBasket)
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:   showLimit,
			Kind:    showKind,
			Subject: showSubject,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of transitions to display")
	showCmd.Flags().StringVar(&showKind, "kind", "", "Only show collateral or basket transitions")
	showCmd.Flags().StringVar(&showSubject, "subject", "", "Only show transitions of one collateral or basket")
}
