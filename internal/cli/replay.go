package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collateral-monitor/internal/app"
)

var (
	replayCollateral string
	replayFrom       string
	replayTo         string
	replayLimit      int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild a collateral's status timeline from stored price samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayCollateral == "" {
			return fmt.Errorf("--collateral must be provided")
		}
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			CollateralID: replayCollateral,
			From:         from,
			To:           to,
			Limit:        replayLimit,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayCollateral, "collateral", "", "Collateral id to replay")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Maximum samples to replay (defaults to export.max_data_points)")
}
