package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"collateral-monitor/internal/app"
)

var (
	simulateCollateral string
	simulatePeg        []string
	simulateTarget     string
	simulateRefPerTok  []string
	simulateSteps      int
	simulateStep       time.Duration
	simulateAlert      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用静态价格模拟抵押品状态变化",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCollateral == "" {
			return errors.New("--collateral 必须提供")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			CollateralID: simulateCollateral,
			Peg:          simulatePeg,
			Target:       simulateTarget,
			RefPerTok:    simulateRefPerTok,
			Steps:        simulateSteps,
			Step:         simulateStep,
			Alert:        simulateAlert,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCollateral, "collateral", "", "Configured collateral id")
	simulateCmd.Flags().StringSliceVar(&simulatePeg, "peg", nil, "targetPerRef per step, last value repeats (e.g. 1,0.97,0.9)")
	simulateCmd.Flags().StringVar(&simulateTarget, "target", "", "pricePerTarget for non-fiat flavors")
	simulateCmd.Flags().StringSliceVar(&simulateRefPerTok, "ref-per-tok", nil, "refPerTok per step, last value repeats")
	simulateCmd.Flags().IntVar(&simulateSteps, "steps", 5, "Number of refreshes")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", time.Hour, "Simulated time between refreshes")
	simulateCmd.Flags().BoolVar(&simulateAlert, "alert", false, "发送模拟告警")
}
