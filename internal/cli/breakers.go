package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tradeguard/internal/app"
	"tradeguard/internal/breaker"
)

var (
	breakersTenant string
	listEvents     int
	tripReason     string
	resetToken     string

	checkStrategy  string
	checkAsset     string
	checkLoss      float64
	checkDeviation float64
	checkErrorRate float64
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Inspect and operate circuit breakers",
}

var breakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the breakers of a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		if listEvents < 0 {
			return fmt.Errorf("--events must not be negative")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{TenantID: breakersTenant, Events: listEvents})
	},
}

var breakersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate breakers for a trading context",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		tc := breaker.TradingContext{StrategyID: checkStrategy, AssetID: checkAsset}
		if cmd.Flags().Changed("loss-percent") {
			tc.RecentLossPercent = &checkLoss
		}
		if cmd.Flags().Changed("deviation-percent") {
			tc.PriceDeviation = &checkDeviation
		}
		if cmd.Flags().Changed("error-rate") {
			tc.RecentErrorRate = &checkErrorRate
		}
		allowed, err := getApp().Check(cmd.Context(), breakersTenant, tc)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.New("trading blocked by open breakers")
		}
		return nil
	},
}

func actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <breaker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(); err != nil {
				return err
			}
			return getApp().BreakerAction(cmd.Context(), app.BreakerActionOptions{
				TenantID:  breakersTenant,
				BreakerID: args[0],
				Action:    action,
				Reason:    tripReason,
				AuthToken: resetToken,
			})
		},
	}
}

var breakersSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one auto-reset pass over every tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context())
	},
}

func requireTenant() error {
	if breakersTenant == "" {
		return errors.New("--tenant must be provided")
	}
	return nil
}

func init() {
	breakersCmd.PersistentFlags().StringVar(&breakersTenant, "tenant", "", "Tenant id")

	breakersListCmd.Flags().IntVar(&listEvents, "events", 0, "Also print the last N events of each breaker")

	breakersCheckCmd.Flags().StringVar(&checkStrategy, "strategy", "", "Strategy id of the trading context")
	breakersCheckCmd.Flags().StringVar(&checkAsset, "asset", "", "Asset id of the trading context")
	breakersCheckCmd.Flags().Float64Var(&checkLoss, "loss-percent", 0, "Recent loss percent supplied by the caller")
	breakersCheckCmd.Flags().Float64Var(&checkDeviation, "deviation-percent", 0, "Current price deviation percent")
	breakersCheckCmd.Flags().Float64Var(&checkErrorRate, "error-rate", 0, "Recent error rate percent")

	tripCmd := actionCmd(app.ActionTrip, "Manually trip a breaker")
	tripCmd.Flags().StringVar(&tripReason, "reason", "", "Reason recorded with the trip")
	resetCmd := actionCmd(app.ActionReset, "Manually reset a breaker to CLOSED")
	resetCmd.Flags().StringVar(&resetToken, "auth-token", "", "Operator token, required to reset an OPEN breaker")

	breakersCmd.AddCommand(breakersListCmd)
	breakersCmd.AddCommand(breakersCheckCmd)
	breakersCmd.AddCommand(tripCmd)
	breakersCmd.AddCommand(resetCmd)
	breakersCmd.AddCommand(actionCmd(app.ActionHalfOpen, "Move an OPEN breaker whose cooldown elapsed to HALF_OPEN"))
	breakersCmd.AddCommand(breakersSweepCmd)
}
