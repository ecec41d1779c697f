package cli

import (
	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var (
	simulateSource string
	simulateTenant string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次熔断或数据质量告警并发送到已配置通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Source:   simulateSource,
			TenantID: simulateTenant,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", app.SimulateBreaker, "告警来源：breaker 或 quality")
	simulateCmd.Flags().StringVar(&simulateTenant, "tenant", "", "熔断告警使用的租户")
}
