/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/trading-core/internal/bootstrap"
	"github.com/spf13/cobra"
)

// tradingWorkerCmd represents the tradingWorker command
var tradingWorkerCmd = &cobra.Command{
	Use:   "trading-worker",
	Short: "Start the trading worker",
	Long: `The trading worker runs the full trading core in one process: it
ingests market data, evaluates risk, manages order state against the
venue, tracks positions and PnL, supervises trading bots and serves
the HTTP gateway.`,
	Run: bootstrap.StartTradingWorker,
}

func init() {
	rootCmd.AddCommand(tradingWorkerCmd)
}
