package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "voxscribe",
	Short: "Telegram bot that turns voice notes into text",
	Long: `voxscribe long-polls Telegram for voice notes from its owner, converts
them with ffmpeg, recognizes them chunk by chunk and replies with the text.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot (default)",
	RunE:  runBot,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the persisted performance summary",
	RunE:  printMetrics,
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show a recorded task and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  showTask,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	metricsCmd.Flags().String("dir", "", "metrics directory (defaults to metrics.dir from the config)")
	taskCmd.Flags().String("dsn", "", "Postgres DSN (defaults to postgres.dsn from the config)")

	rootCmd.AddCommand(runCmd, metricsCmd, taskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
