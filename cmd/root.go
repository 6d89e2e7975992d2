package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tanneberger/platin/analytics"
)

var rootCmd = &cobra.Command{
	Use:   "platin",
	Short: "platin - WCET analysis toolkit",
	Long:  `platin builds integer linear programs that bound the worst-case execution time of a program.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		disableMetrics, _ := cmd.Flags().GetBool("disable-metrics") //nolint:all
		analytics.LoadEnvFile()
		analytics.Init(disableMetrics)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().Bool("disable-metrics", false, "Disable metrics collection")
}
