// Command genwavectl is the operator CLI for the Gen Wave connector.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ofirs1988/genwave-sub001/app"
	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "genwavectl",
	Short:         "Operate the Gen Wave connector database and connection",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		logging.MustSetup(cfg.Logs)
		return app.InitDB(cmd.Context(), cfg.DB)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = app.CloseDB()
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, connectionCmd, usageCmd, syncCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
