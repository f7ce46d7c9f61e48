package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema migrations to the configured database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		gw, err := openStore(cmd.Context(), true)
		if err != nil {
			zlog.Error("Migration failed", zap.String("dialect", settings.Store.Dialect), zap.Error(err))
			return err
		}
		defer gw.Close()
		zlog.Info("Schema is up to date", zap.String("dialect", gw.Dialect().Name))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
