package cmd

import (
	"github.com/spf13/cobra"
)

// migrateCmd creates the durable tables.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the registry tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.logger.Info("Registry tables are up to date")
		return nil
	},
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}
