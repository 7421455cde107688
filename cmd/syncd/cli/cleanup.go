package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete synced records past the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newStoreApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.CleanupSynced(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced entries\n", n)
		return nil
	},
}
