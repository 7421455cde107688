package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending, failed and synced counts",
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

		st, err := a.queue.Status(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pending: %d\nfailed:  %d\nsynced:  %d\n", st.Pending, st.Failed, st.Synced)

		holder, err := a.locker.Holder(cmd.Context())
		if err != nil {
			return err
		}
		if holder != nil {
			fmt.Fprintf(out, "drain lock: %s since %s\n", holder.Owner, holder.Timestamp.Format("15:04:05"))
		}
		return nil
	},
}
