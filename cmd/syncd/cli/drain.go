package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver pending records now",
	Long: `Deliver pending records now. The access token lives only in memory,
so a one-shot drain signs in first when --identifier is given; the secret
is read from SYNCQ_SECRET. Without it the drain stops with authRequired.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().String("identifier", "", "sign in as this user before draining")
}

func runDrain(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if identifier, _ := cmd.Flags().GetString("identifier"); identifier != "" {
		if err := a.session.Login(cmd.Context(), identifier, os.Getenv("SYNCQ_SECRET")); err != nil {
			return err
		}
	}
	a.monitor.Check(cmd.Context())

	result, err := a.drainer.DrainNow(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "synced: %d\nfailed: %d\n", result.Synced, result.Failed)
	switch {
	case result.AuthRequired:
		fmt.Fprintln(out, "stopped: sign-in required")
	case result.Stopped:
		fmt.Fprintln(out, "stopped: will retry on the next drain")
	}
	return nil
}
