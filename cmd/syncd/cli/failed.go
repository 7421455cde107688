package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect records the backend rejected",
}

func init() {
	failedCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List failed records",
			RunE:  runFailedList,
		},
		&cobra.Command{
			Use:   "retry <idempotency-key>",
			Short: "Move a failed record back to pending",
			Args:  cobra.ExactArgs(1),
			RunE:  runFailedRetry,
		},
		&cobra.Command{
			Use:   "ack <idempotency-key>",
			Short: "Acknowledge and delete a failed record",
			Args:  cobra.ExactArgs(1),
			RunE:  runFailedAck,
		},
	)
}

func runFailedList(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStoreApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.queue.ListFailed(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTYPE\tATTEMPTS\tFIELD\tREASON")
	for _, e := range entries {
		field, reason := "", ""
		if e.Error != nil {
			field, reason = e.Error.Field, e.Error.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.IdempotencyKey, e.Payload.LogType, e.Attempts, field, reason)
	}
	return w.Flush()
}

func runFailedRetry(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStoreApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.queue.Retry(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", args[0])
	return nil
}

func runFailedAck(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStoreApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.queue.Acknowledge(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged\n", args[0])
	return nil
}
