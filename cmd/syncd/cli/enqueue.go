package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/syncqueue/internal/model"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Store a record in the local queue",
	Long: `Store a record in the local queue. Nothing is sent; the record is
delivered by the next drain. The idempotency key is printed on success.`,
	RunE: runEnqueue,
}

func init() {
	f := enqueueCmd.Flags()
	f.String("type", "", "log type (required)")
	f.String("location", "", "location id (required)")
	f.String("employee", "", "employee id (required)")
	f.String("data", "{}", "record data as JSON")
	_ = enqueueCmd.MarkFlagRequired("type")
	_ = enqueueCmd.MarkFlagRequired("location")
	_ = enqueueCmd.MarkFlagRequired("employee")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	logType, _ := f.GetString("type")
	location, _ := f.GetString("location")
	employee, _ := f.GetString("employee")
	data, _ := f.GetString("data")

	if !json.Valid([]byte(data)) {
		return apperrors.Validation("data", "data must be valid JSON")
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStoreApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.queue.Enqueue(cmd.Context(), model.Payload{
		LogType:    logType,
		LocationID: location,
		EmployeeID: employee,
		Data:       json.RawMessage(data),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
