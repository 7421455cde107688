package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultSyncdYAML = `# syncd configuration
# Priority: CLI flag > SYNCQ_* environment > this file > default.

log:
  level: info          # debug | info | warn | error
  format: console      # console | json

store:
  driver: sqlite       # sqlite | postgres
  dsn: syncqueue.db
  # encryption_key: ""  # 32 bytes, hex or base64; seals payloads at rest

lock:
  backend: sql         # sql | redis
  stale_after: 30s

broadcast:
  backend: memory      # memory | redis

# redis:
#   url: redis://localhost:6379/0
#   prefix: "syncq:"

api:
  base_url: http://localhost:8081
  read_timeout: 10s
  write_timeout: 30s

breaker:
  failure_threshold: 3
  cooldown: 60s

queue:
  retention: 168h

drain:
  poll_interval: 30s

retention:
  schedule: "@hourly"

connectivity:
  check_interval: 15s

admin:
  addr: 127.0.0.1:8080
  allow_origins: []    # e.g. ["http://localhost:5173"] for the status UI

metrics:
  enabled: true
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration.

If --config is given the file is written to that path.
Otherwise it is written to ~/.syncqueue/syncd.yaml.
Fails if the file already exists unless --force is passed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".syncqueue", "syncd.yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultSyncdYAML), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
