package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jwalitptl/syncqueue/internal/config"
	"github.com/jwalitptl/syncqueue/pkg/logger"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:          "syncd",
	Short:        "Offline-first submission queue for compliance records",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/syncd/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./syncd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("store-dsn", "syncqueue.db", "queue database DSN")
	rootCmd.PersistentFlags().String("api-url", "http://localhost:8081", "backend base URL")
	bindFlag("log.level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("store.dsn", rootCmd.PersistentFlags(), "store-dsn")
	bindFlag("api.base_url", rootCmd.PersistentFlags(), "api-url")

	rootCmd.AddCommand(
		serveCmd,
		enqueueCmd,
		statusCmd,
		drainCmd,
		cleanupCmd,
		failedCmd,
		newInitCmd(),
	)
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		fmt.Fprintln(os.Stderr, "config:", used)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: "15:04:05",
		Output:     os.Stderr,
		JSON:       cfg.Log.Format == "json",
	})
	return cfg, log, nil
}

func bindFlag(key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}
