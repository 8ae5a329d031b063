package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/config"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.L().Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pscontrol",
		Short:         "IPTV reseller panel: clients, billing and WhatsApp bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newBackupCmd(), newRestoreCmd())
	return root
}

// loadConfig reads the environment and configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFile)
	return cfg, nil
}
