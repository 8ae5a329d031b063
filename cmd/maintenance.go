package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// openStores migrates on open.
			st, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Component("migrate").Info("schema is up to date")
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	var sellerID, out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export one seller's data to a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sellerID == "" {
				return errors.New("--seller is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			path, err := st.backupUsecase().WriteFile(cmd.Context(), sellerID, out)
			if err != nil {
				return err
			}
			logger.Component("backup").WithField("seller", sellerID).Infof("backup written to %s", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sellerID, "seller", "", "seller id to export")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: BACKUP_DIR/<seller>-<timestamp>.json)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var sellerID, file, mode string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a backup file into a seller's account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sellerID == "" || file == "" {
				return errors.New("--seller and --file are required")
			}
			doc, err := usecases.ReadBackupFile(file)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := st.backupUsecase().Restore(cmd.Context(), sellerID, doc, usecases.RestoreMode(mode))
			if err != nil {
				return err
			}
			log := logger.Component("restore")
			for _, t := range report.Tables {
				log.WithFields(logrus.Fields{
					"table":    t.Table,
					"total":    t.Total,
					"inserted": t.Inserted,
					"skipped":  t.Skipped,
					"failed":   t.Failed,
				}).Info("table restored")
				for _, e := range t.Errors {
					log.WithField("table", t.Table).Warn(e)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sellerID, "seller", "", "target seller id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "backup file to load")
	cmd.Flags().StringVar(&mode, "mode", string(usecases.RestoreMerge), "merge or replace")
	return cmd
}
