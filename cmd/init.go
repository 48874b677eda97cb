package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/manifestbot/manifestbot"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and default runtime config",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := manifestbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		var runtimeConfig manifestbot.RuntimeConfig
		rv := db.WithContext(ctx).Last(&runtimeConfig)
		switch {
		case rv.Error == nil:
			fmt.Fprintln(out, "Runtime config already exists.")
		case errors.Is(rv.Error, gorm.ErrRecordNotFound):
			runtimeConfig = manifestbot.DefaultRuntimeConfig()
			if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
			fmt.Fprintln(out, "Created default runtime config.")
		default:
			return fmt.Errorf("error retrieving runtime config: %w", rv.Error)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
