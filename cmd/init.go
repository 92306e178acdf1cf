package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/fortunebot/fortunebot"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"log/slog"
	"os"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, and the meta record if the shared pool is enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

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

		handler := tint.NewHandler(
			os.Stderr,
			&tint.Options{Level: cfg.DatabaseLogLevel},
		)
		db, err := fortunebot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			handler,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		store := fortunebot.NewDatabase(db, slog.New(handler))
		defer func() {
			_ = store.Close()
		}()
		fmt.Fprintln(out, "Database initialized.")

		if cfg.Dispenser.SharedPool {
			content, err := fortunebot.LoadContent(cfg.Dispenser.ContentFile)
			if err != nil {
				return err
			}
			meta, created, err := fortunebot.InitMetaRecord(
				ctx,
				store,
				content.Size(),
			)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(
					out,
					"Created meta record, seeded with %d drawn indices.\n",
					meta.Drawn.Len(),
				)
			} else {
				fmt.Fprintln(out, "Meta record already exists.")
			}
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
