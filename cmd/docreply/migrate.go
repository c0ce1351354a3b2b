package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/abcotronics/docreply/internal/database"
)

var printSchemaFlag bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the comment, send log and outbound record tables",
	Long: `Migrate applies the schema for the configured driver. Statements are
idempotent, so running it against an up-to-date database is a no-op.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&printSchemaFlag, "print", false, "Print the statements instead of executing them")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	if printSchemaFlag {
		driver, err := database.NormalizeDriver(cfg.Database.Driver)
		if err != nil {
			return err
		}
		for _, stmt := range database.SchemaStatements(driver) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
		}
		return nil
	}

	db, err := database.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(cmd.Context(), db); err != nil {
		return err
	}
	logger.Printf("schema up to date (%s)", db.DriverName())
	return nil
}
