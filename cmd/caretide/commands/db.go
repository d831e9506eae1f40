package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/db"
	"github.com/caretide/dispatch/dispatch"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/logger"
	"github.com/caretide/dispatch/roster"
)

// DbCmd manages the dispatch database directly, without a running daemon.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the dispatch database",
}

var dbPath string

// sqlDB pairs a connection with the resolved path for status output.
type sqlDB struct {
	*sql.DB
	path string
}

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd, dbRosterImportCmd)
}

func openDatabase() (*sqlDB, error) {
	path := dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		path = cfg.Database.Path
	}
	conn, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return &sqlDB{DB: conn, path: path}, nil
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(database.DB, logger.Logger); err != nil {
			return errors.Wrap(err, "migration failed")
		}
		pterm.Success.Printf("Database at %s is up to date", database.path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := dispatch.NewStore(database.DB).Stats(cmd.Context())
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printf("Database: %s", database.path)
		rows := pterm.TableData{{"Table", "Rows"}}
		for _, table := range []string{"shifts", "candidates", "waves", "decisions", "audit_entries", "caregivers"} {
			rows = append(rows, []string{table, fmt.Sprintf("%d", stats[table])})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var dbRosterImportCmd = &cobra.Command{
	Use:   "import-roster <file.json>",
	Short: "Import caregivers from a JSON file",
	Long: `Import caregivers into the roster from a JSON array of caregiver records:

  [{"id": "cg-1", "name": "Ada", "channel": "sms", "address": "+15550100",
    "tags": ["cpr"], "on_leave": false}, ...]

Existing caregivers with the same id are updated in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", args[0])
		}
		var caregivers []roster.Caregiver
		if err := json.Unmarshal(raw, &caregivers); err != nil {
			return errors.Wrapf(err, "failed to parse %s", args[0])
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		store := roster.NewStore(database.DB)
		for _, c := range caregivers {
			if c.ID == "" || c.Address == "" {
				return errors.Newf("caregiver %q must have an id and an address", c.Name)
			}
			if err := store.UpsertCaregiver(cmd.Context(), c); err != nil {
				return errors.Wrapf(err, "failed to import caregiver %s", c.ID)
			}
		}
		pterm.Success.Printf("Imported %d caregivers into %s", len(caregivers), database.path)
		return nil
	},
}
