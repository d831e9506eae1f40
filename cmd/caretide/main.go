package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caretide/dispatch/cmd/caretide/commands"
	"github.com/caretide/dispatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "caretide",
	Short: "Caretide - real-time caregiver shift dispatch",
	Long: `Caretide - real-time shift dispatch for home-care agencies.

Caretide fills open care shifts by ranking eligible caregivers, sending
offers out in waves over SMS and voice, reconciling replies so exactly one
caregiver wins each shift, and escalating to a human dispatcher when
automation runs out of road. Every action is recorded in an append-only
audit log.

Available commands:
  serve   - Start the dispatch engine and HTTP API
  shift   - Open, inspect, cancel, assign, and reopen shifts
  audit   - Show a shift's audit trail
  db      - Manage the Caretide database
  config  - Manage Caretide configuration
  version - Show version information

Examples:
  caretide serve                       # Start the dispatch daemon
  caretide shift open --client c-17 --start 2026-09-02T09:00:00Z --end 2026-09-02T13:00:00Z
  caretide audit <shift-id>            # Show what happened to a shift
  caretide db stats                    # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() != "show" {
			if err := logger.Initialize(false); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ShiftCmd)
	rootCmd.AddCommand(commands.AuditCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
