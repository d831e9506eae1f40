package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/errors"
)

// AuditCmd inspects a shift's audit trail through the daemon. Bare
// `caretide audit <shift-id>` is shorthand for the trail subcommand.
var AuditCmd = &cobra.Command{
	Use:   "audit <shift-id>",
	Short: "Inspect shift audit trails",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return auditTrailCmd.RunE(cmd, args)
	},
}

var auditJSON bool

func init() {
	AuditCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Daemon base URL (default from config)")
	auditTrailCmd.Flags().BoolVar(&auditJSON, "json", false, "Print raw JSON entries")
	AuditCmd.AddCommand(auditTrailCmd, auditReplayCmd)
}

var auditTrailCmd = &cobra.Command{
	Use:   "trail <shift-id>",
	Short: "Print the ordered audit trail for a shift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		var resp struct {
			ShiftID string        `json:"shift_id"`
			Entries []audit.Entry `json:"entries"`
		}
		if err := client.Get(cmd.Context(), "/api/shifts/"+args[0]+"/audit", &resp); err != nil {
			return err
		}
		if auditJSON {
			out, err := json.MarshalIndent(resp.Entries, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode entries")
			}
			fmt.Println(string(out))
			return nil
		}

		rows := pterm.TableData{{"Seq", "Time", "Kind", "Actor", "Detail"}}
		for _, e := range resp.Entries {
			rows = append(rows, []string{
				fmt.Sprintf("%d", e.Seq),
				e.CreatedAt.Local().Format("15:04:05.000"),
				string(e.Kind),
				e.Actor,
				payloadSummary(e.Payload),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// payloadSummary flattens a JSON payload into "k=v" pairs for the table.
func payloadSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(payload))
	for _, key := range []string{"caregiver_id", "winner_id", "wave", "reason", "trigger", "intent", "reply_id", "detail"} {
		if v, ok := payload[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
			delete(payload, key)
		}
	}
	for k, v := range payload {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <shift-id>",
	Short: "Fold the audit trail into derived state",
	Long: `Replay a shift's audit trail into the state it implies. Comparing the
result against the stored shift is how you verify the trail fully explains
the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		var state audit.ReplayState
		if err := client.Get(cmd.Context(), "/api/shifts/"+args[0]+"/replay", &state); err != nil {
			return err
		}

		pterm.DefaultSection.Printf("Replayed state for %s", args[0])
		pterm.Printf("Shift state:   %s\n", state.ShiftState)
		if state.WinnerID != "" {
			pterm.Printf("Winner:        %s\n", state.WinnerID)
		}
		if state.DecisionReason != "" {
			pterm.Printf("Decision:      %s\n", state.DecisionReason)
		}
		pterm.Printf("Waves opened:  %d\n", state.WavesOpened)
		pterm.Printf("Escalations:   %d\n", state.Escalations)
		pterm.Printf("Late replies:  %d\n", state.LateReplies)
		if len(state.CandidateStatus) > 0 {
			rows := pterm.TableData{{"Caregiver", "Status"}}
			for id, status := range state.CandidateStatus {
				rows = append(rows, []string{id, status})
			}
			pterm.Println()
			pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		}
		return nil
	},
}
