package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/dispatch"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/internal/apiclient"
	"github.com/caretide/dispatch/server"
)

// ShiftCmd groups the shift operations. They all go through the running
// daemon's HTTP API so the engine stays the single writer.
var ShiftCmd = &cobra.Command{
	Use:   "shift",
	Short: "Open, inspect, and intervene on shifts",
}

var (
	serverURL string

	openClientID string
	openStart    string
	openEnd      string
	openDeadline string
	openTags     []string
	openActor    string

	assignCaregiver string
	interveneActor  string

	showJSON bool
)

func init() {
	ShiftCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Daemon base URL (default from config)")

	shiftOpenCmd.Flags().StringVar(&openClientID, "client", "", "Client the shift covers (required)")
	shiftOpenCmd.Flags().StringVar(&openStart, "start", "", "Shift start, RFC 3339 (required)")
	shiftOpenCmd.Flags().StringVar(&openEnd, "end", "", "Shift end, RFC 3339 (required)")
	shiftOpenCmd.Flags().StringVar(&openDeadline, "deadline", "", "Fill deadline, RFC 3339 (default: shift start)")
	shiftOpenCmd.Flags().StringSliceVar(&openTags, "tag", nil, "Required skill tag (repeatable)")
	shiftOpenCmd.Flags().StringVar(&openActor, "actor", "", "Operator performing the action")
	shiftOpenCmd.MarkFlagRequired("client")
	shiftOpenCmd.MarkFlagRequired("start")
	shiftOpenCmd.MarkFlagRequired("end")

	shiftShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print the raw JSON read model")

	shiftAssignCmd.Flags().StringVar(&assignCaregiver, "caregiver", "", "Caregiver to assign (required)")
	shiftAssignCmd.MarkFlagRequired("caregiver")

	for _, c := range []*cobra.Command{shiftCancelCmd, shiftAssignCmd, shiftReopenCmd} {
		c.Flags().StringVar(&interveneActor, "actor", "", "Operator performing the action")
	}

	ShiftCmd.AddCommand(shiftOpenCmd, shiftShowCmd, shiftCancelCmd, shiftAssignCmd, shiftReopenCmd)
}

// daemonClient resolves the daemon URL from --server or the config file.
func daemonClient() (*apiclient.Client, error) {
	if serverURL != "" {
		return apiclient.New(serverURL), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return apiclient.New(apiclient.LocalBaseURL(cfg.Server.Port)), nil
}

var shiftOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a shift and start outreach",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		spec := dispatch.ShiftSpec{
			ClientID:     openClientID,
			RequiredTags: openTags,
			Actor:        openActor,
		}
		if spec.StartAt, err = time.Parse(time.RFC3339, openStart); err != nil {
			return errors.Wrap(err, "invalid --start")
		}
		if spec.EndAt, err = time.Parse(time.RFC3339, openEnd); err != nil {
			return errors.Wrap(err, "invalid --end")
		}
		if openDeadline != "" {
			if spec.FillDeadline, err = time.Parse(time.RFC3339, openDeadline); err != nil {
				return errors.Wrap(err, "invalid --deadline")
			}
		}

		var sh dispatch.Shift
		if err := client.Post(cmd.Context(), "/api/shifts", spec, &sh); err != nil {
			return err
		}
		pterm.Success.Printf("Shift %s opened for client %s", sh.ID, sh.ClientID)
		pterm.Info.Printf("Fill deadline: %s", sh.FillDeadline.Local().Format(time.RFC3339))
		return nil
	},
}

var shiftShowCmd = &cobra.Command{
	Use:   "show <shift-id>",
	Short: "Show a shift with its candidates, waves, and decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		var detail server.ShiftDetail
		if err := client.Get(cmd.Context(), "/api/shifts/"+args[0], &detail); err != nil {
			return err
		}
		if showJSON {
			out, err := json.MarshalIndent(detail, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode shift detail")
			}
			fmt.Println(string(out))
			return nil
		}
		renderShiftDetail(detail)
		return nil
	},
}

func renderShiftDetail(detail server.ShiftDetail) {
	sh := detail.Shift
	pterm.DefaultSection.Printf("Shift %s", sh.ID)
	pterm.Printf("Client:    %s\n", sh.ClientID)
	pterm.Printf("State:     %s\n", stateTag(sh.State))
	pterm.Printf("Window:    %s → %s\n",
		sh.StartAt.Local().Format("Mon Jan 2 15:04"),
		sh.EndAt.Local().Format("15:04"))
	pterm.Printf("Deadline:  %s\n", sh.FillDeadline.Local().Format("Mon Jan 2 15:04"))
	if len(sh.RequiredTags) > 0 {
		pterm.Printf("Requires:  %v\n", sh.RequiredTags)
	}

	if detail.Decision != nil {
		d := detail.Decision
		pterm.Println()
		if d.WinnerID != "" {
			pterm.Success.Printf("Decision: %s won (%s) at %s",
				d.WinnerID, d.Reason, d.DecidedAt.Local().Format("15:04:05"))
		} else {
			pterm.Warning.Printf("Decision: %s at %s", d.Reason, d.DecidedAt.Local().Format("15:04:05"))
		}
	}

	if len(detail.Waves) > 0 {
		rows := pterm.TableData{{"Wave", "Opened", "Deadline", "Status"}}
		for _, w := range detail.Waves {
			status := "open"
			if w.Closed {
				status = "closed"
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", w.Ordinal),
				w.OpenedAt.Local().Format("15:04:05"),
				w.Deadline.Local().Format("15:04:05"),
				status,
			})
		}
		pterm.Println()
		pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	if len(detail.Candidates) > 0 {
		rows := pterm.TableData{{"Rank", "Caregiver", "Channel", "Status", "Wave"}}
		for _, c := range detail.Candidates {
			wave := "-"
			if c.WaveOrdinal > 0 {
				wave = fmt.Sprintf("%d", c.WaveOrdinal)
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", c.Rank),
				c.CaregiverID,
				string(c.Channel),
				string(c.Status),
				wave,
			})
		}
		pterm.Println()
		pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
}

func stateTag(s dispatch.State) string {
	switch s {
	case dispatch.StateFilled:
		return pterm.Green(string(s))
	case dispatch.StateUnfilled:
		return pterm.Red(string(s))
	case dispatch.StateCancelled:
		return pterm.Gray(string(s))
	default:
		return pterm.Yellow(string(s))
	}
}

var shiftCancelCmd = &cobra.Command{
	Use:   "cancel <shift-id>",
	Short: "Cancel a shift and halt outreach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return intervene(cmd.Context(), args[0], "cancel", map[string]string{"actor": interveneActor},
			"Shift %s cancelled")
	},
}

var shiftAssignCmd = &cobra.Command{
	Use:   "assign <shift-id>",
	Short: "Force-assign a caregiver, overriding outreach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"caregiver_id": assignCaregiver, "actor": interveneActor}
		return intervene(cmd.Context(), args[0], "assign", body,
			"Shift %s assigned to "+assignCaregiver)
	},
}

var shiftReopenCmd = &cobra.Command{
	Use:   "reopen <shift-id>",
	Short: "Reopen an unfilled shift and restart outreach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return intervene(cmd.Context(), args[0], "reopen", map[string]string{"actor": interveneActor},
			"Shift %s reopened")
	},
}

func intervene(ctx context.Context, shiftID, action string, body map[string]string, successf string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	if err := client.Post(ctx, "/api/shifts/"+shiftID+"/"+action, body, nil); err != nil {
		return err
	}
	pterm.Success.Printf(successf, shiftID)
	return nil
}
