package main

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/labrun"
	"github.com/aretw0/labrun/internal/presentation/tui"
	"github.com/aretw0/labrun/pkg/audit"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect recorded runs and their operation logs",
}

var auditListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List recorded runs, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		records, err := store.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return writeJSON(cmd, records)
		}
		return render(cmd.OutOrStdout(), tui.RunsMarkdown(records))
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Replay the operation log of a run",
	Long: `Loads the operation log of a run and reconstructs the state before and
after every operation from the stored snapshots and diffs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := cmd.Context()
		record, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		entries, err := store.ListFunctionCallLogs(ctx, args[0])
		if err != nil {
			return err
		}
		calls, err := audit.Replay(entries)
		if err != nil {
			return err
		}

		if asJSON(cmd) {
			return writeJSON(cmd, calls)
		}
		states, _ := cmd.Flags().GetBool("states")
		header := fmt.Sprintf("# %s\n\n%s run `%s`, **%s**\n\n", record.ProtocolName, record.Mode, record.RunID, record.Status)
		return render(cmd.OutOrStdout(), header+tui.CallsMarkdown(calls, states))
	},
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Print the reconstructed deck state of a run as JSON",
	Long: `Replays the operation log of a run and prints the state after the operation
with the given sequence number, or after the last operation when --seq is omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := store.ListFunctionCallLogs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		calls, err := audit.Replay(entries)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return fmt.Errorf("run %s has no recorded operations", args[0])
		}

		seq, _ := cmd.Flags().GetInt64("seq")
		if seq <= 0 {
			return writeJSON(cmd, calls[len(calls)-1].After)
		}
		for _, c := range calls {
			if c.Sequence == seq {
				return writeJSON(cmd, c.After)
			}
		}
		return fmt.Errorf("run %s has no operation with sequence %d", args[0], seq)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditShowCmd, auditReplayCmd)
	auditReplayCmd.Flags().Int64("seq", 0, "Sequence number of the operation")
	auditCmd.PersistentFlags().Bool("json", false, "Print JSON instead of a report")
	auditShowCmd.Flags().Bool("states", false, "Show the reconstructed state after every operation")
}

func openStore(cmd *cobra.Command) (ports.RunStore, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, _, closer, err := labrun.OpenStore(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = closer() }, nil
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
