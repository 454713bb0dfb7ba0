package main

import (
	"github.com/aretw0/labrun/internal/presentation/tui"
	"github.com/aretw0/labrun/pkg/adapters/file"
	"github.com/aretw0/labrun/pkg/adapters/remote"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/spf13/cobra"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List available protocols",
	Long:  `Lists the remote backend's catalog, or the protocols of --dir with --local.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		localOnly, _ := cmd.Flags().GetBool("local")

		var entries []domain.CatalogEntry
		if localOnly {
			entries, err = file.NewSource(cfg.Local.ProtocolDir).List(cmd.Context())
		} else {
			entries, err = remote.NewControlClient(cfg.Remote.BaseURL).ListProtocols(cmd.Context())
		}
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return writeJSON(cmd, entries)
		}
		return render(cmd.OutOrStdout(), tui.ProtocolsMarkdown(entries))
	},
}

func init() {
	rootCmd.AddCommand(protocolsCmd)
	protocolsCmd.Flags().Bool("local", false, "List local protocols instead of the remote catalog")
	protocolsCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}
