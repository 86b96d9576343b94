package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatscribe/chatscribe/internal/config"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <group-id>",
	Short: "Re-run the historical crawl for one group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if _, err := gatewayPost(cfg, "/backfill/"+args[0]); err != nil {
			printError("Backfill trigger failed: " + err.Error())
			return err
		}
		printSuccess(fmt.Sprintf("Backfill triggered for %s", args[0]))
		return nil
	},
}
