package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatscribe/chatscribe/internal/config"
	"github.com/chatscribe/chatscribe/internal/store"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and retry failed writes",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		body, err := gatewayGet(cfg, "/deadletters")
		if err != nil {
			return err
		}
		var letters []store.DeadLetter
		if err := json.Unmarshal(body, &letters); err != nil {
			return err
		}
		if len(letters) == 0 {
			printSuccess("No unresolved dead letters")
			return nil
		}
		for _, d := range letters {
			fmt.Printf("#%d  group=%s  message=%s  retries=%d\n    %s\n",
				d.ID, d.GroupID, d.SourceMessageID, d.RetryCount, d.ErrorText)
		}
		return nil
	},
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-attempt one dead-lettered write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if _, err := gatewayPost(cfg, "/deadletters/"+args[0]+"/retry"); err != nil {
			printError("Retry failed: " + err.Error())
			return err
		}
		printSuccess("Dead letter " + args[0] + " resolved")
		return nil
	},
}

func init() {
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRetryCmd)
}
