package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatscribe/chatscribe/internal/config"
	"github.com/chatscribe/chatscribe/internal/crawler"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ chatscribe Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 chatscribe Status")
		fmt.Printf("Version: %s\n", version)

		cfgPath, _ := config.ConfigPath()
		if _, err := os.Stat(cfgPath); err == nil {
			fmt.Println("Config:  ✓ Found (" + cfgPath + ")")
		} else {
			fmt.Println("Config:  ✗ Not found (" + cfgPath + ")")
		}

		cfg, err := config.Load()
		if err != nil {
			printError("Unable to load config: " + err.Error())
			return
		}
		if _, err := os.Stat(cfg.Paths.DBPath); err == nil {
			fmt.Println("Database: ✓ Found (" + cfg.Paths.DBPath + ")")
		} else {
			fmt.Println("Database: ✗ Not found (run 'chatscribe run' first)")
		}
		fmt.Printf("Sessions: %d slack, %d whatsapp configured\n",
			len(cfg.Sessions.Slack), len(cfg.Sessions.WhatsApp))

		body, err := gatewayGet(cfg, "/status")
		if err != nil {
			fmt.Println("Daemon:  ✗ Not reachable (" + err.Error() + ")")
			return
		}
		var st crawler.Status
		if err := json.Unmarshal(body, &st); err != nil {
			printError("Bad status response: " + err.Error())
			return
		}
		fmt.Println("Daemon:  ✓ Running")
		fmt.Printf("Queue:   %d/%d  Breaker: %s  Entities cached: %d\n",
			st.QueueLen, st.QueueCap, st.Breaker, st.EntityCacheSize)
		for _, sess := range st.Sessions {
			mark := "✗"
			if sess.Healthy {
				mark = "✓"
			}
			fmt.Printf("Session: %s %s\n", mark, sess.Account)
		}
		for _, g := range st.Groups {
			line := fmt.Sprintf("Group:   %-24s %s", g.GroupID, g.Status)
			if g.CrawlTotal > 0 {
				line += fmt.Sprintf(" (%d/%d)", g.CrawlProgress, g.CrawlTotal)
			}
			if g.LastError != "" {
				line += "  " + g.LastError
			}
			fmt.Println(line)
		}
	},
}
