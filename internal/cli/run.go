package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/chatscribe/chatscribe/internal/config"
	"github.com/chatscribe/chatscribe/internal/crawler"
	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/gateway"
	"github.com/chatscribe/chatscribe/internal/media"
	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	printHeader("📡 chatscribe daemon")

	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	mediaStore, err := media.NewDirStore(cfg.Paths.MediaDir)
	if err != nil {
		return err
	}

	sessions := buildSessions(cfg)
	if len(sessions) == 0 {
		return fmt.Errorf("no sessions configured, add slack or whatsapp accounts to %s", config.ConfigDir)
	}

	pub, source := buildTransport(cfg)
	defer pub.Close()

	engine := crawler.NewEngine(st, sessions, pub, mediaStore, cfg.Paths.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := fanout.NewBridge(source)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("fanout bridge stopped", "error", err)
		}
	}()

	housekeeper := startHousekeeping(ctx, cfg, st)
	if housekeeper != nil {
		defer housekeeper.Stop()
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	gw := gateway.New(engine, st, cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.AuthToken)
	return gw.Run(ctx)
}

func buildSessions(cfg *config.Config) []protocol.Session {
	var sessions []protocol.Session
	for _, acct := range cfg.Sessions.Slack {
		if acct.BotToken == "" || acct.AppToken == "" {
			slog.Warn("slack account missing tokens, skipped", "account", acct.Account)
			continue
		}
		sessions = append(sessions, protocol.NewSlackSession(acct.Account, acct.BotToken, acct.AppToken))
	}
	for _, acct := range cfg.Sessions.WhatsApp {
		sessions = append(sessions, protocol.NewWhatsAppSession(acct.Account, acct.DBPath))
	}
	return sessions
}

// buildTransport picks Kafka when brokers are configured, otherwise an
// in-process channel (publisher and source are the same object then).
func buildTransport(cfg *config.Config) (fanout.Publisher, fanout.Source) {
	if cfg.Notify.Brokers != "" {
		pub := fanout.NewKafkaPublisher(cfg.Notify.Brokers, cfg.Notify.Topic)
		src := fanout.NewKafkaSource(cfg.Notify.Brokers, cfg.Notify.ConsumerGroup, cfg.Notify.Topic)
		return pub, src
	}
	ch := fanout.NewChannelTransport()
	return ch, ch
}

// startHousekeeping schedules the retention delete and the dead-letter retry
// sweep on the configured cron expression.
func startHousekeeping(ctx context.Context, cfg *config.Config, st *store.Store) *cron.Cron {
	if cfg.Retention.Days <= 0 && !cfg.Retention.RetryDeadLetters {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.Retention.Schedule, func() {
		if cfg.Retention.Days > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Retention.Days)
			n, err := st.DeleteMessagesBefore(ctx, cutoff)
			if err != nil {
				slog.Warn("retention delete failed", "error", err)
			} else if n > 0 {
				slog.Info("retention delete", "removed", n, "cutoff", cutoff)
			}
		}
		if cfg.Retention.RetryDeadLetters {
			sweepDeadLetters(ctx, st)
		}
	})
	if err != nil {
		slog.Warn("housekeeping schedule invalid, disabled",
			"schedule", cfg.Retention.Schedule, "error", err)
		return nil
	}
	c.Start()
	slog.Info("housekeeping scheduled", "schedule", cfg.Retention.Schedule)
	return c
}

func sweepDeadLetters(ctx context.Context, st *store.Store) {
	letters, err := st.ListDeadLetters(ctx, false)
	if err != nil {
		slog.Warn("dead letter sweep listing failed", "error", err)
		return
	}
	resolved := 0
	for _, d := range letters {
		if err := st.RetryDeadLetter(ctx, d.ID); err == nil {
			resolved++
		}
	}
	if len(letters) > 0 {
		slog.Info("dead letter sweep", "pending", len(letters), "resolved", resolved)
	}
}
