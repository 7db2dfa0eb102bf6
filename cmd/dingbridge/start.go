package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/openclaw/dingbridge/internal/auth"
	"github.com/openclaw/dingbridge/internal/card"
	"github.com/openclaw/dingbridge/internal/config"
	"github.com/openclaw/dingbridge/internal/dashboard"
	"github.com/openclaw/dingbridge/internal/gateway"
	"github.com/openclaw/dingbridge/internal/logging"
	"github.com/openclaw/dingbridge/internal/media"
	"github.com/openclaw/dingbridge/internal/reply"
	"github.com/openclaw/dingbridge/internal/risk"
	"github.com/openclaw/dingbridge/internal/roster"
	"github.com/openclaw/dingbridge/internal/send"
	"github.com/openclaw/dingbridge/internal/stream"
)

// riskRetention bounds how long risk observations are kept before the
// maintenance schedule prunes them.
const riskRetention = 7 * 24 * time.Hour

func newStartCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway for all configured accounts",
		Long:  "Connects every configured account to the DingTalk stream channel, serves the status dashboard and runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dingbridge.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides config)")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.DashboardPort = port
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	rosterStore, err := roster.Open(cfg.Roster)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenSource()
	risks := risk.NewRegistry()
	sender := send.NewService(tokens, risks)
	cards := card.NewService(tokens)
	downloader := media.NewDownloader(tokens, cfg.MediaDir)

	handler := &gateway.MessageHandler{
		Pipeline: reply.EchoPipeline{},
		Sender:   sender,
		Cards:    cards,
		Media:    downloader,
		Roster:   rosterStore,
	}

	gw := gateway.New(gateway.Opts{
		Config:  cfg,
		Log:     log,
		Handler: handler,
		Risks:   risks,
		NewClient: func(accountID string, ac config.AccountConfig) (stream.Client, error) {
			return stream.NewWSClient(stream.WSClientOpts{
				ClientID:     ac.ClientID,
				ClientSecret: ac.ClientSecret,
				Log:          logging.ForAccount(log, accountID),
			})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
		gw.Stop()
	}()

	if err := gw.Start(ctx); err != nil {
		return err
	}
	log.Info().Strs("accounts", cfg.AccountIDs()).Msg("gateway started")

	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		if removed := risks.Prune(riskRetention); removed > 0 {
			log.Info().Int("removed", removed).Msg("pruned stale risk observations")
		}
	}); err != nil {
		return fmt.Errorf("schedule risk prune: %w", err)
	}
	if _, err := sched.AddFunc("@every 10m", func() {
		for _, st := range gw.Statuses() {
			log.Info().
				Str("account", st.AccountID).
				Bool("connected", st.Connected).
				Uint64("ok", st.Counters.OK).
				Uint64("dedupSkipped", st.Counters.DedupSkipped).
				Uint64("failed", st.Counters.Failed).
				Msg("account digest")
		}
	}); err != nil {
		return fmt.Errorf("schedule account digest: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	dashErrCh := make(chan error, 1)
	go func() {
		dashErrCh <- dashboard.Start(ctx, dashboard.StartOpts{
			Source: gw,
			Port:   cfg.DashboardPort,
			Out:    cmd.OutOrStdout(),
		})
	}()

	err = gw.Wait()
	cancel()
	if dashErr := <-dashErrCh; dashErr != nil && err == nil {
		err = dashErr
	}
	return err
}
