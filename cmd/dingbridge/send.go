package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/dingbridge/internal/auth"
	"github.com/openclaw/dingbridge/internal/config"
	"github.com/openclaw/dingbridge/internal/logging"
	"github.com/openclaw/dingbridge/internal/risk"
	"github.com/openclaw/dingbridge/internal/send"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		accountID  string
		target     string
		title      string
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a proactive message to a user or group",
		Long:  "Sends a markdown message through the robot API. Targets starting with \"cid\" address a group conversation; anything else is treated as a staff user ID.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, accountID, target, title, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dingbridge.yaml", "path to config file")
	cmd.Flags().StringVarP(&accountID, "account", "a", "main", "account to send as")
	cmd.Flags().StringVarP(&target, "target", "t", "", "user ID or open conversation ID (required)")
	cmd.Flags().StringVar(&title, "title", "", "markdown title")
	cmd.MarkFlagRequired("target")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, accountID, target, title, text string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ac, err := cfg.Account(accountID)
	if err != nil {
		return err
	}

	log := logging.ForAccount(logging.New(cfg.LogLevel, cfg.LogPretty), accountID)
	sender := send.NewService(auth.NewTokenSource(), risk.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := sender.Message(ctx, send.Credentials{
		AccountID:    accountID,
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		RobotCode:    ac.RobotCode,
	}, target, title, text, log)
	if !res.OK {
		return fmt.Errorf("send failed: %s", res.Err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s\n", target)
	return nil
}
