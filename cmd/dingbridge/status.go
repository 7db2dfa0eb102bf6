package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/dingbridge/internal/gateway"
)

func newStatusCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account status from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "dashboard host")
	cmd.Flags().IntVarP(&port, "port", "p", 8321, "dashboard port")
	return cmd
}

func runStatus(cmd *cobra.Command, host string, port int) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s:%d/api/accounts", host, port)

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("status: query %s: %w", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: %s answered %d", url, resp.StatusCode)
	}

	var body struct {
		Accounts []gateway.AccountStatus `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("status: decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(body.Accounts) == 0 {
		fmt.Fprintln(out, "No accounts running")
		return nil
	}
	for _, a := range body.Accounts {
		state := "disconnected"
		if a.Connected {
			state = "connected"
		}
		fmt.Fprintf(out, "%-12s %-12s ok=%d dedup-skipped=%d failed=%d inflight=%d risks=%d\n",
			a.AccountID, state, a.Counters.OK, a.Counters.DedupSkipped, a.Counters.Failed, a.Inflight, a.RiskCount)
	}
	return nil
}
