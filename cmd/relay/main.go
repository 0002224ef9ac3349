// Command relay bridges browser WebSocket clients to the contact backend
// over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Real-time relay between contact-form clients and the backend",
		SilenceUsage: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")

	var healthURL string
	var healthTimeout time.Duration
	health := &cobra.Command{
		Use:   "health",
		Short: "Query a running relay's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), healthURL, healthTimeout)
		},
	}
	health.Flags().StringVar(&healthURL, "url", "http://localhost:8080/health", "health endpoint")
	health.Flags().DurationVar(&healthTimeout, "timeout", 3*time.Second, "request timeout")

	root.AddCommand(serve, health, newDeadLettersCmd())
	return root
}

type healthReport struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func runHealth(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "health: build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health: request")
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return errors.Wrap(err, "health: decode")
	}
	if resp.StatusCode != http.StatusOK || report.Status != "ok" {
		return errors.Errorf("health: status %d %q", resp.StatusCode, report.Status)
	}

	fmt.Printf("status=%s connections=%d uptime=%s\n", report.Status, report.Connections, report.Uptime)
	return nil
}
