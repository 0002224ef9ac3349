// Command loadtest exercises a running relay.
//
//   - saturate: open N idle WebSocket connections and hold them
//   - chat:     visitors start conversations over HTTP, attach a WebSocket
//     and exchange messages, measuring round trips
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TalMal-ContactMe/contact-form/internal/loadtest"
)

type commonFlags struct {
	wsURL      string
	key        string
	metricsURL string
	scrape     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var common commonFlags
	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test a running relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&common.wsURL, "url", "ws://localhost:8080/", "relay WebSocket URL")
	root.PersistentFlags().StringVar(&common.key, "key", "chatId", "conversation query parameter")
	root.PersistentFlags().StringVar(&common.metricsURL, "metrics", "", "relay /metrics URL to scrape (empty disables)")
	root.PersistentFlags().DurationVar(&common.scrape, "scrape-interval", 2*time.Second, "metrics scrape interval")

	root.AddCommand(newSaturateCmd(&common), newChatCmd(&common))
	return root
}

// startCollector returns a collector, scraping the relay when configured, and
// a func that stops scraping.
func startCollector(ctx context.Context, common *commonFlags) (*loadtest.Collector, func()) {
	collector := loadtest.NewCollector()
	if common.metricsURL == "" {
		return collector, func() {}
	}
	scraper := loadtest.NewScraper(common.metricsURL, common.scrape)
	scraper.Start(ctx)
	collector.SetScraper(scraper)
	return collector, scraper.Stop
}
