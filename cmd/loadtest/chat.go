package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/loadtest"
)

func newChatCmd(common *commonFlags) *cobra.Command {
	var (
		visitors    int
		messages    int
		interval    time.Duration
		concurrency int
		httpURL     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start conversations, attach, and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpURL == "" {
				derived, err := httpBase(common.wsURL)
				if err != nil {
					return err
				}
				httpURL = derived
			}
			return runChat(cmd.Context(), common, httpURL, visitors, messages, interval, concurrency)
		},
	}
	cmd.Flags().IntVar(&visitors, "visitors", 100, "number of simulated visitors")
	cmd.Flags().IntVar(&messages, "messages", 10, "messages sent by each visitor")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "pause between a visitor's messages")
	cmd.Flags().IntVar(&concurrency, "concurrency", 50, "visitors running at once")
	cmd.Flags().StringVar(&httpURL, "http", "", "relay HTTP base URL (derived from --url when empty)")
	return cmd
}

// httpBase turns ws://host:port/path into http://host:port.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, nil
}

func runChat(ctx context.Context, common *commonFlags, httpURL string, visitors, messages int, interval time.Duration, concurrency int) error {
	fmt.Printf("Chat test: %d visitors x %d messages via %s (interval=%s, concurrency=%d)\n",
		visitors, messages, common.wsURL, interval, concurrency)

	collector, stopScrape := startCollector(ctx, common)
	httpClient := &http.Client{Timeout: 15 * time.Second}
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := 0; i < visitors; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := runVisitor(gctx, common, httpClient, httpURL, i, messages, interval, collector); err != nil {
				collector.AddError()
				return nil
			}
			if n := completed.Add(1); n%10 == 0 {
				fmt.Printf("  [chat] visitors done: %d/%d  errors: %d\n", n, visitors, collector.ErrorCount())
			}
			return nil
		})
	}
	_ = g.Wait()

	stopScrape()
	collector.Report(os.Stdout)
	return nil
}

func runVisitor(ctx context.Context, common *commonFlags, httpClient *http.Client, httpURL string, n, messages int, interval time.Duration, collector *loadtest.Collector) error {
	name := fmt.Sprintf("visitor-%d", n)
	first, err := loadtest.StartConversation(ctx, httpClient, httpURL, chat.ContactRequest{
		Name:  name,
		Email: name + "@loadtest.local",
		Body:  "Hello from " + name,
	})
	if err != nil {
		if first.IsSynthesized() {
			collector.AddFallback()
		}
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := loadtest.Dial(dialCtx, common.wsURL, common.key, first.ConversationID)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()
	collector.AddConnect(c.Metrics().ConnectLatency)

	for i := 0; i < messages; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		reply, err := c.Send(sendCtx, name, fmt.Sprintf("%s message %d", name, i))
		cancel()
		if err != nil {
			return err
		}
		if reply.IsSynthesized() {
			collector.AddFallback()
			if reply.MessageID == chat.RateLimited {
				time.Sleep(time.Second)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	for _, d := range c.Metrics().MsgLatencies {
		collector.AddMsgLatency(d)
	}
	return nil
}
