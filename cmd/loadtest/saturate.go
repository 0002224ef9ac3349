package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TalMal-ContactMe/contact-form/internal/loadtest"
)

func newSaturateCmd(common *commonFlags) *cobra.Command {
	var (
		connections int
		rampUp      time.Duration
		hold        time.Duration
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open idle connections, ramping up, then hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaturate(cmd.Context(), common, connections, rampUp, hold, concurrency)
		},
	}
	cmd.Flags().IntVar(&connections, "connections", 1000, "number of connections to open")
	cmd.Flags().DurationVar(&rampUp, "ramp", 10*time.Second, "ramp-up duration")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "hold duration after ramp-up")
	cmd.Flags().IntVar(&concurrency, "concurrency", 50, "simultaneous connection attempts")
	return cmd
}

func runSaturate(ctx context.Context, common *commonFlags, connections int, rampUp, hold time.Duration, concurrency int) error {
	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		connections, common.wsURL, rampUp, hold, concurrency)

	collector, stopScrape := startCollector(ctx, common)

	var mu sync.Mutex
	clients := make([]*loadtest.Client, 0, connections)

	interval := rampUp / time.Duration(max(connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	ticker := time.NewTicker(interval)

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	interrupted := false
ramp:
	for launched := 0; launched < connections; launched++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break ramp
		case <-ticker.C:
		}

		// A fresh conversation id replays nothing.
		g.Go(func() error {
			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := loadtest.Dial(connCtx, common.wsURL, common.key, uuid.NewString())
			if err != nil {
				collector.AddError()
				return nil
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
			return nil
		})
	}
	ticker.Stop()
	_ = g.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		dropped = holdConnections(ctx, &mu, clients, hold)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		_ = c.Close()
	}
	mu.Unlock()

	stopScrape()
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout)
	return nil
}

// holdConnections waits for hold (or ctx) while printing liveness every five
// seconds, and returns how many connections were lost.
func holdConnections(ctx context.Context, mu *sync.Mutex, clients []*loadtest.Client, hold time.Duration) int {
	countAlive := func() int {
		mu.Lock()
		defer mu.Unlock()
		alive := 0
		for _, c := range clients {
			if c.Alive() {
				alive++
			}
		}
		return alive
	}

	initial := countAlive()
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return initial - countAlive()
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return initial - countAlive()
		case <-status.C:
			alive := countAlive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
		}
	}
}
