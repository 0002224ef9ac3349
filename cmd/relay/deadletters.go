package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/TalMal-ContactMe/contact-form/internal/config"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
)

var deadLetterReasons = []string{
	deadletter.ReasonNoViewer,
	deadletter.ReasonMalformedPush,
	deadletter.ReasonUnparseableHistory,
}

type deadLetterReader interface {
	CountRecent(ctx context.Context, reason string, window time.Duration) (int, error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]deadletter.Record, error)
}

func newDeadLettersCmd() *cobra.Command {
	var (
		configPath   string
		conversation string
		limit        int
		window       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Summarize undeliverable payloads recorded in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("deadletters: database.url is not configured")
			}
			store, err := deadletter.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()
			return writeDeadLetterReport(cmd.Context(), os.Stdout, store, conversation, limit, window)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&conversation, "conversation", "", "also list the latest records for this conversation")
	cmd.Flags().IntVar(&limit, "limit", 20, "records to list")
	cmd.Flags().DurationVar(&window, "window", time.Hour, "counting window")
	return cmd
}

func writeDeadLetterReport(ctx context.Context, w io.Writer, r deadLetterReader, conversation string, limit int, window time.Duration) error {
	fmt.Fprintf(w, "Dead letters in the last %s\n", window)
	for _, reason := range deadLetterReasons {
		n, err := r.CountRecent(ctx, reason, window)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-20s %d\n", reason, n)
	}

	if conversation == "" {
		return nil
	}

	recs, err := r.ListByConversation(ctx, conversation, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nConversation %s (%d records)\n", conversation, len(recs))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tQUEUE\tREASON\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CreatedAt.UTC().Format(time.RFC3339), rec.Queue, rec.Reason, rec.Error)
	}
	return tw.Flush()
}
