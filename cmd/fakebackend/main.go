// Command fakebackend runs an in-memory contact backend on NATS for local
// development of the relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TalMal-ContactMe/contact-form/internal/config"
	"github.com/TalMal-ContactMe/contact-form/internal/fakebackend"
	"github.com/TalMal-ContactMe/contact-form/internal/logging"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
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
	var (
		configPath string
		autoReply  bool
	)
	cmd := &cobra.Command{
		Use:          "fakebackend",
		Short:        "Answer the relay's queues from memory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-reply") {
				cfg.FakeBackend.AutoReply = autoReply
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	cmd.Flags().BoolVar(&autoReply, "auto-reply", false, "push an agent reply after each visitor message")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, "fakebackend", nil); err != nil {
		return err
	}

	natsConfig := cfg.NATS
	natsConfig.Name = "contact-fakebackend"
	nc, err := messaging.NewClient(natsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	svc := fakebackend.NewService(nc, fakebackend.Config{
		Queues:     cfg.Queues,
		QueueGroup: cfg.FakeBackend.QueueGroup,
		AutoReply:  cfg.FakeBackend.AutoReply,
		AgentName:  cfg.FakeBackend.AgentName,
		ReplyDelay: cfg.FakeBackend.ReplyDelay,
	})
	if err := svc.Start(); err != nil {
		return err
	}

	log.Info().Str("nats_url", natsConfig.URL).Msg("fake backend running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	svc.Stop()
	return nil
}
