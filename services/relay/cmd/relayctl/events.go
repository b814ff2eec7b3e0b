package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"filerelay/pkg/bus"
	"filerelay/services/relay"
	"filerelay/services/relay/internal/config"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Relay lifecycle events on NATS JetStream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var (
		subject string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print relay events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is not set")
			}

			eventBus, err := bus.New(cfg.NATSURL, nats.Name("relayctl"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer eventBus.Close()

			if err := eventBus.EnsureStream(ctx, relay.EventStream, relay.EventSubjects); err != nil {
				return fmt.Errorf("ensure event stream: %w", err)
			}

			out := cmd.OutOrStdout()
			sub, err := eventBus.Subscribe(ctx, subject, durable, func(_ context.Context, msg bus.Message) error {
				_, err := fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "filerelay.>", "Subject filter")
	cmd.Flags().StringVar(&durable, "durable", "relayctl-tail", "Durable consumer name")
	return cmd
}
