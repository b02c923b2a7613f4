package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <ws://host:port/path | tcp://host:port> [topic-patterns...]",
	Short: "Subscribe to broadcast topics and print what arrives",
	Long: `Connect to a socketbus server, subscribe to the given topic patterns
and print every envelope received until interrupted.

Patterns are dotted names with MQTT-style wildcards: # matches any number
of levels and + matches exactly one. The default pattern is #.

Examples:
  socketbus subscribe ws://localhost:8080/
  socketbus subscribe tcp://localhost:9000 chat.# clock.tick`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	topics := args[1:]
	if len(topics) == 0 {
		topics = []string{"#"}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := dial(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", args[0], err)
	}
	defer client.Close()

	if err := client.Send(ctx, router.Envelope{Type: router.EventSubscribe, Data: topics}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	logger.Info("Subscribed", zap.String("address", args[0]), zap.Strings("topics", topics))

	for {
		r, err := client.Receive(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				logger.Debug("Interrupted, exiting")
				return nil
			}
			return err
		}
		printEnvelope(r)
	}
}
