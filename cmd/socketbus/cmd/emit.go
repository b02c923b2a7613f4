package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
)

var emitCmd = &cobra.Command{
	Use:   "emit <ws://host:port/path | tcp://host:port> <type> [json-data]",
	Short: "Send one event to a socketbus server and print the reply",
	Long: `Connect to a socketbus server, send one {"type", "data"} envelope and
print every envelope received until the reply arrives.

The data argument is parsed as JSON, or sent as a string if it is not
valid JSON. The reply to "ns.get-update" arrives as "ns.update"; every
other request is answered with its own type. System events such as
subscribe have no reply, so emit returns once they are sent.

Examples:
  socketbus emit ws://localhost:8080/ room.create '{"name":"lobby"}'
  socketbus emit tcp://localhost:9000 chat.get-update
  socketbus emit tcp://localhost:9000 create-tcp 9001`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runEmit,
}

var (
	emitTimeout time.Duration
	emitNoReply bool
)

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCmd.Flags().DurationVar(&emitTimeout, "timeout", 10*time.Second, "time to wait for the connection and the reply")
	emitCmd.Flags().BoolVar(&emitNoReply, "no-reply", false, "return as soon as the event is sent")
}

func runEmit(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	env := router.Envelope{Type: args[1]}
	if len(args) == 3 {
		env.Data = parseData(args[2])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), emitTimeout)
	defer cancel()

	client, err := dial(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", args[0], err)
	}
	defer client.Close()

	logger.Debug("Connected", zap.String("address", args[0]))

	if err := client.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	logger.Debug("Sent", zap.String("type", env.Type), zap.Any("data", env.Data))

	if emitNoReply || slices.Contains(router.DefaultSystemEvents, env.Type) {
		return nil
	}

	return awaitReply(ctx, client, router.ReplyType(env.Type))
}

// awaitReply prints envelopes until one of replyType arrives.
func awaitReply(ctx context.Context, client busClient, replyType string) error {
	for {
		r, err := client.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("no %s reply within %s", replyType, emitTimeout)
			}
			return err
		}
		printEnvelope(r)
		if r.Type == replyType {
			return nil
		}
	}
}
