package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/config"
	"github.com/tsarna/socketbus/pkg/socketbus/hub"
	"github.com/tsarna/socketbus/pkg/socketbus/otel"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"github.com/tsarna/socketbus/pkg/socketbus/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Start the socketbus server",
	Long: `Start the socketbus server.

Configuration is loaded from the given HCL files and from every .hcl file
under the given directories. Ports given with flags replace the ports
from the configuration.

Examples:
  socketbus server --ws-port 8080 --tcp-port 9000
  socketbus server socketbus.hcl
  socketbus server ./conf.d/ --system-event presence`,
	RunE: runServer,
}

var (
	wsPorts         []int
	tcpPorts        []int
	systemEvents    []string
	shutdownTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().IntSliceVar(&wsPorts, "ws-port", nil, "WebSocket port to listen on (repeatable)")
	serverCmd.Flags().IntSliceVar(&tcpPorts, "tcp-port", nil, "TCP port to listen on (repeatable)")
	serverCmd.Flags().StringSliceVar(&systemEvents, "system-event", nil, "additional event type dispatched with the connection (repeatable)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for connections to close on shutdown")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting socketbus server",
		zap.String("version", version),
		zap.Strings("config-paths", args),
	)

	provider := otel.NewProvider("socketbus", version)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithObservability(provider).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	eventBus := cfg.Bus
	if err := eventBus.Start(); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer eventBus.Stop()

	eventBus.On(router.EventStatus, bus.NewStatusLogger(logger))
	if debug {
		eventBus.On("#", bus.NewNamedLoggingHandler(nil, logger, zapcore.DebugLevel, "trace"))
	}

	h := hub.New(eventBus, logger)
	h.Register()
	defer h.Close()

	serverConfig := cfg.Server.Apply(
		server.NewServerConfig().
			WithEventBus(eventBus).
			WithLogger(logger).
			WithMetrics(provider),
	)
	if cmd.Flags().Changed("ws-port") {
		serverConfig.WithWebSocketPorts(wsPorts...)
	}
	if cmd.Flags().Changed("tcp-port") {
		serverConfig.WithTCPPorts(tcpPorts...)
	}
	if len(systemEvents) > 0 {
		base := router.DefaultSystemEvents
		if cfg.Server != nil && len(cfg.Server.SystemEvents) > 0 {
			base = cfg.Server.SystemEvents
		}
		serverConfig.WithSystemEvents(append(append([]string(nil), base...), systemEvents...)...)
	}

	srv, err := serverConfig.Build()
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Init(ctx); err != nil {
		// Listeners that did bind keep serving.
		logger.Error("Some listeners failed to start", zap.Error(err))
	}

	if err := cfg.Start(); err != nil {
		return err
	}

	logger.Info("Server started (Press Ctrl+C to exit)")
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cfg.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
