// Command agentmeshd runs the Event Bus, Action Broker, agent directory, and
// Bridge as a single process, exposing the gRPC and websocket transports
// external agents connect to. It hosts no in-process Agent Runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/agentmesh/agentmesh/internal/actionbroker"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/demo"
	"github.com/agentmesh/agentmesh/internal/directory"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/observability"
	"github.com/agentmesh/agentmesh/internal/wire"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentmeshd",
	Short: "agentmeshd runs the event-driven multi-agent runtime",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Event Bus, Action Broker, and Bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		withDemo, _ := cmd.Flags().GetBool("with-demo-capabilities")
		return serve(withDemo)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("agentmeshd %s (%s)\n", version, commit)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("with-demo-capabilities", false, "register the demo echo/reverse capabilities locally")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func serve(withDemo bool) error {
	cfg := config.Load()

	obs, err := observability.NewObservability(observability.DefaultConfig("agentmeshd"))
	if err != nil {
		return fmt.Errorf("agentmeshd: initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Error("observability shutdown failed", "error", err)
		}
	}()

	mm, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return fmt.Errorf("agentmeshd: initializing metrics: %w", err)
	}

	bus := eventbus.NewBus(eventbus.Config{
		Recorder:              observability.NewEventBusRecorder(mm),
		BackpressureThreshold: cfg.BackpressureThreshold(),
		QueueCapacity: map[eventbus.QoS]int{
			eventbus.QoSRealtime:   cfg.QueueCapRealtime,
			eventbus.QoSBatched:    cfg.QueueCapBatched,
			eventbus.QoSBackground: cfg.QueueCapBackground,
		},
	})

	dir := directory.New()

	broker, err := actionbroker.New(actionbroker.Config{
		DefaultTimeout:       time.Duration(cfg.ActionTimeoutMs) * time.Millisecond,
		DefaultConcurrency:   cfg.ActionMaxConcurrency,
		IdempotencyCacheSize: cfg.IdempotencyCacheSize,
		Recorder:             observability.NewActionBrokerRecorder(mm),
	})
	if err != nil {
		return fmt.Errorf("agentmeshd: initializing action broker: %w", err)
	}

	if withDemo {
		if err := demo.RegisterCapabilities(broker); err != nil {
			return fmt.Errorf("agentmeshd: registering demo capabilities: %w", err)
		}
		obs.Logger.Info("demo capabilities registered", "capabilities", broker.ListCapabilities())
	}

	srv := bridge.New(bus, dir, broker, bridge.Config{
		HeartbeatWindow: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		Logger:          obs.Logger,
		Recorder:        observability.NewBridgeRecorder(mm),
	})

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	wire.RegisterEventBusServer(grpcServer, srv)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("agentmeshd: listening on %s: %w", cfg.GRPCPort, err)
	}

	wsGateway := bridge.NewWSGateway(srv, obs.Logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsGateway)
	wsServer := &http.Server{Addr: ":8090", Handler: mux}

	health := observability.NewHealthServer(cfg.GetHealthPort("broker"), "agentmeshd", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		obs.Logger.Info("gRPC bridge listening", "addr", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})
	group.Go(func() error {
		obs.Logger.Info("websocket bridge listening", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := health.Start(context.Background()); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	<-groupCtx.Done()
	obs.Logger.Info("shutting down")

	grpcServer.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = health.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		obs.Logger.Error("server error", "error", err)
	}

	return nil
}
