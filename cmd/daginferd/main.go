// Command daginferd is the cobra entrypoint: a root command plus serve,
// keyspace inspect, and version subcommands, wiring config -> telemetry
// -> engine -> listeners in dependency order.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/config"
	"github.com/swarmguard/daginferd/internal/controlplane"
	"github.com/swarmguard/daginferd/internal/engine"
	"github.com/swarmguard/daginferd/internal/events"
	"github.com/swarmguard/daginferd/internal/keyspace"
	"github.com/swarmguard/daginferd/internal/telemetry"
	"github.com/swarmguard/daginferd/internal/wire"
)

const version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "daginferd",
		Short: "daginferd runs the tensor-computation DAG execution engine",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a daginferd.yaml config file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newKeyspaceCmd(&configPath))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print daginferd's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("daginferd v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the DAG wire listener and control-plane API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	telemetry.InitLogging("daginferd", cfg.Log.JSON, cfg.Log.Level)
	slog.Info("daginferd starting", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, shutdownTracer := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	meter, shutdownMeter := telemetry.InitMetrics(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	defer telemetry.Shutdown{Tracer: shutdownTracer, Meter: shutdownMeter}.Close(context.Background())

	ks, err := keyspace.Open(cfg.Keyspace.Path, cfg.ModelChunkSize, meter)
	if err != nil {
		return fmt.Errorf("open keyspace: %w", err)
	}
	defer ks.Close()

	backends := backend.NewRegistry()
	backends.Register(backend.NewReferenceBackend())

	nc, err := events.Connect(cfg.Events.NATSURL)
	if err != nil {
		slog.Warn("nats connect failed, events disabled", "error", err)
	}
	publisher := events.NewPublisher(nc, cfg.Events.Subject)

	eng := engine.New(cfg, ks, backends, meter, tracer, publisher)
	eng.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = eng.Stop(stopCtx)
	}()

	wireSrv := wire.NewServer(cfg.Wire.ListenAddr, eng)
	go func() {
		if err := wireSrv.ListenAndServe(ctx); err != nil {
			slog.Error("wire listener exited", "error", err)
		}
	}()

	handler := controlplane.NewHandler(backends, ks, eng)
	httpSrv := &http.Server{Addr: cfg.ControlAPI.ListenAddr, Handler: controlplane.NewRouter(handler)}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control-plane http server exited", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	slog.Info("daginferd stopped")
	return nil
}

func newKeyspaceCmd(configPath *string) *cobra.Command {
	keyspaceCmd := &cobra.Command{
		Use:   "keyspace",
		Short: "inspect a daginferd BoltDB keyspace file",
	}
	var bucket string
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "list the keys stored in one bucket (tensors, models, scripts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ks, err := keyspace.Open(cfg.Keyspace.Path, cfg.ModelChunkSize, noopMeter())
			if err != nil {
				return fmt.Errorf("open keyspace: %w", err)
			}
			defer ks.Close()

			keys, err := ks.InspectKeys(bucket)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			fmt.Fprintf(os.Stderr, "%d key(s) in bucket %q\n", len(keys), bucket)
			return nil
		},
	}
	inspectCmd.Flags().StringVar(&bucket, "bucket", "tensors", "bucket to list: tensors, models, or scripts")
	keyspaceCmd.AddCommand(inspectCmd)
	return keyspaceCmd
}

// noopMeter avoids standing up a real OTel pipeline for a one-shot CLI
// command that only reads a keyspace file.
func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("daginferd")
}
