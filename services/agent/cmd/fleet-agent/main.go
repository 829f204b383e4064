package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/telemetry"
	"fleetwatch/services/agent"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel, logFormat string

	cmd := &cobra.Command{
		Use:           "fleet-agent",
		Short:         "Host metrics endpoint and file inventory scanner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("LOG_FORMAT", "json"), "Log format (json or console)")

	logger := func() zerolog.Logger {
		return telemetry.NewLogger("fleet-agent", logLevel, logFormat, os.Stdout)
	}

	cmd.AddCommand(newServeCommand(logger))
	cmd.AddCommand(newScanCommand(logger))
	return cmd
}

func newServeCommand(logger func() zerolog.Logger) *cobra.Command {
	var (
		addr      string
		diskPath  string
		cpuSample time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve host metrics for the fleet poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger()

			srv := &http.Server{
				Addr:              addr,
				Handler:           agent.Handler(agent.HostCollector{DiskPath: diskPath, CPUSample: cpuSample}, log),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("disk", diskPath).Msg("starting fleet-agent")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOr("AGENT_ADDR", ":8000"), "Listen address")
	cmd.Flags().StringVar(&diskPath, "disk-path", envOr("AGENT_DISK_PATH", "/"), "Mount point reported as disk usage")
	cmd.Flags().DurationVar(&cpuSample, "cpu-sample", 500*time.Millisecond, "CPU sampling window per request")
	return cmd
}

func newScanCommand(logger func() zerolog.Logger) *cobra.Command {
	var (
		serverID  string
		natsURL   string
		dryRun    bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Scan a directory and publish its file inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger()

			id, err := uuid.Parse(serverID)
			if err != nil {
				return fmt.Errorf("invalid --server-id: %w", err)
			}

			batch, err := agent.Scanner{Log: log}.Batch(ctx, id, args[0], time.Now())
			if err != nil {
				return err
			}

			if batchSize <= 0 {
				return errors.New("--batch-size must be positive")
			}

			if dryRun {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				for _, chunk := range agent.Chunk(batch, batchSize) {
					if err := enc.Encode(chunk); err != nil {
						return err
					}
				}
				return nil
			}

			if natsURL == "" {
				return errors.New("--nats-url or NATS_URL is required unless --dry-run is set")
			}
			b, err := bus.New(natsURL, log)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := agent.Publish(ctx, b, batch, batchSize)
			if err != nil {
				return err
			}
			log.Info().
				Int("files", len(batch.Files)).
				Int("batches", n).
				Str("server_id", id.String()).
				Msg("inventory published")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", envOr("SERVER_ID", ""), "Registered server id")
	cmd.Flags().StringVar(&natsURL, "nats-url", envOr("NATS_URL", ""), "NATS endpoint")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the batches instead of publishing them")
	cmd.Flags().IntVar(&batchSize, "batch-size", envInt("SCAN_BATCH_SIZE", agent.DefaultBatchSize), "Maximum files per published batch")
	return cmd
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
