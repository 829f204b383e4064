package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetwatch/pkg/archive"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/store"
	"fleetwatch/pkg/telemetry"
	"fleetwatch/services/fleetctl"
	"fleetwatch/services/poller"
	"fleetwatch/services/registry"
	"fleetwatch/services/storage"
)

const actor = "fleetctl"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand opens.
type env struct {
	cfg   config.Config
	log   zerolog.Logger
	store store.Store
}

func open(cmd *cobra.Command) (*env, error) {
	ctx := cmd.Context()
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:   cfg,
		log:   telemetry.NewLogger("fleetctl", cfg.LogLevel, "console", os.Stderr),
		store: st,
	}, nil
}

func withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd)
		if err != nil {
			return err
		}
		defer e.store.Close()
		return fn(cmd, args, e)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate the fleetwatch server fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newPollCommand())
	cmd.AddCommand(newServersCommand())
	cmd.AddCommand(newStorageCommand())
	cmd.AddCommand(newFilesCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			m, ok := e.store.(store.Migrator)
			if !ok {
				return fmt.Errorf("store %q has no schema to migrate", e.cfg.Store)
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		}),
	}
}

func newPollCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Probe every registered server once and print the result",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			p := poller.New(e.store, poller.Config{
				Timeout:     e.cfg.Poll.ProbeTimeout,
				AgentPort:   e.cfg.Poll.AgentPort,
				MetricsPath: e.cfg.Poll.MetricsPath,
				Concurrency: e.cfg.Poll.Concurrency,
				Dedup:       e.cfg.Poll.Dedup,
			}, poller.WithLogger(e.log))

			servers, err := p.PollAll(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), servers)
			}

			tw := table(cmd.OutOrStdout(), "ID", "NAME", "ADDRESS", "STATUS", "CPU", "RAM", "DISK", "UPTIME")
			for _, s := range servers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.Address, s.Status, num(s.CPU), num(s.RAM), num(s.Disk), num(s.Uptime))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newServersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage registered servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered servers without probing them",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			servers, err := e.store.ListServers(cmd.Context())
			if err != nil {
				return err
			}
			tw := table(cmd.OutOrStdout(), "ID", "NAME", "ADDRESS", "MAC", "STATUS")
			for _, s := range servers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Address, s.HardwareID, s.Status)
			}
			return tw.Flush()
		}),
	})

	cmd.AddCommand(newServersAddCommand())

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a server and its metric history",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid server id: %w", err)
			}
			if err := registry.New(e.store, registry.WithLogger(e.log)).Remove(cmd.Context(), actor, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Register every server listed in a fleet file",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ff, err := fleetctl.LoadFleetFile(f)
			if err != nil {
				return err
			}

			res := fleetctl.Import(cmd.Context(), registry.New(e.store, registry.WithLogger(e.log)), actor, ff)
			for _, s := range res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s %s\n", s.ID, s.Name)
			}
			for name, err := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %v\n", name, err)
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d of %d servers failed", len(res.Failed), len(ff.Servers))
			}
			return nil
		}),
	})

	return cmd
}

func newServersAddCommand() *cobra.Command {
	var reg registry.Registration

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register one server",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			srv, err := registry.New(e.store, registry.WithLogger(e.log)).Register(cmd.Context(), actor, reg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), srv)
		}),
	}

	cmd.Flags().StringVar(&reg.Name, "name", "", "Server name")
	cmd.Flags().StringVar(&reg.Address, "ip", "", "Agent address (host, host:port or URL)")
	cmd.Flags().StringVar(&reg.HardwareID, "mac", "", "Hardware (MAC) address")
	cmd.Flags().StringVar(&reg.Status, "status", string(fleet.StatusOffline), "Initial status")
	return cmd
}

func newStorageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Storage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Print fleet storage totals",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			return writeJSON(cmd.OutOrStdout(), aggregator(e).Summary(cmd.Context()))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "servers",
		Short: "Print per-server storage, online servers first",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			report := aggregator(e).Servers(cmd.Context())
			tw := table(cmd.OutOrStdout(), "NAME", "STATUS", "TOTAL_GB", "USED_GB", "LARGE", "UNUSED", "DELETABLE", "RISKY")
			for _, s := range report.Servers {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%d\t%d\t%d\t%d\n",
					s.Name, s.Status, s.TotalStorageGB, s.UsedStorageGB, s.LargeFiles, s.UnusedFiles, s.DeletableFiles, s.RiskyFiles)
			}
			for _, w := range report.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return tw.Flush()
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "archive",
		Short: "Upload the summary and per-server report to the S3 archive",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			if !e.cfg.Archive.Enabled() {
				return errors.New("archiving is disabled: S3_ENDPOINT is not set")
			}
			client, err := archive.NewFromConfig(cmd.Context(), e.cfg.Archive)
			if err != nil {
				return err
			}

			agg := aggregator(e)
			summary := agg.Summary(cmd.Context())
			report := struct {
				Summary storage.Summary         `json:"summary"`
				Servers []storage.ServerStorage `json:"servers"`
			}{
				Summary: summary,
				Servers: agg.Servers(cmd.Context()).Servers,
			}

			obj, err := client.Put(cmd.Context(), archive.Key("storage", summary.GeneratedAt), report)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), obj)
		}),
	})

	return cmd
}

func newFilesCommand() *cobra.Command {
	var threshold int

	cmd := &cobra.Command{
		Use:   "files",
		Short: "File inventory queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	risky := &cobra.Command{
		Use:   "risky",
		Short: "List files above a risk threshold",
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			files, err := aggregator(e).RiskyFiles(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			tw := table(cmd.OutOrStdout(), "SERVER", "PATH", "TYPE", "SIZE_GB", "RISK")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%d\n", f.ServerID, f.Path, f.Type, f.SizeGB, f.RiskScore)
			}
			return tw.Flush()
		}),
	}
	risky.Flags().IntVar(&threshold, "threshold", -1, "Risk threshold (default from RISK_THRESHOLD)")
	cmd.AddCommand(risky)
	return cmd
}

func aggregator(e *env) *storage.Aggregator {
	return storage.New(e.store, storage.Config{
		RetentionWindow: e.cfg.Storage.RetentionWindow,
		LargeFileMB:     e.cfg.Storage.LargeFileMB,
		RiskThreshold:   e.cfg.Storage.RiskThreshold,
	}, storage.WithLogger(e.log))
}

func table(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
