package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/queue"
	"github.com/felipepmaragno/chat-relay/internal/usage"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Move and report provider usage events",
	}
	cmd.AddCommand(newUsageConsumeCmd(), newUsageReportCmd())
	return cmd
}

func newUsageConsumeCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Store usage events from USAGE_QUEUE_URL in DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger(cfg.LogLevel)

			if cfg.UsageQueueURL == "" || cfg.DatabaseURL == "" {
				return fmt.Errorf("usage consume needs both USAGE_QUEUE_URL and DATABASE_URL")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
			if err != nil {
				return fmt.Errorf("init usage queue: %w", err)
			}
			consumer := usage.NewConsumer(q, a.store)

			if once {
				n, err := consumer.Drain(ctx)
				if err != nil {
					return err
				}
				slog.Info("usage batch stored", "events", n)
				return nil
			}
			return consumer.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func newUsageReportCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize provider usage from DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger("error")

			if cfg.DatabaseURL == "" {
				return fmt.Errorf("usage report needs DATABASE_URL")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
			rows, err := a.store.UsageByProvider(ctx, since)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCALLS\tFAILURES\tINPUT\tOUTPUT\tAVG LATENCY\tCOST (USD)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.0fms\t%.4f\n",
					r.Provider, r.Calls, r.Failures, r.InputTokens, r.OutputTokens, r.AvgLatencyMs, r.EstimatedCost)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "report window in hours")
	return cmd
}
