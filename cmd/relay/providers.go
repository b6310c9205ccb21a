package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/router"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List and test the configured AI providers",
	}
	cmd.AddCommand(newProvidersListCmd(), newProvidersTestCmd())
	return cmd
}

// withRouter loads the effective settings, including persisted overrides, and builds
// a router for them.
func withRouter(ctx context.Context, fn func(config.Settings, *router.Router) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger("error")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	settings, err := a.loadSettings(ctx)
	if err != nil {
		return err
	}
	return fn(settings, a.newRouter(ctx, settings))
}

func newProvidersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List providers, their models and the fallback order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRouter(cmd.Context(), func(s config.Settings, r *router.Router) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tNAME\tMODEL\tFREE\tCONFIGURED\tLIVE\tPRIMARY")
				for _, v := range s.Public().Providers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%t\t%t\n",
						v.Key, v.DisplayName, v.Model, v.Free, v.Configured, r.Live(v.Key), v.Key == s.Primary)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				fmt.Printf("\nFallback order: %v\n", r.Order())
				fmt.Printf("Available:      %v\n", r.Available())
				return nil
			})
		},
	}
}

func newProvidersTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [provider...]",
		Short: "Send a short prompt to each provider and report latency",
		Long:  "Send a short prompt to the named providers, or to every live provider when none are named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]provider.Key, 0, len(args))
			for _, arg := range args {
				k, err := provider.ParseKey(arg)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}

			return withRouter(cmd.Context(), func(s config.Settings, r *router.Router) error {
				if len(keys) == 0 {
					keys = r.Available()
				}
				if len(keys) == 0 {
					return fmt.Errorf("no providers configured")
				}

				failed := 0
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tRESULT\tLATENCY\tERROR")
				for _, k := range keys {
					res := r.Test(cmd.Context(), k)
					status := "ok"
					if !res.Success {
						status = "FAILED"
						failed++
					}
					fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", k, status, res.LatencyMs, res.Error)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				if failed > 0 {
					return fmt.Errorf("%d of %d providers failed", failed, len(keys))
				}
				return nil
			})
		},
	}
}
