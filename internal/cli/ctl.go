package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
	"github.com/netwraith/netwraith/internal/validate"
)

// ctlTimeout bounds a single control request.
const ctlTimeout = 5 * time.Second

func newCtlCommand(opts *options) *cobra.Command {
	var socket string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running tunnel runtime",
	}
	root.PersistentFlags().StringVar(&socket, "socket", "", "control socket path or http:// URL (default from config)")

	client := func() (*control.Client, error) {
		if socket != "" {
			return control.NewClient(socket), nil
		}
		cfg, err := opts.load()
		if err != nil {
			return nil, err
		}
		return control.NewClient(cfg.Control.Socket), nil
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show traffic counters of the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			defer cancel()

			stats, err := c.GetStats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bytes in:  %d\n", stats.BytesIn)
			fmt.Fprintf(out, "Bytes out: %d\n", stats.BytesOut)
			fmt.Fprintf(out, "Uptime:    %.1fs\n", stats.Uptime)
			return nil
		},
	}

	var proxy proxyFlags
	updateCmd := &cobra.Command{
		Use:   "update-proxy",
		Short: "Switch the running tunnel to another proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("host") {
				return fmt.Errorf("--host is required")
			}
			next := proxy.apply(cmd, tunnel.Configuration{Port: tunnel.DefaultProxyPort})
			if err := validate.Configuration(next); err != nil {
				return err
			}

			c, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			defer cancel()

			if err := c.UpdateProxy(ctx, next); err != nil {
				return err
			}
			if err := persistProxy(opts, next); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Update sent: %s\n", next.Address())
			return nil
		},
	}
	proxy.register(updateCmd)

	root.AddCommand(statsCmd, updateCmd)
	return root
}

// persistProxy records cfg so the next start uses it.
func persistProxy(opts *options, cfg tunnel.Configuration) error {
	_, st, err := opts.setup()
	if err != nil {
		return err
	}
	defer st.Close()
	return store.SaveConfiguration(st, cfg)
}
