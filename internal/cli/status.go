package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/store"
)

// statusTimeout bounds the stats request made by the status command.
const statusTimeout = 2 * time.Second

func newStatusCommand(opts *options) *cobra.Command {
	var socket string
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status and traffic",
		Long: `Show the stored tunnel state and the runtime's traffic counters. With
--watch the status is printed again whenever the shared store changes, until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := opts.setup()
			if err != nil {
				return err
			}
			defer st.Close()

			if socket == "" {
				socket = cfg.Control.Socket
			}
			client := control.NewClient(socket)
			out := cmd.OutOrStdout()

			if !watch {
				showStatus(cmd.Context(), out, st, client)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			changes := st.Watch(ctx)
			showStatus(ctx, out, st, client)
			for key := range changes {
				logging.Default().Debug("store changed", "key", key)
				fmt.Fprintln(out)
				showStatus(ctx, out, st, client)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "control socket path or http:// URL (default from config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print the status again on every store change")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, st store.Store, client *control.Client) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	stats, err := client.GetStats(ctx)
	printStatus(out, store.Load(st), stats, err)
}

func printStatus(out io.Writer, snap store.Snapshot, stats control.Stats, statsErr error) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	state := "inactive"
	if snap.Active {
		state = "active"
	}
	fmt.Fprintf(w, "Tunnel:\t%s\n", state)
	fmt.Fprintf(w, "Proxy:\t%s\n", proxyDisplay(snap))
	if snap.Active && snap.StartTime > 0 {
		started := time.Unix(0, int64(snap.StartTime*float64(time.Second)))
		fmt.Fprintf(w, "Started:\t%s\n", started.Format(time.RFC3339))
	}

	if statsErr != nil {
		fmt.Fprintf(w, "Runtime:\tunreachable\n")
		return
	}
	fmt.Fprintf(w, "Runtime:\trunning\n")
	fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(stats.Uptime * float64(time.Second))).Truncate(time.Second))
	fmt.Fprintf(w, "Bytes in:\t%d\n", stats.BytesIn)
	fmt.Fprintf(w, "Bytes out:\t%d\n", stats.BytesOut)
}

func proxyDisplay(snap store.Snapshot) string {
	cfg := snap.Configuration()
	if cfg.Host == "" {
		return "(not set)"
	}
	if cfg.Port == 0 {
		return cfg.Host + " (no port)"
	}
	return cfg.Address()
}
