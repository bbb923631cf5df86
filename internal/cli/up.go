package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/controller"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/netmon"
	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/tunnel"
)

func newUpCommand(opts *options) *cobra.Command {
	var proxy proxyFlags

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring the tunnel up and keep it running",
		Long: `Bring the tunnel up in the foreground. The tunnel is stopped on SIGINT or
SIGTERM. --host and --port replace the stored proxy before connecting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd, opts, proxy)
		},
	}
	proxy.register(cmd)
	return cmd
}

func runUp(cmd *cobra.Command, opts *options, proxy proxyFlags) error {
	cfg, st, err := opts.setup()
	if err != nil {
		return err
	}
	defer st.Close()

	logger := logging.WithComponent("controller")

	manager := session.NewProcessManager(session.ProcessConfig{
		DescriptorPath: cfg.Tunnel.Descriptor,
		Executable:     cfg.Tunnel.Executable,
		Args:           []string{"--config", opts.configFile},
		StopTimeout:    cfg.Tunnel.StopTimeout.Duration(),
	})
	ctrl := controller.New(controller.Config{
		Manager:      manager,
		Store:        st,
		Control:      control.NewClient(cfg.Control.Socket),
		PollInterval: cfg.Controller.PollInterval.Duration(),
		Logger:       logger,
	})
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Init(ctx); err != nil {
		logger.Warn("tunnel descriptor not loaded", "error", err)
	}

	if proxy.changed(cmd) {
		next := proxy.apply(cmd, ctrl.State().Config)
		if err := ctrl.SetConfiguration(next); err != nil {
			return err
		}
	}

	monitor := netmon.New(netmon.Config{Exclude: []string{cfg.Tunnel.Interface}})
	go monitor.Run(ctx)
	paths, unsubscribePaths := monitor.Subscribe()
	defer unsubscribePaths()

	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	if err := ctrl.Connect(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	last := ctrl.State()
	printState(out, last)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Stopping tunnel...")
			ctrl.Disconnect()
			timeout := cfg.Tunnel.StopTimeout.Duration()
			if timeout <= 0 {
				timeout = session.DefaultStopTimeout
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*timeout)
			err := manager.Stop(stopCtx)
			cancel()
			return err

		case path, ok := <-paths:
			if !ok {
				paths = nil
				continue
			}
			if path.Connected {
				fmt.Fprintf(out, "Network: %s (%s)\n", path.InterfaceName(), path.Interface)
			} else {
				fmt.Fprintln(out, "Network: offline")
			}

		case s, ok := <-states:
			if !ok {
				return nil
			}
			if s.Status != last.Status || s.LastError != last.LastError {
				printState(out, s)
			}
			wasUp := last.Status != controller.StateIdle || last.Connecting
			last = s
			if wasUp && s.Status == controller.StateIdle && !s.Connecting {
				if s.LastError != "" {
					return errors.New(s.LastError)
				}
				return tunnel.NewError(tunnel.KindSession, "", errors.New("tunnel disconnected"))
			}
		}
	}
}

func printState(w io.Writer, st controller.State) {
	switch {
	case st.Status == controller.StateConnected:
		fmt.Fprintf(w, "Status: connected via %s\n", st.Config.Address())
	case st.LastError != "":
		fmt.Fprintf(w, "Status: %s (%s)\n", st.Status, st.LastError)
	default:
		fmt.Fprintf(w, "Status: %s\n", st.Status)
	}
}
