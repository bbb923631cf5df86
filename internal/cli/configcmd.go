package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/config"
	"github.com/netwraith/netwraith/internal/controller"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/tunnel"
)

func newConfigCommand(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the proxy configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored proxy configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := opts.setup()
			if err != nil {
				return err
			}
			defer st.Close()

			snap := store.Load(st)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Proxy host:\t%s\n", orNotSet(snap.ProxyHost))
			fmt.Fprintf(w, "Proxy port:\t%d\n", bootstrapPort(snap))
			fmt.Fprintf(w, "Store:\t%s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
			fmt.Fprintf(w, "Control socket:\t%s\n", cfg.Control.Socket)
			fmt.Fprintf(w, "Interface:\t%s\n", cfg.Tunnel.Interface)
			return w.Flush()
		},
	}

	var proxy proxyFlags
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set the proxy host and port",
		Long: `Set the proxy used by the next connect. The change is rejected while a
tunnel is active; use "netwraith ctl update-proxy" to switch a running tunnel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !proxy.changed(cmd) {
				return fmt.Errorf("nothing to set (use --host and/or --port)")
			}
			return withConfigController(opts, func(ctrl *controller.Controller) error {
				next := proxy.apply(cmd, ctrl.State().Config)
				if err := ctrl.SetConfiguration(next); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Proxy set to %s\n", next.Address())
				return nil
			})
		},
	}
	proxy.register(setCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the proxy host and restore the default port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigController(opts, func(ctrl *controller.Controller) error {
				if err := ctrl.ResetConfiguration(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Proxy configuration reset")
				return nil
			})
		},
	}

	var initOutput string
	var initForce bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a configuration file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initOutput == "" {
				initOutput = opts.configFile
			}
			if _, err := os.Stat(initOutput); err == nil {
				if !initForce {
					return fmt.Errorf("file %s already exists (use --force to overwrite)", initOutput)
				}
				backup, err := config.Backup(initOutput)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Previous configuration saved to %s\n", backup)
			}

			cfg := config.DefaultConfig()
			if err := config.Save(initOutput, &cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated configuration: %s\n", initOutput)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "output file path (default: --config)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file after backing it up")

	configCmd.AddCommand(showCmd, setCmd, resetCmd, initCmd)
	return configCmd
}

// withConfigController runs fn against a controller without a session
// manager. Edits are refused while the store records an active tunnel.
func withConfigController(opts *options, fn func(*controller.Controller) error) error {
	_, st, err := opts.setup()
	if err != nil {
		return err
	}
	defer st.Close()

	if store.Bool(st, tunnel.KeyTunnelActive) {
		return tunnel.ErrTunnelActive
	}

	ctrl := controller.New(controller.Config{Store: st})
	defer ctrl.Close()
	return fn(ctrl)
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func bootstrapPort(snap store.Snapshot) uint16 {
	if p := snap.Configuration().Port; p != 0 {
		return p
	}
	return tunnel.DefaultProxyPort
}
