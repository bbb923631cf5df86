// Package cli implements the netwraith command tree.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/config"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/version"
)

// options holds flags shared by all commands.
type options struct {
	configFile string
}

// NewRootCommand creates the netwraith root command.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "netwraith",
		Short: "NetWraith proxy tunnel",
		Long: `NetWraith routes all traffic of this machine through an HTTP/HTTPS proxy
by bringing up a virtual network interface whose routes, DNS and system proxy
settings point at the proxy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath(), "config file path")

	root.AddCommand(
		newUpCommand(opts),
		newStatusCommand(opts),
		newConfigCommand(opts),
		newCtlCommand(opts),
		newTunnelCommand(opts),
		newVersionCommand(),
	)
	return root
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultDir(), "config.yaml")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}

// load reads the config file. A missing file yields the defaults.
func (o *options) load() (config.Config, error) {
	cfg := config.DefaultConfig()
	if err := config.LoadOrDefault(o.configFile, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads the config, installs the logger and opens the store.
func (o *options) setup() (config.Config, store.Store, error) {
	cfg, err := o.load()
	if err != nil {
		return cfg, nil, err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return cfg, nil, fmt.Errorf("setup logging: %w", err)
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return cfg, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}
