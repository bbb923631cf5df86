package cli

import (
	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/tunnel"
)

// proxyFlags are the --host and --port flags.
type proxyFlags struct {
	host string
	port int
}

func (p *proxyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.host, "host", "", "proxy host (IPv4 address or hostname)")
	cmd.Flags().IntVar(&p.port, "port", int(tunnel.DefaultProxyPort), "proxy port")
}

func (p proxyFlags) changed(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("host") || cmd.Flags().Changed("port")
}

// apply overlays the flags given on the command line onto base. A port
// outside the uint16 range becomes 0 so validation rejects it.
func (p proxyFlags) apply(cmd *cobra.Command, base tunnel.Configuration) tunnel.Configuration {
	if cmd.Flags().Changed("host") {
		base.Host = p.host
	}
	if cmd.Flags().Changed("port") {
		base.Port = 0
		if p.port > 0 && p.port <= 65535 {
			base.Port = uint16(p.port)
		}
	}
	return base
}
