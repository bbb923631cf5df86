package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netwraith/netwraith/internal/control"
	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/metrics"
	"github.com/netwraith/netwraith/internal/packettunnel"
	"github.com/netwraith/netwraith/internal/session"
	"github.com/netwraith/netwraith/internal/store"
	"github.com/netwraith/netwraith/internal/vpn"
)

// shutdownTimeout bounds the runtime teardown after a stop signal.
const shutdownTimeout = 10 * time.Second

// newTunnelCommand is the runtime process started by the session manager.
// Stdout carries status lines only.
func newTunnelCommand(opts *options) *cobra.Command {
	var descriptorPath string

	cmd := &cobra.Command{
		Use:    "tunnel",
		Short:  "Run the tunnel runtime (started by netwraith up)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel(cmd, opts, descriptorPath)
		},
	}
	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "tunnel descriptor path (default from config)")
	return cmd
}

func runTunnel(cmd *cobra.Command, opts *options, descriptorPath string) error {
	status := cmd.OutOrStdout()
	fail := func(err error) error {
		_ = session.WriteStatus(status, session.Failed(err))
		return err
	}

	cfg, err := opts.load()
	if err != nil {
		return fail(err)
	}
	logCfg := cfg.Logging
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	if err := logging.Setup(logCfg); err != nil {
		return fail(fmt.Errorf("setup logging: %w", err))
	}
	defer logging.Close()
	logger := logging.WithComponent("runtime")

	if descriptorPath == "" {
		descriptorPath = cfg.Tunnel.Descriptor
	}
	d, err := session.LoadDescriptor(descriptorPath)
	if err != nil {
		return fail(err)
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	platform, err := vpn.NewPlatform(vpn.Options{
		Interface: cfg.Tunnel.Interface,
		Logger:    logging.WithComponent("vpn"),
	})
	if err != nil {
		return fail(err)
	}

	var rt *packettunnel.Runtime
	var coll *metrics.Collector
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		coll = metrics.NewCollector(metrics.New(), func() float64 { return rt.Uptime() })
		metricsHandler = coll.Metrics().Handler()
	}

	rt = packettunnel.New(packettunnel.Config{
		Store:    st,
		Platform: platform,
		Metrics:  coll,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx, &d.Provider); err != nil {
		return fail(err)
	}

	srv := control.NewServer(control.ServerConfig{
		Socket:  cfg.Control.Socket,
		Handler: rt,
		Metrics: metricsHandler,
		Logger:  logging.WithComponent("control"),
	})
	if err := srv.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.Stop(stopCtx)
		return fail(err)
	}
	if coll != nil {
		coll.Start()
		defer coll.Stop()
	}

	if err := session.WriteStatus(status, session.Connected(time.Now())); err != nil {
		logger.Warn("failed to report status", "error", err)
	}
	logger.Info("tunnel running",
		"proxy", rt.Configuration().Address(),
		"socket", cfg.Control.Socket,
	)

	<-ctx.Done()
	logger.Info("stopping tunnel")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("control server shutdown failed", "error", err)
	}
	return rt.Stop(stopCtx)
}
