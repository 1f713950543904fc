package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/config"
	"github.com/systmms/secretbroker/internal/server"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(cfg *config.Config) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP API",
		Long: `Start the broker and serve the secret API, /healthz, and /metrics.

Backends are validated before the listener opens so a misconfigured
credential fails the start, not the first request. SIGHUP reloads the
policy rule file without dropping connections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if err := rt.Broker.Validate(cmd.Context()); err != nil {
				return err
			}

			serverConfig := server.DefaultConfig()
			serverConfig.Addr = cfg.ListenAddr()
			if listenAddr != "" {
				serverConfig.Addr = listenAddr
			}

			srv := server.New(serverConfig, rt.Broker, cfg.Logger)
			if err := srv.Start(); err != nil {
				return err
			}
			cfg.Logger.Info("listening on %s", srv.Addr())

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(signals)

			for sig := range signals {
				if sig == syscall.SIGHUP {
					if err := rt.Gate.Reload(rt.PolicyFile); err != nil {
						cfg.Logger.Error("policy reload failed, keeping previous rules: %v", err)
						continue
					}
					cfg.Logger.Info("policy rules reloaded from %s", rt.PolicyFile)
					continue
				}

				cfg.Logger.Info("received %s, shutting down", sig)
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides the config file)")

	return cmd
}
